package layout

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrLocked is returned when another writer already holds the data
// file's exclusive advisory lock.
var ErrLocked = errors.New("layout: data file is locked by another writer")

// flock acquires an exclusive advisory lock on file, retrying every
// 50ms until acquired or timeout elapses. timeout <= 0 waits
// indefinitely.
func flock(file *os.File, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		errno, ok := err.(syscall.Errno)
		if !ok || (errno != syscall.EWOULDBLOCK && errno != syscall.EAGAIN) {
			return errors.Wrap(err, "flock")
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrLocked
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func funlock(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
