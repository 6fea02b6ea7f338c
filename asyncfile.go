package layout

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Status reports the outcome of a completed I/O request.
type Status struct {
	Succ bool
}

// CompletionFunc is invoked from an I/O-pool goroutine when an
// asynchronous request finishes. The closure, not a raw callback
// pointer, owns whatever context it needs.
type CompletionFunc func(ctx interface{}, status Status)

// AsyncFile is the storage backend the engine drives: synchronous
// Read/Write, asynchronous AsyncRead/AsyncWrite, and Truncate. It is
// the one seam in the engine meant to be swapped out, e.g. for a
// backend that batches requests through real kernel AIO instead of a
// goroutine pool.
type AsyncFile interface {
	Read(offset int64, buf []byte) Status
	Write(offset int64, buf []byte) Status
	AsyncRead(offset int64, buf []byte, ctx interface{}, complete CompletionFunc)
	AsyncWrite(offset int64, buf []byte, ctx interface{}, complete CompletionFunc)
	Truncate(newLength int64) error
	Close() error
}

// defaultAsyncWorkers is the size of fileBackend's dispatch pool.
const defaultAsyncWorkers = 4

type ioRequest struct {
	write    bool
	offset   int64
	buf      []byte
	ctx      interface{}
	complete CompletionFunc
}

// fileBackend is the concrete AsyncFile implementation over an
// *os.File. Synchronous calls use ReadAt/WriteAt directly; async calls
// are dispatched to a small fixed goroutine pool and the completion
// callback runs from that pool goroutine, never from the submitting
// goroutine.
type fileBackend struct {
	file *os.File
	reqs chan ioRequest
	wg   sync.WaitGroup
}

// newFileBackend starts workers goroutines consuming I/O requests for
// file. workers <= 0 defaults to defaultAsyncWorkers.
func newFileBackend(file *os.File, workers int) *fileBackend {
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}
	fb := &fileBackend{
		file: file,
		reqs: make(chan ioRequest, 64),
	}
	for i := 0; i < workers; i++ {
		fb.wg.Add(1)
		go fb.worker()
	}
	return fb
}

func (fb *fileBackend) worker() {
	defer fb.wg.Done()
	for req := range fb.reqs {
		var status Status
		if req.write {
			status = fb.Write(req.offset, req.buf)
		} else {
			status = fb.Read(req.offset, req.buf)
		}
		req.complete(req.ctx, status)
	}
}

func (fb *fileBackend) Read(offset int64, buf []byte) Status {
	_, err := fb.file.ReadAt(buf, offset)
	return Status{Succ: err == nil}
}

func (fb *fileBackend) Write(offset int64, buf []byte) Status {
	_, err := fb.file.WriteAt(buf, offset)
	return Status{Succ: err == nil}
}

func (fb *fileBackend) AsyncRead(offset int64, buf []byte, ctx interface{}, complete CompletionFunc) {
	fb.reqs <- ioRequest{offset: offset, buf: buf, ctx: ctx, complete: complete}
}

func (fb *fileBackend) AsyncWrite(offset int64, buf []byte, ctx interface{}, complete CompletionFunc) {
	fb.reqs <- ioRequest{write: true, offset: offset, buf: buf, ctx: ctx, complete: complete}
}

func (fb *fileBackend) Truncate(newLength int64) error {
	if err := fb.file.Truncate(newLength); err != nil {
		return errors.Wrap(err, "truncate data file")
	}
	return nil
}

func (fb *fileBackend) Close() error {
	close(fb.reqs)
	fb.wg.Wait()
	return fb.file.Close()
}
