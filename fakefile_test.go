package layout

import "sync"

// fakeAsyncFile is an in-memory AsyncFile used by unit tests that need
// a storage collaborator but not a real file.
type fakeAsyncFile struct {
	mu   sync.Mutex
	data []byte
}

func newFakeAsyncFile() *fakeAsyncFile {
	return &fakeAsyncFile{data: make([]byte, 2*SuperBlockSize)}
}

func (f *fakeAsyncFile) ensure(n int) {
	if n > len(f.data) {
		grown := make([]byte, n)
		copy(grown, f.data)
		f.data = grown
	}
}

func (f *fakeAsyncFile) Read(offset int64, buf []byte) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := int(offset) + len(buf)
	if end > len(f.data) {
		return Status{Succ: false}
	}
	copy(buf, f.data[offset:end])
	return Status{Succ: true}
}

func (f *fakeAsyncFile) Write(offset int64, buf []byte) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(int(offset) + len(buf))
	copy(f.data[offset:], buf)
	return Status{Succ: true}
}

func (f *fakeAsyncFile) AsyncRead(offset int64, buf []byte, ctx interface{}, complete CompletionFunc) {
	status := f.Read(offset, buf)
	complete(ctx, status)
}

func (f *fakeAsyncFile) AsyncWrite(offset int64, buf []byte, ctx interface{}, complete CompletionFunc) {
	status := f.Write(offset, buf)
	complete(ctx, status)
}

func (f *fakeAsyncFile) Truncate(newLength int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(newLength) <= len(f.data) {
		f.data = f.data[:newLength]
	} else {
		f.ensure(int(newLength))
	}
	return nil
}

func (f *fakeAsyncFile) Close() error { return nil }
