package layout

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDataFile(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "layout-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "data.db")
}

func writeBlock(t *testing.T, eng *Engine, bid BlockId, payload []byte) {
	t.Helper()
	size := len(payload)
	rounded := pageRoundUp(size)
	if rounded == 0 {
		rounded = PageSize
	}
	buf := make([]byte, rounded)
	copy(buf, payload)
	block := NewBlock(buf, size)

	done := make(chan error, 1)
	eng.AsyncWrite(bid, block, func(err error) { done <- err })
	require.NoError(t, <-done)
}

func TestEngineWriteReadRoundTrip(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)
	defer eng.Close()

	payload := []byte("hello block layout engine")
	writeBlock(t, eng, LeafBlockId(1), payload)

	block, err := eng.Read(LeafBlockId(1))
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, payload, block.Payload())
}

func TestEngineReadUnknownBidReturnsNilNotError(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressNone})
	require.NoError(t, err)
	defer eng.Close()

	block, err := eng.Read(LeafBlockId(999))
	assert.NoError(t, err)
	assert.Nil(t, block)
}

func TestEngineSurvivesReopenAfterFlush(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)

	writeBlock(t, eng, LeafBlockId(1), []byte("persisted payload"))
	require.NoError(t, eng.Flush())
	require.NoError(t, eng.Close())

	reopened, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.DirectorySize())
	block, err := reopened.Read(LeafBlockId(1))
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, []byte("persisted payload"), block.Payload())
}

func TestEngineDeleteBlockFreesItsExtent(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressNone})
	require.NoError(t, err)
	defer eng.Close()

	writeBlock(t, eng, LeafBlockId(1), []byte("to be deleted"))
	require.NoError(t, eng.DeleteBlock(LeafBlockId(1)))

	block, err := eng.Read(LeafBlockId(1))
	assert.NoError(t, err)
	assert.Nil(t, block)
	assert.Equal(t, 0, eng.DirectorySize())
	// The only block sat at the tail, so its extent is reclaimed by
	// retracting the cursor rather than by adding a hole.
	assert.EqualValues(t, 2*SuperBlockSize, eng.Offset())
	assert.Empty(t, eng.Holes())
}

func TestEngineDeleteUnknownBlockReturnsErrNotFound(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressNone})
	require.NoError(t, err)
	defer eng.Close()

	assert.ErrorIs(t, eng.DeleteBlock(LeafBlockId(404)), ErrNotFound)
}

func TestEngineOverwriteReleasesPreviousExtentAsHole(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressNone})
	require.NoError(t, err)
	defer eng.Close()

	writeBlock(t, eng, LeafBlockId(1), make([]byte, PageSize))
	offsetBefore := eng.Offset()

	writeBlock(t, eng, LeafBlockId(1), make([]byte, PageSize))
	// The new copy's extent is reserved at the tail before the write is
	// dispatched; only after it succeeds is the old extent released.
	// That extent no longer abuts the cursor, so it becomes a hole.
	assert.Equal(t, offsetBefore+PageSize, eng.Offset())
	assert.Equal(t, []Hole{{Offset: 2 * SuperBlockSize, Size: PageSize}}, eng.Holes())
}

func TestEngineConfigMismatchOnReopen(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = Open(path, &Options{Compress: CompressNone})
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestEngineRejectsTooShortFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "layout-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "short.db")
	require.NoError(t, ioutil.WriteFile(path, []byte("too short"), 0644))

	_, err = Open(path, &Options{Compress: CompressNone})
	assert.ErrorIs(t, err, ErrFileTooShort)
}

func TestEngineSecondOpenForWriteIsLocked(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressNone})
	require.NoError(t, err)
	defer eng.Close()

	_, err = Open(path, &Options{Compress: CompressNone, Timeout: 1})
	assert.Error(t, err)
}

func TestEngineFlushIsIdempotent(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)
	defer eng.Close()

	writeBlock(t, eng, LeafBlockId(1), []byte("payload a"))
	require.NoError(t, eng.Flush())
	require.NoError(t, eng.Flush())

	block, err := eng.Read(LeafBlockId(1))
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, []byte("payload a"), block.Payload())
}

func TestEngineAsyncReadMatchesAsyncWrite(t *testing.T) {
	path := tempDataFile(t)
	eng, err := Open(path, &Options{Compress: CompressSnappy})
	require.NoError(t, err)
	defer eng.Close()

	writeBlock(t, eng, LeafBlockId(7), []byte("async payload"))

	done := make(chan struct{})
	var got *Block
	var readErr error
	eng.AsyncRead(LeafBlockId(7), func(b *Block, err error) {
		got, readErr = b, err
		close(done)
	})
	<-done

	require.NoError(t, readErr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("async payload"), got.Payload())
}
