package layout

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options configures Open.
type Options struct {
	// Compress selects the on-disk compression codec. On an existing
	// file it must match the codec recorded in the superblock
	// (ErrConfigMismatch otherwise).
	Compress Compress

	// Timeout bounds how long Open waits for the exclusive advisory
	// lock on the data file. Zero waits indefinitely.
	Timeout time.Duration

	// ReadOnly opens the file without creating it and without taking
	// the exclusive lock.
	ReadOnly bool

	// AsyncWorkers sizes the async dispatch pool. <= 0 uses
	// defaultAsyncWorkers.
	AsyncWorkers int
}

// DefaultOptions is used by Open when opts is nil.
var DefaultOptions = &Options{Compress: CompressSnappy}

// Engine is the on-disk block layout engine: it owns the data file,
// the in-memory block directory and hole list, and the superblock
// manager, and mediates every read and write against them.
type Engine struct {
	path string
	file *os.File
	opts Options

	async AsyncFile
	pool  *bufferPool
	dir   *blockDirectory
	holes *holeList
	sbMgr *superblockManager

	// mu protects offset, length, flyWrites, flyReads. cond is
	// signalled whenever flyWrites reaches zero, so Flush can wait on
	// it instead of busy-polling for in-flight writes to finish.
	mu        sync.Mutex
	cond      *sync.Cond
	offset    uint64
	length    uint64
	flyWrites int
	flyReads  int

	superblock *SuperBlock

	log    *logrus.Entry
	closed bool
}

// Open opens or creates the data file at path. A file that does not
// yet exist is created and formatted unless opts.ReadOnly is set, in
// which case opening a missing file fails.
func Open(path string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}

	create := false
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if !os.IsNotExist(err) || opts.ReadOnly {
			return nil, errors.Wrap(err, "open data file")
		}
		file, err = os.OpenFile(path, flag|os.O_CREATE, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "create data file")
		}
		create = true
	}

	if !opts.ReadOnly {
		if err := flock(file, opts.Timeout); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	e := &Engine{
		path:  path,
		file:  file,
		opts:  *opts,
		pool:  newBufferPool(),
		dir:   newBlockDirectory(),
		holes: newHoleList(),
		log:   logrus.WithField("component", "layout"),
	}
	e.cond = sync.NewCond(&e.mu)
	e.async = newFileBackend(file, opts.AsyncWorkers)
	e.sbMgr = newSuperblockManager(e.async, e.log)

	if err := e.init(create); err != nil {
		_ = e.async.Close()
		if !opts.ReadOnly {
			_ = funlock(file)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(create bool) error {
	if create {
		e.superblock = newSuperBlock(e.opts.Compress)
		if err := e.sbMgr.flush(e.superblock); err != nil {
			return errors.Wrap(err, "flush superblock during create")
		}
		e.offset = 2 * SuperBlockSize
		e.length = e.offset
		e.log.Info("formatted new data file")
		return nil
	}

	info, err := e.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat data file")
	}
	if info.Size() < 2*SuperBlockSize {
		return ErrFileTooShort
	}
	e.length = uint64(info.Size())

	sb, err := e.sbMgr.load()
	if err != nil {
		return err
	}
	if sb.Compress != e.opts.Compress {
		return errors.Wrapf(ErrConfigMismatch, "configured %s, superblock recorded %s", e.opts.Compress, sb.Compress)
	}
	e.superblock = sb

	if sb.IndexBlockMeta != nil {
		block, err := e.readBlockMeta(*sb.IndexBlockMeta)
		if err != nil {
			return errors.Wrap(ErrInvalidImage, "read index block: "+err.Error())
		}
		if err := readIndex(e.dir, block.Payload()); err != nil {
			return err
		}
	}

	e.initHoles()
	e.logRecoverySummary()
	return nil
}

// initHoles rebuilds the hole list as the complement of used extents
// within [2*SuperBlockSize, maxUsedEnd) and sets the write cursor to
// maxUsedEnd. It runs before the engine is reachable by any other
// goroutine, so no locking is needed.
func (e *Engine) initHoles() {
	type extent struct{ offset, end uint64 }
	var extents []extent

	e.dir.forEach(func(bid BlockId, meta BlockMeta) {
		extents = append(extents, extent{meta.Offset, meta.Offset + uint64(meta.occupied())})
	})
	if e.superblock.IndexBlockMeta != nil {
		m := *e.superblock.IndexBlockMeta
		extents = append(extents, extent{m.Offset, m.Offset + uint64(m.occupied())})
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].offset < extents[j].offset })

	last := uint64(2 * SuperBlockSize)
	for _, ex := range extents {
		if ex.offset > last {
			e.holes.add(last, ex.offset-last)
		}
		last = ex.end
	}
	e.offset = last
}

func (e *Engine) logRecoverySummary() {
	var innerCount, leafCount int
	var innerInflated, innerCompressed, leafInflated, leafCompressed uint64
	e.dir.forEach(func(bid BlockId, meta BlockMeta) {
		if IsLeaf(bid) {
			leafCount++
			leafInflated += uint64(meta.InflatedSize)
			leafCompressed += uint64(meta.CompressedSize)
		} else {
			innerCount++
			innerInflated += uint64(meta.InflatedSize)
			innerCompressed += uint64(meta.CompressedSize)
		}
	})
	e.log.WithFields(logrus.Fields{
		"inner_blocks":           innerCount,
		"inner_inflated_bytes":   innerInflated,
		"inner_compressed_bytes": innerCompressed,
		"leaf_blocks":            leafCount,
		"leaf_inflated_bytes":    leafInflated,
		"leaf_compressed_bytes":  leafCompressed,
	}).Info("recovered block directory")
}

// Read performs a synchronous block read. It returns (nil, nil) when
// bid is unknown, logging the condition rather than returning an
// error for it.
func (e *Engine) Read(bid BlockId) (*Block, error) {
	meta, ok := e.dir.get(bid)
	if !ok {
		e.log.WithField("bid", bid).Info("read: block not found")
		return nil, nil
	}
	block, err := e.readBlockMeta(meta)
	if err != nil {
		e.log.WithError(err).WithField("bid", bid).Error("read block failed")
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"bid": bid, "offset": meta.Offset, "compressed_size": meta.CompressedSize, "inflated_size": meta.InflatedSize,
	}).Trace("read block ok")
	return block, nil
}

func (e *Engine) readBlockMeta(meta BlockMeta) (*Block, error) {
	readBuf := e.pool.alloc(int(meta.CompressedSize))

	status := e.async.Read(int64(meta.Offset), readBuf)
	if !status.Succ {
		e.pool.free(readBuf)
		return nil, errors.Wrap(ErrIoFailure, "read block")
	}

	if crcOf(readBuf[:meta.CompressedSize]) != meta.Crc {
		e.pool.free(readBuf)
		return nil, errors.Wrap(ErrIoFailure, "block crc mismatch")
	}

	inflated, err := decompress(e.superblock.Compress, readBuf, int(meta.CompressedSize), int(meta.InflatedSize), e.pool)
	if err != nil {
		e.pool.free(readBuf)
		return nil, errors.Wrap(ErrIoFailure, "decompress block: "+err.Error())
	}
	if e.superblock.Compress != CompressNone {
		e.pool.free(readBuf)
	}
	return NewBlock(inflated, int(meta.InflatedSize)), nil
}

// AsyncRead mirrors Read but dispatches through the AsyncFile and
// invokes cb from an I/O-pool goroutine. For an unknown bid it calls
// cb(nil, nil) directly on the calling goroutine.
func (e *Engine) AsyncRead(bid BlockId, cb func(*Block, error)) {
	meta, ok := e.dir.get(bid)
	if !ok {
		e.log.WithField("bid", bid).Info("async_read: block not found")
		cb(nil, nil)
		return
	}

	readBuf := e.pool.alloc(int(meta.CompressedSize))

	e.mu.Lock()
	e.flyReads++
	e.mu.Unlock()

	e.async.AsyncRead(int64(meta.Offset), readBuf, nil, func(_ interface{}, status Status) {
		e.mu.Lock()
		e.flyReads--
		e.mu.Unlock()

		if !status.Succ {
			e.pool.free(readBuf)
			e.log.WithField("bid", bid).Error("async read failed")
			cb(nil, errors.Wrap(ErrIoFailure, "async read block"))
			return
		}
		if crcOf(readBuf[:meta.CompressedSize]) != meta.Crc {
			e.pool.free(readBuf)
			cb(nil, errors.Wrap(ErrIoFailure, "block crc mismatch"))
			return
		}
		inflated, err := decompress(e.superblock.Compress, readBuf, int(meta.CompressedSize), int(meta.InflatedSize), e.pool)
		if err != nil {
			e.pool.free(readBuf)
			cb(nil, errors.Wrap(ErrIoFailure, "decompress block: "+err.Error()))
			return
		}
		if e.superblock.Compress != CompressNone {
			e.pool.free(readBuf)
		}
		cb(NewBlock(inflated, int(meta.InflatedSize)), nil)
	})
}

// AsyncWrite compresses block, reserves an offset from the hole
// allocator (or the file tail), and dispatches the write. block's
// backing buffer must already be aligned to its logical size.
func (e *Engine) AsyncWrite(bid BlockId, block *Block, cb func(error)) {
	if block.Limit() != pageRoundUp(block.Size()) {
		panic("layout: block buffer is not aligned to its logical size")
	}

	compressed, compressedSize := compress(e.superblock.Compress, block.Payload(), e.pool)
	writeBuf := compressed
	if writeBuf == nil {
		writeBuf = block.Buf() // CompressNone: reuse caller's aligned buffer, no copy
	}
	writeBuf = writeBuf[:pageRoundUp(compressedSize)]

	meta := BlockMeta{
		InflatedSize:   uint32(block.Size()),
		CompressedSize: uint32(compressedSize),
		Crc:            crcOf(writeBuf[:compressedSize]),
		Offset:         e.getOffset(uint64(len(writeBuf))),
	}

	e.mu.Lock()
	e.flyWrites++
	e.mu.Unlock()

	e.async.AsyncWrite(int64(meta.Offset), writeBuf, nil, func(_ interface{}, status Status) {
		var err error
		if status.Succ {
			e.log.WithFields(logrus.Fields{"bid": bid, "offset": meta.Offset}).Trace("write block ok")
			prevOffset, prevSize, hadPrev := e.dir.set(bid, meta)
			if hadPrev {
				e.addHole(prevOffset, uint64(prevSize))
			}
		} else {
			e.log.WithField("bid", bid).Error("write block failed")
			e.addHole(meta.Offset, uint64(len(writeBuf)))
			err = errors.Wrap(ErrIoFailure, "async write block")
		}

		if e.superblock.Compress != CompressNone {
			e.pool.free(compressed)
		}

		e.mu.Lock()
		e.flyWrites--
		e.cond.Broadcast()
		e.mu.Unlock()

		cb(err)
	})
}

// DeleteBlock removes bid from the directory and releases its extent
// as a hole. It returns ErrNotFound if bid was never written.
func (e *Engine) DeleteBlock(bid BlockId) error {
	offset, size, ok := e.dir.del(bid)
	if !ok {
		e.log.WithField("bid", bid).Info("delete_block: block not found")
		return ErrNotFound
	}
	e.addHole(offset, uint64(size))
	return nil
}

// getOffset returns an offset for a buffer of the given size: a hole
// if one fits, otherwise the file tail.
func (e *Engine) getOffset(size uint64) uint64 {
	if off, ok := e.holes.get(size); ok {
		return off
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	off := e.offset
	e.offset += size
	if e.offset > e.length {
		e.length = e.offset
	}
	return off
}

// addHole releases [offset, offset+size) back to the allocator. An
// extent abutting the write cursor retracts the cursor directly
// without touching the hole list, and then tries to fold the new
// tail-most hole into that retracted cursor too; anything else is
// inserted into the ordered hole list.
func (e *Engine) addHole(offset, size uint64) {
	e.mu.Lock()
	if offset+size == e.offset {
		e.offset = offset
		tailCursor := e.offset
		e.mu.Unlock()

		folded := e.holes.foldTail(tailCursor)
		if folded == tailCursor {
			return
		}

		e.mu.Lock()
		if e.offset == tailCursor {
			e.offset = folded
		} else {
			// A concurrent allocation advanced offset_ past tailCursor
			// while we folded; the span we removed from the hole list
			// is no longer part of the tail, so it goes back.
			e.holes.add(folded, tailCursor-folded)
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.holes.add(offset, size)
}

// Flush waits for in-flight writes to quiesce, persists the directory
// as a new index block, rewrites both superblock copies, and
// truncates the file to the current logical end.
func (e *Engine) Flush() error {
	e.mu.Lock()
	for e.flyWrites > 0 {
		e.cond.Wait()
	}
	e.mu.Unlock()

	if err := e.flushIndex(); err != nil {
		return err
	}
	if err := e.sbMgr.flush(e.superblock); err != nil {
		return err
	}
	e.truncate()
	return nil
}

func (e *Engine) flushIndex() error {
	size := indexSize(e.dir)
	inflated := e.pool.alloc(size)

	written, err := writeIndex(e.dir, inflated)
	if err != nil {
		e.pool.free(inflated)
		return errors.Wrap(err, "serialize index")
	}

	compressed, compressedSize := compress(e.superblock.Compress, inflated[:written], e.pool)
	writeBuf := compressed
	if writeBuf == nil {
		writeBuf = inflated
	}
	writeBuf = writeBuf[:pageRoundUp(compressedSize)]

	if e.superblock.Compress != CompressNone {
		e.pool.free(inflated)
	}

	offset := e.getOffset(uint64(len(writeBuf)))
	status := e.async.Write(int64(offset), writeBuf)

	crc := crcOf(writeBuf[:compressedSize])
	if e.superblock.Compress != CompressNone {
		e.pool.free(writeBuf)
	}

	if !status.Succ {
		e.addHole(offset, uint64(pageRoundUp(compressedSize)))
		return errors.Wrap(ErrIoFailure, "flush index block")
	}

	if e.superblock.IndexBlockMeta != nil {
		old := *e.superblock.IndexBlockMeta
		e.addHole(old.Offset, uint64(old.occupied()))
	} else {
		e.superblock.IndexBlockMeta = &BlockMeta{}
	}
	e.superblock.IndexBlockMeta.Offset = offset
	e.superblock.IndexBlockMeta.InflatedSize = uint32(written)
	e.superblock.IndexBlockMeta.CompressedSize = uint32(compressedSize)
	e.superblock.IndexBlockMeta.Crc = crc

	e.log.WithField("blocks", e.dir.size()).Trace("flushed index block")
	return nil
}

func (e *Engine) truncate() {
	e.mu.Lock()
	offset, length := e.offset, e.length
	e.mu.Unlock()

	if offset >= length {
		return
	}
	if err := e.async.Truncate(int64(offset)); err != nil {
		e.log.WithError(err).Error("truncate failed")
		return
	}
	e.mu.Lock()
	e.length = offset
	e.mu.Unlock()
}

// Close flushes and releases the data file. A failed flush here is a
// hard error: data created since the last successful Flush is lost.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	flushErr := e.Flush()
	closeErr := e.async.Close()

	if !e.opts.ReadOnly {
		_ = funlock(e.file)
	}
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush on close: DATA LOSS")
	}
	return closeErr
}

// Accessors for tests, the CLI, and property checks.

func (e *Engine) Offset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

func (e *Engine) FileLength() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.length
}

func (e *Engine) Compression() Compress { return e.superblock.Compress }

func (e *Engine) DirectorySize() int { return e.dir.size() }

// Hole describes one free extent, exported for inspection.
type Hole struct {
	Offset uint64
	Size   uint64
}

func (e *Engine) Holes() []Hole {
	raw := e.holes.snapshot()
	out := make([]Hole, len(raw))
	for i, h := range raw {
		out[i] = Hole{Offset: h.offset, Size: h.size}
	}
	return out
}
