package layout

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// blockDirectory is the in-memory bid -> BlockMeta map plus its
// offset-indexed mirror. The mirror stores bid values rather than a
// second owning copy of BlockMeta, so there is exactly one owner of
// each meta record and no risk of the two maps drifting apart.
type blockDirectory struct {
	mu       sync.Mutex
	byBid    map[BlockId]BlockMeta
	byOffset map[uint64]BlockId
}

func newBlockDirectory() *blockDirectory {
	return &blockDirectory{
		byBid:    make(map[BlockId]BlockMeta),
		byOffset: make(map[uint64]BlockId),
	}
}

// get returns a copy of bid's meta under the directory lock, so
// concurrent readers always see a complete old-or-new record, never a
// torn one.
func (d *blockDirectory) get(bid BlockId) (BlockMeta, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byBid[bid]
	return m, ok
}

// set installs meta for bid. If bid was already present, the previous
// extent is reported so the caller can release it as a hole *after*
// dropping the directory lock, keeping the hole list's own lock out of
// this one's critical section.
func (d *blockDirectory) set(bid BlockId, meta BlockMeta) (prevOffset uint64, prevSize int, hadPrev bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byBid[bid]; ok {
		delete(d.byOffset, old.Offset)
		prevOffset, prevSize, hadPrev = old.Offset, old.occupied(), true
	}
	d.byBid[bid] = meta
	d.byOffset[meta.Offset] = bid
	return
}

// del removes bid, reporting its vacated extent for the caller to
// release as a hole after dropping the directory lock.
func (d *blockDirectory) del(bid BlockId) (offset uint64, size int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, exists := d.byBid[bid]
	if !exists {
		return 0, 0, false
	}
	delete(d.byBid, bid)
	delete(d.byOffset, old.Offset)
	return old.Offset, old.occupied(), true
}

func (d *blockDirectory) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byBid)
}

// forEach calls fn for every entry in bid order under a single
// critical section, giving index serialization and recovery logging a
// consistent snapshot. Iteration order has no effect on correctness;
// sorting just makes two runs over the same directory produce the
// same bytes. fn must not call back into the directory.
func (d *blockDirectory) forEach(fn func(bid BlockId, meta BlockMeta)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bids := make([]BlockId, 0, len(d.byBid))
	for b := range d.byBid {
		bids = append(bids, b)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i] < bids[j] })
	for _, b := range bids {
		fn(b, d.byBid[b])
	}
}

// indexSize returns the exact serialized size of the current
// directory contents: a 4-byte count followed by count (bid,
// BlockMeta) records.
func indexSize(dir *blockDirectory) int {
	return 4 + dir.size()*(8+BlockMetaSize)
}

// writeIndex serializes dir into buf as a count followed by that many
// (bid, BlockMeta) records, returning the number of bytes written.
func writeIndex(dir *blockDirectory, buf []byte) (int, error) {
	block := NewBlock(buf, 0)
	w := NewBlockWriter(block)

	var writeErr error
	count := dir.size()
	if !w.WriteUint32(uint32(count)) {
		return 0, errors.New("index buffer too small for entry count")
	}
	written := 0
	dir.forEach(func(bid BlockId, meta BlockMeta) {
		if writeErr != nil {
			return
		}
		if !w.WriteUint64(uint64(bid)) || !encodeBlockMeta(w, meta) {
			writeErr = errors.New("index buffer too small for directory entries")
			return
		}
		written++
	})
	if writeErr != nil {
		return 0, writeErr
	}
	return block.Size(), nil
}

// readIndex deserializes data into dir, which must be empty beforehand
// — it is only ever called once, immediately after a fresh directory
// is constructed during recovery.
func readIndex(dir *blockDirectory, data []byte) error {
	if dir.size() != 0 {
		panic("layout: read_index requires an empty directory")
	}

	block := NewBlock(data, len(data))
	r := NewBlockReader(block)

	n, ok := r.ReadUint32()
	if !ok {
		return errors.Wrap(ErrInvalidImage, "index block truncated reading count")
	}
	for i := uint32(0); i < n; i++ {
		bid, ok := r.ReadUint64()
		if !ok {
			return errors.Wrap(ErrInvalidImage, "index block truncated reading bid")
		}
		meta, ok := decodeBlockMeta(r)
		if !ok {
			return errors.Wrap(ErrInvalidImage, "index block truncated reading block meta")
		}
		dir.set(BlockId(bid), meta)
	}
	return nil
}
