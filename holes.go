package layout

import "sync"

// hole is a free, page-aligned extent of the data file.
type hole struct {
	offset uint64
	size   uint64
}

// holeList is the ordered, non-overlapping, non-adjacent free-extent
// list backing the allocator: first-fit allocation with a
// strict-greater split, binary-search insertion on release, and
// three-way coalescing with whichever neighbors newly abut.
type holeList struct {
	mu    sync.Mutex
	holes []hole
}

func newHoleList() *holeList {
	return &holeList{}
}

// get performs first-fit allocation: a hole strictly larger than size
// is split (shrunk in place), a hole exactly size is consumed whole
// and removed. A hole smaller than size is skipped. Returns false if
// no hole satisfies the request — the caller then allocates from the
// file tail.
func (h *holeList) get(size uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.holes {
		switch {
		case h.holes[i].size > size:
			offset := h.holes[i].offset
			h.holes[i].offset += size
			h.holes[i].size -= size
			return offset, true
		case h.holes[i].size == size:
			offset := h.holes[i].offset
			h.holes = append(h.holes[:i], h.holes[i+1:]...)
			return offset, true
		}
	}
	return 0, false
}

// add inserts a newly freed extent into the list, coalescing with an
// abutting neighbor on either side. It does not handle reclaiming
// space directly off the end of the file — that requires the engine's
// write cursor and is implemented by Engine.addHole.
func (h *holeList) add(offset, size uint64) {
	if size == 0 {
		panic("layout: add_hole called with zero size")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	nh := hole{offset: offset, size: size}

	if len(h.holes) == 0 {
		h.holes = append(h.holes, nh)
		return
	}

	// idx = index of the first hole whose offset >= nh.offset; the
	// preceding hole (idx-1), if any, is the rightmost hole with a
	// smaller offset.
	idx := h.searchInsertionPoint(nh.offset)

	if idx == 0 {
		first := &h.holes[0]
		if nh.offset+nh.size > first.offset {
			panic("layout: new hole overlaps an existing hole")
		}
		if nh.offset+nh.size == first.offset {
			first.offset = nh.offset
			first.size += nh.size
			return
		}
		h.insertAt(0, nh)
		return
	}

	prev := &h.holes[idx-1]
	if prev.offset+prev.size > nh.offset {
		panic("layout: new hole overlaps an existing hole")
	}

	if prev.offset+prev.size == nh.offset {
		prev.size += nh.size
		if idx < len(h.holes) && prev.offset+prev.size == h.holes[idx].offset {
			prev.size += h.holes[idx].size
			h.holes = append(h.holes[:idx], h.holes[idx+1:]...)
		}
		return
	}

	if idx < len(h.holes) {
		if nh.offset+nh.size > h.holes[idx].offset {
			panic("layout: new hole overlaps an existing hole")
		}
		if nh.offset+nh.size == h.holes[idx].offset {
			h.holes[idx].offset = nh.offset
			h.holes[idx].size += nh.size
			return
		}
	}

	h.insertAt(idx, nh)
}

func (h *holeList) searchInsertionPoint(offset uint64) int {
	lo, hi := 0, len(h.holes)
	for lo < hi {
		mid := (lo + hi) / 2
		if h.holes[mid].offset < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (h *holeList) insertAt(idx int, nh hole) {
	h.holes = append(h.holes, hole{})
	copy(h.holes[idx+1:], h.holes[idx:len(h.holes)-1])
	h.holes[idx] = nh
}

// foldTail removes the tail-most hole if it directly abuts cursor,
// repeating until no further fold applies, and returns the retracted
// cursor. Since the list invariant guarantees no two holes are
// adjacent, at most one fold ever applies in practice; the loop is
// defensive, not load-bearing.
func (h *holeList) foldTail(cursor uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for n := len(h.holes); n > 0; n = len(h.holes) {
		last := h.holes[n-1]
		if last.offset+last.size != cursor {
			break
		}
		h.holes = h.holes[:n-1]
		cursor = last.offset
	}
	return cursor
}

// snapshot returns a defensive copy of the hole list for inspection
// (tests, the CLI, property checks).
func (h *holeList) snapshot() []hole {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hole, len(h.holes))
	copy(out, h.holes)
	return out
}
