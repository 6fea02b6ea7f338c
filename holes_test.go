package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHoleListGetFirstFitSplitsLargerHole(t *testing.T) {
	h := newHoleList()
	h.add(100, 50)

	offset, ok := h.get(20)
	assert.True(t, ok)
	assert.EqualValues(t, 100, offset)
	assert.Equal(t, []hole{{offset: 120, size: 30}}, h.snapshot())
}

func TestHoleListGetExactMatchRemovesHole(t *testing.T) {
	h := newHoleList()
	h.add(100, 50)

	offset, ok := h.get(50)
	assert.True(t, ok)
	assert.EqualValues(t, 100, offset)
	assert.Empty(t, h.snapshot())
}

func TestHoleListGetSkipsTooSmallHoles(t *testing.T) {
	h := newHoleList()
	h.add(100, 10)
	h.add(200, 100)

	offset, ok := h.get(50)
	assert.True(t, ok)
	assert.EqualValues(t, 200, offset)
}

func TestHoleListGetNoFitReturnsFalse(t *testing.T) {
	h := newHoleList()
	h.add(100, 10)

	_, ok := h.get(50)
	assert.False(t, ok)
}

func TestHoleListAddCoalescesWithPrecedingHole(t *testing.T) {
	h := newHoleList()
	h.add(100, 50) // [100,150)
	h.add(150, 20) // abuts from the right

	assert.Equal(t, []hole{{offset: 100, size: 70}}, h.snapshot())
}

func TestHoleListAddCoalescesWithFollowingHole(t *testing.T) {
	h := newHoleList()
	h.add(200, 50) // [200,250)
	h.add(150, 50) // abuts from the left

	assert.Equal(t, []hole{{offset: 150, size: 100}}, h.snapshot())
}

func TestHoleListAddMergesBothNeighbors(t *testing.T) {
	h := newHoleList()
	h.add(100, 50)  // [100,150)
	h.add(200, 50)  // [200,250)
	h.add(150, 50)  // fills the gap, should merge into one [100,250)

	assert.Equal(t, []hole{{offset: 100, size: 150}}, h.snapshot())
}

func TestHoleListAddOverlapPanics(t *testing.T) {
	h := newHoleList()
	h.add(100, 50)
	assert.Panics(t, func() { h.add(120, 10) })
}

func TestHoleListFoldTailRemovesAbuttingTailHole(t *testing.T) {
	h := newHoleList()
	h.add(100, 50) // [100,150)

	cursor := h.foldTail(150)
	assert.EqualValues(t, 100, cursor)
	assert.Empty(t, h.snapshot())
}

func TestHoleListFoldTailNoOpWhenNotAbutting(t *testing.T) {
	h := newHoleList()
	h.add(100, 50)

	cursor := h.foldTail(500)
	assert.EqualValues(t, 500, cursor)
	assert.Equal(t, []hole{{offset: 100, size: 50}}, h.snapshot())
}
