package index

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHNSW(dim int) *HNSW {
	return NewHNSW(dim, MetricL2, HNSWParams{MaxElements: 100, M: 16, EfConstruction: 100})
}

func TestHNSWSearchFindsNearest(t *testing.T) {
	h := newTestHNSW(2)
	for i := 1; i <= 20; i++ {
		require.NoError(t, h.Insert([]float32{float32(i), 0}, int64(i)))
	}

	ids, dists, err := h.Search([]float32{0.1, 0}, 3, nil, 0)
	require.NoError(t, err)
	// Tiny graph, ef 50 >> 20: the search is effectively exhaustive.
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.InDelta(t, 0.9*0.9, float64(dists[0]), 1e-5)
}

func TestHNSWPadding(t *testing.T) {
	h := newTestHNSW(2)
	require.NoError(t, h.Insert([]float32{1, 1}, 1))

	ids, dists, err := h.Search([]float32{1, 1}, 3, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -1, -1}, ids)
	assert.Equal(t, []float32{0, 0, 0}, dists)
}

func TestHNSWEmptyGraph(t *testing.T) {
	h := newTestHNSW(2)
	ids, _, err := h.Search([]float32{0, 0}, 2, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, -1}, ids)
}

func TestHNSWMaskHardFiltering(t *testing.T) {
	h := newTestHNSW(2)
	for i := 1; i <= 20; i++ {
		require.NoError(t, h.Insert([]float32{float32(i), 0}, int64(i)))
	}

	mask := roaring64.New()
	mask.Add(15)

	ids, _, err := h.Search([]float32{0, 0}, 2, mask, 0)
	require.NoError(t, err)
	// Hard filtering: even a far-away masked node is found, because
	// rejected nodes still route the traversal.
	assert.Equal(t, []int64{15, -1}, ids)
}

func TestHNSWCapacity(t *testing.T) {
	h := NewHNSW(1, MetricL2, HNSWParams{MaxElements: 3, M: 4, EfConstruction: 10})
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Insert([]float32{float32(i)}, int64(i)))
	}
	err := h.Insert([]float32{9}, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestHNSWOverwriteFlagsStaleNode(t *testing.T) {
	h := newTestHNSW(2)
	require.NoError(t, h.Insert([]float32{5, 5}, 7))
	require.NoError(t, h.Insert([]float32{1, 1}, 8))
	require.NoError(t, h.Insert([]float32{0, 0}, 7)) // overwrite

	assert.Equal(t, 2, h.Count())

	// The id must surface once, at the new position.
	ids, dists, err := h.Search([]float32{0, 0}, 3, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, -1}, ids)
	assert.Equal(t, float32(0), dists[0])

	// Searching near the stale vector must not return the old slot.
	ids, _, err = h.Search([]float32{5, 5}, 2, nil, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 8}, ids)
}

func TestHNSWIPDistanceConvention(t *testing.T) {
	h := NewHNSW(2, MetricIP, HNSWParams{MaxElements: 10, M: 4, EfConstruction: 20})
	require.NoError(t, h.Insert([]float32{1, 0}, 1))
	require.NoError(t, h.Insert([]float32{0.1, 0}, 2))

	ids, dists, err := h.Search([]float32{1, 0}, 2, nil, 0)
	require.NoError(t, err)
	// Graph distance is 1-dot: higher similarity sorts first.
	assert.Equal(t, []int64{1, 2}, ids)
	assert.InDelta(t, 0.0, float64(dists[0]), 1e-5)
	assert.InDelta(t, 0.9, float64(dists[1]), 1e-5)
}

func TestHNSWSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HNSW.index")

	h := newTestHNSW(2)
	for i := 1; i <= 10; i++ {
		require.NoError(t, h.Insert([]float32{float32(i), 0}, int64(i)))
	}
	require.NoError(t, h.Insert([]float32{0, 0}, 1)) // one overwrite in the image
	require.NoError(t, h.Save(path))

	restored := newTestHNSW(2)
	require.NoError(t, restored.Load(path))

	assert.Equal(t, h.Count(), restored.Count())
	ids, _, err := restored.Search([]float32{0, 0}, 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestHNSWDimensionMismatch(t *testing.T) {
	h := newTestHNSW(3)
	assert.Error(t, h.Insert([]float32{1}, 1))
	_, _, err := h.Search([]float32{1}, 1, nil, 0)
	assert.Error(t, err)
}
