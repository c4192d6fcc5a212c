package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRawStore is an in-memory RawStore for registry tests.
type fakeRawStore map[string]string

func (f fakeRawStore) PutRaw(key, value string) error { f[key] = value; return nil }
func (f fakeRawStore) GetRaw(key string) (string, error) {
	return f[key], nil
}

func TestRegistryGetBeforeInit(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Flat()
	assert.False(t, ok)
	_, ok = r.HNSW()
	assert.False(t, ok)
	_, ok = r.Filter()
	assert.False(t, ok)
}

func TestRegistrySaveLoadAll(t *testing.T) {
	folder := t.TempDir()
	store := fakeRawStore{}

	r := NewRegistry(nil)
	r.InitFlat(2, MetricL2)
	r.InitHNSW(2, MetricL2, HNSWParams{MaxElements: 10, M: 4, EfConstruction: 20})
	r.InitFilter()

	flat, _ := r.Flat()
	require.NoError(t, flat.Insert([]float32{1, 0}, 1))
	hnsw, _ := r.HNSW()
	require.NoError(t, hnsw.Insert([]float32{1, 0}, 1))
	filter, _ := r.Filter()
	filter.Add("color", 7, 1)

	require.NoError(t, r.SaveAll(folder, store))

	// A second registry with freshly initialized indexes restores
	// the full image.
	r2 := NewRegistry(nil)
	r2.InitFlat(2, MetricL2)
	r2.InitHNSW(2, MetricL2, HNSWParams{MaxElements: 10, M: 4, EfConstruction: 20})
	r2.InitFilter()
	require.NoError(t, r2.LoadAll(folder, store))

	flat2, _ := r2.Flat()
	assert.Equal(t, 1, flat2.Count())
	hnsw2, _ := r2.HNSW()
	assert.Equal(t, 1, hnsw2.Count())
	filter2, _ := r2.Filter()
	assert.True(t, filter2.Mask("color", OpEqual, 7).Contains(1))
}

func TestRegistryLoadAllNoSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	r.InitFlat(2, MetricL2)
	r.InitFilter()
	require.NoError(t, r.LoadAll(t.TempDir(), fakeRawStore{}))

	flat, _ := r.Flat()
	assert.Equal(t, 0, flat.Count())
}
