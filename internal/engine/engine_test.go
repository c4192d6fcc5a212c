package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/index"
)

func newTestRegistry() *index.Registry {
	r := index.NewRegistry(nil)
	r.InitFlat(2, index.MetricL2)
	r.InitHNSW(2, index.MetricL2, index.HNSWParams{MaxElements: 100, M: 16, EfConstruction: 100})
	r.InitFilter()
	return r
}

func openTestEngine(t *testing.T, dataDir string) *Engine {
	t.Helper()
	e, err := Open(Config{DataDir: dataDir, Version: "v1"}, newTestRegistry(), nil)
	require.NoError(t, err)
	return e
}

func mustRecord(t *testing.T, raw string) Record {
	t.Helper()
	rec, err := ParseRecord([]byte(raw))
	require.NoError(t, err)
	return rec
}

func upsertJSON(t *testing.T, e *Engine, raw string) {
	t.Helper()
	rec := mustRecord(t, raw)
	id, err := rec.ID()
	require.NoError(t, err)
	kind, err := index.ParseKind(rec.IndexType())
	require.NoError(t, err)
	require.NoError(t, e.Upsert(id, rec, kind))
}

// Scenario: bootstrap upsert + query.
func TestUpsertThenQuery(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT"}`)

	rec, err := e.Query(1)
	require.NoError(t, err)
	require.NotNil(t, rec)

	vec, err := rec.Vector()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestQueryAbsent(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	rec, err := e.Query(999)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// Scenario: flat search exactness over ids 1..5 at [(i,0)].
func TestFlatSearchExactDistances(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	for i := 1; i <= 5; i++ {
		upsertJSON(t, e, fmt.Sprintf(`{"id":%d,"vectors":[%d.0,0.0],"index_type":"FLAT"}`, i, i))
	}

	ids, dists, err := e.Search(SearchRequest{
		Vector: []float32{0.1, 0},
		K:      2,
		Kind:   index.KindFlat,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	assert.InDelta(t, 0.9*0.9, float64(dists[0]), 1e-5)
	assert.InDelta(t, 1.9*1.9, float64(dists[1]), 1e-5)
}

// Scenario: filter narrowing on an integer scalar field.
func TestSearchWithEqualityFilter(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":10,"vectors":[0.0,0.0],"index_type":"FLAT","color":1}`)
	upsertJSON(t, e, `{"id":11,"vectors":[0.0,0.0],"index_type":"FLAT","color":2}`)

	ids, _, err := e.Search(SearchRequest{
		Vector: []float32{0, 0},
		K:      5,
		Kind:   index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, ids)
}

func TestSearchWithNotEqualFilter(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":10,"vectors":[0.0,0.0],"index_type":"FLAT","color":1}`)
	upsertJSON(t, e, `{"id":11,"vectors":[0.0,0.0],"index_type":"FLAT","color":2}`)
	upsertJSON(t, e, `{"id":12,"vectors":[0.0,0.0],"index_type":"FLAT","color":2}`)

	ids, _, err := e.Search(SearchRequest{
		Vector: []float32{0, 0},
		K:      5,
		Kind:   index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "!=", Value: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)
}

func TestSearchUnsupportedOperator(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	for _, op := range []string{">", "<", ">=", "<="} {
		_, _, err := e.Search(SearchRequest{
			Vector: []float32{0, 0},
			K:      1,
			Kind:   index.KindFlat,
			Filter: &FilterClause{Field: "color", Op: op, Value: 1},
		})
		assert.ErrorIs(t, err, ErrUnsupportedOperator, "op %s", op)
	}
}

// Scenario: upsert overwrite in flat — no residual stale vector.
func TestFlatUpsertOverwrite(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":7,"vectors":[5.0,5.0],"index_type":"FLAT"}`)
	upsertJSON(t, e, `{"id":7,"vectors":[0.0,0.0],"index_type":"FLAT"}`)

	ids, dists, err := e.Search(SearchRequest{
		Vector: []float32{0, 0},
		K:      1,
		Kind:   index.KindFlat,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
	assert.Equal(t, float32(0), dists[0])

	// The old [5,5] position must be unreachable: a k=2 search
	// returns only the one live vector.
	ids, _, err = e.Search(SearchRequest{
		Vector: []float32{5, 5},
		K:      2,
		Kind:   index.KindFlat,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}

// Filter postings follow the overwrite: the old value stops matching.
func TestFilterFollowsOverwrite(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":5,"vectors":[1.0,0.0],"index_type":"FLAT","color":1}`)
	upsertJSON(t, e, `{"id":5,"vectors":[1.0,0.0],"index_type":"FLAT","color":9}`)

	ids, _, err := e.Search(SearchRequest{
		Vector: []float32{1, 0}, K: 5, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, _, err = e.Search(SearchRequest{
		Vector: []float32{1, 0}, K: 5, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
}

// Scenario: crash-recovery replay — no snapshot taken.
func TestCrashRecoveryReplay(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT","color":1}`)
	upsertJSON(t, e, `{"id":2,"vectors":[2.0,0.0],"index_type":"FLAT","color":2}`)
	upsertJSON(t, e, `{"id":3,"vectors":[3.0,0.0],"index_type":"FLAT","color":1}`)
	require.NoError(t, e.Close()) // no snapshot: simulated crash

	revived := openTestEngine(t, dir)
	defer revived.Close()

	for id := uint64(1); id <= 3; id++ {
		rec, err := revived.Query(id)
		require.NoError(t, err)
		require.NotNil(t, rec, "id %d lost after replay", id)
	}

	ids, _, err := revived.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 3, Kind: index.KindFlat,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	// Filter postings are rebuilt by replay too.
	ids, _, err = revived.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 3, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
}

// Scenario: snapshot watermark — only post-snapshot entries replay.
func TestSnapshotWatermarkReplay(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT"}`)
	require.NoError(t, e.Snapshot())
	upsertJSON(t, e, `{"id":2,"vectors":[2.0,0.0],"index_type":"FLAT"}`)
	require.NoError(t, e.Close())

	revived := openTestEngine(t, dir)
	defer revived.Close()

	// A is served from the snapshot, B from replay; both visible.
	recA, err := revived.Query(1)
	require.NoError(t, err)
	require.NotNil(t, recA)
	recB, err := revived.Query(2)
	require.NoError(t, err)
	require.NotNil(t, recB)

	ids, _, err := revived.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 2, Kind: index.KindFlat,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

// Reload idempotence: a second reload over the same state changes
// nothing observable.
func TestReloadIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT","color":3}`)
	upsertJSON(t, e, `{"id":2,"vectors":[2.0,0.0],"index_type":"FLAT","color":3}`)

	require.NoError(t, e.Reload())
	require.NoError(t, e.Reload())

	ids, _, err := e.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 5, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

// HNSW upserts survive restart; the stale shadow stays flagged.
func TestHNSWRecoveryAfterOverwrite(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	upsertJSON(t, e, `{"id":4,"vectors":[5.0,5.0],"index_type":"HNSW"}`)
	upsertJSON(t, e, `{"id":4,"vectors":[0.0,0.0],"index_type":"HNSW"}`)
	require.NoError(t, e.Close())

	revived := openTestEngine(t, dir)
	defer revived.Close()

	ids, dists, err := revived.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 2, Kind: index.KindHNSW,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)
	assert.Equal(t, float32(0), dists[0])
}

func TestUpsertUnknownKind(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	rec := mustRecord(t, `{"id":1,"vectors":[1.0,0.0]}`)
	err := e.Upsert(1, rec, index.Kind("IVF"))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestSearchNotInitialized(t *testing.T) {
	r := index.NewRegistry(nil)
	r.InitFlat(2, index.MetricL2)
	// no HNSW, no filter
	e, err := Open(Config{DataDir: t.TempDir(), Version: "v1"}, r, nil)
	require.NoError(t, err)
	defer e.Close()

	_, _, err = e.Search(SearchRequest{Vector: []float32{0, 0}, K: 1, Kind: index.KindHNSW})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, _, err = e.Search(SearchRequest{
		Vector: []float32{0, 0}, K: 1, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "f", Op: "=", Value: 1},
	})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

// Non-integer scalars round-trip through the store but never reach
// the filter index.
func TestScalarKindsRoundTrip(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT","name":"ada","score":1.5,"tags":["x","y"],"ok":true,"color":4}`)

	rec, err := e.Query(1)
	require.NoError(t, err)
	assert.Equal(t, "ada", rec["name"])
	assert.Equal(t, json.Number("1.5"), rec["score"])
	assert.Equal(t, true, rec["ok"])
	assert.Len(t, rec["tags"], 2)

	// Only the integer field is filterable.
	ids, _, err := e.Search(SearchRequest{
		Vector: []float32{1, 0}, K: 1, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "color", Op: "=", Value: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	// The float field was never indexed: filtering on it matches
	// nothing rather than erroring.
	ids, _, err = e.Search(SearchRequest{
		Vector: []float32{1, 0}, K: 1, Kind: index.KindFlat,
		Filter: &FilterClause{Field: "score", Op: "=", Value: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCorruptWalRefusesToServe(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	upsertJSON(t, e, `{"id":1,"vectors":[1.0,0.0],"index_type":"FLAT"}`)
	require.NoError(t, e.Close())

	// Scribble over the log.
	walPath := dir + "/wal.log"
	require.NoError(t, appendFile(walPath, "this is not a wal record\n"))

	_, err := Open(Config{DataDir: dir, Version: "v1"}, newTestRegistry(), nil)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(data)
	return err
}
