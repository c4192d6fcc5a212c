package index

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Flat is the exact brute-force index: every search scans every live
// vector. It is the only index that supports true removal — a removed
// slot is tombstoned and its id dropped from both direction maps.
//
// Slots are append-only. The slot<->id relation is bidirectional and
// both maps are always mutated together in one critical section; the
// maps reference each other, neither owns the other.
type Flat struct {
	mu sync.RWMutex

	dim    int
	metric Metric

	vectors [][]float32   // slot -> vector, never shrinks
	dead    []bool        // slot -> tombstone flag
	idOf    map[int]int64 // slot -> external id
	slotOf  map[int64]int // external id -> slot
}

// NewFlat builds an empty flat index for dim-sized vectors.
func NewFlat(dim int, metric Metric) *Flat {
	return &Flat{
		dim:    dim,
		metric: metric,
		idOf:   make(map[int]int64),
		slotOf: make(map[int64]int),
	}
}

// Insert appends vector under the external id.
//
// Inserting an id that is still live is a caller bug: the coordinator
// removes the previous slot first on overwrite. We refuse rather than
// silently shadow the old vector, because a shadowed slot would keep
// surfacing in searches forever.
func (f *Flat) Insert(vector []float32, id int64) error {
	if len(vector) != f.dim {
		return fmt.Errorf("vector dimension %d, index expects %d", len(vector), f.dim)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, live := f.slotOf[id]; live {
		return fmt.Errorf("id %d already present in flat index", id)
	}

	v := make([]float32, len(vector))
	copy(v, vector)

	slot := len(f.vectors)
	f.vectors = append(f.vectors, v)
	f.dead = append(f.dead, false)
	f.idOf[slot] = id
	f.slotOf[id] = slot
	return nil
}

// Remove tombstones every present id. Absent ids are ignored.
func (f *Flat) Remove(ids []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		slot, ok := f.slotOf[id]
		if !ok {
			continue
		}
		f.dead[slot] = true
		delete(f.idOf, slot)
		delete(f.slotOf, id)
	}
}

// Count returns the number of live vectors.
func (f *Flat) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.slotOf)
}

type flatHit struct {
	slot  int
	score float32
}

// Search returns the k best ids and their raw metric scores, padded
// with (-1, 0) when fewer than k survive.
//
// Without a mask the result is exact: the true top-k over all live
// vectors, smallest-first for L2 and largest-first for IP/COSINE.
//
// With a mask we fetch 2k raw candidates and post-filter, so results
// are best-effort: if more than k of the 2k nearest fall outside the
// mask, matching vectors further out are missed. That trade is part
// of the index contract — callers wanting exact filtered results
// must search wider themselves.
func (f *Flat) Search(query []float32, k int, mask *roaring64.Bitmap) ([]int64, []float32, error) {
	if len(query) != f.dim {
		return nil, nil, fmt.Errorf("query dimension %d, index expects %d", len(query), f.dim)
	}
	if k < 1 {
		return nil, nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	fetch := k
	if mask != nil {
		fetch = 2 * k
	}

	hits := make([]flatHit, 0, len(f.slotOf))
	for slot, vec := range f.vectors {
		if f.dead[slot] {
			continue
		}
		hits = append(hits, flatHit{slot: slot, score: score(f.metric, query, vec)})
	}
	sort.Slice(hits, func(i, j int) bool {
		return better(f.metric, hits[i].score, hits[j].score)
	})
	if len(hits) > fetch {
		hits = hits[:fetch]
	}

	ids := make([]int64, 0, k)
	scores := make([]float32, 0, k)
	for _, h := range hits {
		if len(ids) == k {
			break
		}
		id := f.idOf[h.slot]
		if mask != nil && !mask.Contains(uint64(id)) {
			continue
		}
		ids = append(ids, id)
		scores = append(scores, h.score)
	}
	for len(ids) < k {
		ids = append(ids, -1)
		scores = append(scores, 0)
	}
	return ids, scores, nil
}

// flatState is the gob image of a Flat. Only exported fields travel.
type flatState struct {
	Dim     int
	Metric  Metric
	Vectors [][]float32
	Dead    []bool
	IDOf    map[int]int64
	SlotOf  map[int64]int
}

// Save writes the index to path via a temp file and atomic rename, so
// a crash mid-write leaves the previous image intact.
func (f *Flat) Save(path string) error {
	f.mu.RLock()
	state := flatState{
		Dim:     f.dim,
		Metric:  f.metric,
		Vectors: f.vectors,
		Dead:    f.dead,
		IDOf:    f.idOf,
		SlotOf:  f.slotOf,
	}
	f.mu.RUnlock()

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(file).Encode(state); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load replaces the index contents with the image at path. A missing
// file is not an error — there is simply no snapshot yet.
func (f *Flat) Load(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	var state flatState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return fmt.Errorf("decode flat index %s: %w", path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dim = state.Dim
	f.metric = state.Metric
	f.vectors = state.Vectors
	f.dead = state.Dead
	f.idOf = state.IDOf
	f.slotOf = state.SlotOf
	if f.idOf == nil {
		f.idOf = make(map[int]int64)
	}
	if f.slotOf == nil {
		f.slotOf = make(map[int64]int)
	}
	return nil
}
