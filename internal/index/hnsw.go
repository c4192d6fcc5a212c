package index

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// ErrCapacity is returned when an insert would exceed the element
// budget the graph was constructed with.
var ErrCapacity = errors.New("hnsw: max elements reached")

// DefaultEfSearch is the query-time candidate pool size used when the
// caller does not supply one.
const DefaultEfSearch = 50

// maxLevelCap bounds the random level draw. With m >= 2 the draw
// exceeds 16 with probability < 2^-16 per insert; the cap just keeps
// a pathological draw from allocating absurd link arrays.
const maxLevelCap = 16

// HNSW is a hierarchical navigable small-world graph.
//
// How it works, briefly: every node lands on a random level; higher
// levels form progressively sparser graphs over the same points. A
// search greedily descends from the sparsest level to level 0, where
// a best-first expansion with a bounded candidate pool (ef) collects
// the approximate nearest neighbors.
//
// Deletion is flag-only. A flagged node stays in the graph and keeps
// routing traffic through its links, it just never appears in results.
// Overwriting a live external id therefore flags the old slot and
// inserts a brand-new node under the same id — the graph grows by one
// node per overwrite, which is the documented cost of ANN upserts.
type HNSW struct {
	mu sync.RWMutex

	dim            int
	metric         Metric
	maxElements    int
	m              int // neighbor budget on levels >= 1
	mMax0          int // neighbor budget on level 0 (2*m, hnswlib convention)
	efConstruction int
	levelMult      float64

	vectors [][]float32 // slot -> vector
	levels  []int       // slot -> top level of the node
	links   [][][]int   // slot -> level -> neighbor slots
	dead    []bool      // slot -> flagged (stale overwrite)
	idOf    map[int]int64
	slotOf  map[int64]int

	entry    int // slot of the global entry point, -1 while empty
	topLevel int
}

// HNSWParams carries the construction-time knobs. Zero fields fall
// back to hnswlib-flavored defaults.
type HNSWParams struct {
	MaxElements    int
	M              int
	EfConstruction int
}

// NewHNSW builds an empty graph. Parameters are frozen for the life
// of the index.
func NewHNSW(dim int, metric Metric, params HNSWParams) *HNSW {
	if params.M <= 0 {
		params.M = 32
	}
	if params.EfConstruction <= 0 {
		params.EfConstruction = 200
	}
	if params.MaxElements <= 0 {
		params.MaxElements = 1000
	}
	return &HNSW{
		dim:            dim,
		metric:         metric,
		maxElements:    params.MaxElements,
		m:              params.M,
		mMax0:          2 * params.M,
		efConstruction: params.EfConstruction,
		levelMult:      1 / math.Log(float64(params.M)),
		idOf:           make(map[int]int64),
		slotOf:         make(map[int64]int),
		entry:          -1,
	}
}

// Count returns the number of live (unflagged) nodes.
func (h *HNSW) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.slotOf)
}

// Insert adds vector as a new node labelled id.
//
// If id is already live its current slot is flagged first, so the old
// vector stops surfacing in results. The flagged node remains in the
// graph as a router.
func (h *HNSW) Insert(vector []float32, id int64) error {
	if len(vector) != h.dim {
		return fmt.Errorf("vector dimension %d, index expects %d", len(vector), h.dim)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.vectors) >= h.maxElements {
		return fmt.Errorf("%w (max_elements=%d)", ErrCapacity, h.maxElements)
	}

	if old, live := h.slotOf[id]; live {
		h.dead[old] = true
		delete(h.idOf, old)
		delete(h.slotOf, id)
	}

	v := make([]float32, len(vector))
	copy(v, vector)

	slot := len(h.vectors)
	level := h.randomLevel()

	h.vectors = append(h.vectors, v)
	h.levels = append(h.levels, level)
	h.dead = append(h.dead, false)
	nodeLinks := make([][]int, level+1)
	for l := range nodeLinks {
		nodeLinks[l] = make([]int, 0, h.m)
	}
	h.links = append(h.links, nodeLinks)
	h.idOf[slot] = id
	h.slotOf[id] = slot

	if h.entry < 0 {
		h.entry = slot
		h.topLevel = level
		return nil
	}

	// Greedy descent through the levels above the new node's level.
	ep := h.entry
	for l := h.topLevel; l > level; l-- {
		ep = h.greedyClosest(vector, ep, l)
	}

	// Proper best-first search on every shared level, linking as we go.
	startLevel := min(level, h.topLevel)
	for l := startLevel; l >= 0; l-- {
		found := h.searchLayer(vector, []int{ep}, h.efConstruction, l, nil)
		neighbors := h.selectClosest(found, h.m)
		for _, n := range neighbors {
			h.link(slot, n.slot, l)
			h.link(n.slot, slot, l)
		}
		if len(neighbors) > 0 {
			ep = neighbors[0].slot
		}
	}

	if level > h.topLevel {
		h.topLevel = level
		h.entry = slot
	}
	return nil
}

// Search returns the approximate k nearest live ids and their graph
// distances (squared L2, or 1-similarity for IP/COSINE), padded with
// (-1, 0) when fewer than k qualify.
//
// When mask is non-nil the acceptance predicate runs inside the
// level-0 expansion: rejected nodes are still traversed for routing
// but cannot enter the result pool. This is hard filtering, not a
// post-filter — a fully masked-out graph region is walked through,
// not around.
func (h *HNSW) Search(query []float32, k int, mask *roaring64.Bitmap, efSearch int) ([]int64, []float32, error) {
	if len(query) != h.dim {
		return nil, nil, fmt.Errorf("query dimension %d, index expects %d", len(query), h.dim)
	}
	if k < 1 {
		return nil, nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if efSearch <= 0 {
		efSearch = DefaultEfSearch
	}
	if efSearch < k {
		efSearch = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int64, 0, k)
	dists := make([]float32, 0, k)

	if h.entry >= 0 {
		ep := h.entry
		for l := h.topLevel; l > 0; l-- {
			ep = h.greedyClosest(query, ep, l)
		}

		accept := func(slot int) bool {
			if h.dead[slot] {
				return false
			}
			if mask == nil {
				return true
			}
			return mask.Contains(uint64(h.idOf[slot]))
		}
		found := h.searchLayer(query, []int{ep}, efSearch, 0, accept)
		for _, c := range h.selectClosest(found, k) {
			ids = append(ids, h.idOf[c.slot])
			dists = append(dists, c.dist)
		}
	}

	for len(ids) < k {
		ids = append(ids, -1)
		dists = append(dists, 0)
	}
	return ids, dists, nil
}

// randomLevel draws the node level from the standard exponential
// distribution parameterized by 1/ln(M).
func (h *HNSW) randomLevel() int {
	level := int(-math.Log(rand.Float64()) * h.levelMult)
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// greedyClosest walks level l from slot ep to the local minimum of
// distance to query. Used on the levels above the target, where one
// candidate is enough.
func (h *HNSW) greedyClosest(query []float32, ep, l int) int {
	cur := ep
	curDist := graphDistance(h.metric, query, h.vectors[cur])
	for {
		improved := false
		for _, n := range h.linksAt(cur, l) {
			if d := graphDistance(h.metric, query, h.vectors[n]); d < curDist {
				cur, curDist = n, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

type candidate struct {
	slot int
	dist float32
}

// searchLayer is the core best-first expansion: starting from eps it
// explores level l keeping the ef closest accepted nodes. accept may
// be nil (accept everything); rejected nodes still feed the frontier.
func (h *HNSW) searchLayer(query []float32, eps []int, ef, l int, accept func(int) bool) []candidate {
	visited := make(map[int]bool, ef*4)
	frontier := &minDistHeap{}
	results := &maxDistHeap{}
	heap.Init(frontier)
	heap.Init(results)

	for _, ep := range eps {
		d := graphDistance(h.metric, query, h.vectors[ep])
		visited[ep] = true
		heap.Push(frontier, candidate{ep, d})
		if accept == nil || accept(ep) {
			heap.Push(results, candidate{ep, d})
		}
	}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		for _, n := range h.linksAt(c.slot, l) {
			if visited[n] {
				continue
			}
			visited[n] = true
			d := graphDistance(h.metric, query, h.vectors[n])
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(frontier, candidate{n, d})
				if accept == nil || accept(n) {
					heap.Push(results, candidate{n, d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectClosest keeps the n closest candidates (input is already
// sorted ascending by searchLayer).
func (h *HNSW) selectClosest(cands []candidate, n int) []candidate {
	if len(cands) > n {
		cands = cands[:n]
	}
	return cands
}

// link makes "to" a neighbor of "from" on level l, shrinking the
// neighbor list back to budget by dropping the farthest.
func (h *HNSW) link(from, to, l int) {
	if from == to {
		return
	}
	budget := h.m
	if l == 0 {
		budget = h.mMax0
	}

	neighbors := h.linksAt(from, l)
	for _, n := range neighbors {
		if n == to {
			return
		}
	}
	neighbors = append(neighbors, to)

	if len(neighbors) > budget {
		// Drop the neighbor farthest from "from".
		worst, worstDist := -1, float32(-1)
		for i, n := range neighbors {
			d := graphDistance(h.metric, h.vectors[from], h.vectors[n])
			if d > worstDist {
				worst, worstDist = i, d
			}
		}
		neighbors[worst] = neighbors[len(neighbors)-1]
		neighbors = neighbors[:len(neighbors)-1]
	}
	h.links[from][l] = neighbors
}

func (h *HNSW) linksAt(slot, l int) []int {
	if l >= len(h.links[slot]) {
		return nil
	}
	return h.links[slot][l]
}

// ─── Priority queues ─────────────────────────────────────────────────────────

// minDistHeap pops the closest candidate first (the frontier).
type minDistHeap []candidate

func (q minDistHeap) Len() int            { return len(q) }
func (q minDistHeap) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minDistHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minDistHeap) Push(x interface{}) { *q = append(*q, x.(candidate)) }
func (q *minDistHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// maxDistHeap pops the farthest candidate first (the bounded result
// pool — the root is the eviction victim).
type maxDistHeap []candidate

func (q maxDistHeap) Len() int            { return len(q) }
func (q maxDistHeap) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxDistHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxDistHeap) Push(x interface{}) { *q = append(*q, x.(candidate)) }
func (q *maxDistHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// ─── Persistence ─────────────────────────────────────────────────────────────

type hnswState struct {
	Dim            int
	Metric         Metric
	MaxElements    int
	M              int
	MMax0          int
	EfConstruction int
	Vectors        [][]float32
	Levels         []int
	Links          [][][]int
	Dead           []bool
	IDOf           map[int]int64
	SlotOf         map[int64]int
	Entry          int
	TopLevel       int
}

// Save writes the graph to path via temp file + atomic rename.
func (h *HNSW) Save(path string) error {
	h.mu.RLock()
	state := hnswState{
		Dim:            h.dim,
		Metric:         h.metric,
		MaxElements:    h.maxElements,
		M:              h.m,
		MMax0:          h.mMax0,
		EfConstruction: h.efConstruction,
		Vectors:        h.vectors,
		Levels:         h.levels,
		Links:          h.links,
		Dead:           h.dead,
		IDOf:           h.idOf,
		SlotOf:         h.slotOf,
		Entry:          h.entry,
		TopLevel:       h.topLevel,
	}
	h.mu.RUnlock()

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

// Load replaces the graph with the image at path; a missing file
// means no snapshot yet and is not an error.
func (h *HNSW) Load(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	var state hnswState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return fmt.Errorf("decode hnsw index %s: %w", path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.dim = state.Dim
	h.metric = state.Metric
	h.maxElements = state.MaxElements
	h.m = state.M
	h.mMax0 = state.MMax0
	h.efConstruction = state.EfConstruction
	h.levelMult = 1 / math.Log(float64(state.M))
	h.vectors = state.Vectors
	h.levels = state.Levels
	h.links = state.Links
	h.dead = state.Dead
	h.idOf = state.IDOf
	h.slotOf = state.SlotOf
	h.entry = state.Entry
	h.topLevel = state.TopLevel
	if h.idOf == nil {
		h.idOf = make(map[int]int64)
	}
	if h.slotOf == nil {
		h.slotOf = make(map[int64]int)
	}
	return nil
}
