// Package engine contains the database coordinator: the one object
// that fuses the WAL, the vector indexes, the filter index and the
// scalar store into atomic upsert/search/query operations.
//
// Mutation path (fixed order, every time):
//
//  1. Append to the WAL — the durability boundary. Once the append
//     returns, the write is acknowledged even if the process dies on
//     the very next instruction.
//  2. Apply to the chosen vector index (removing/flagging the stale
//     vector first on overwrite).
//  3. Update the filter postings for every integer scalar field.
//  4. Write the canonical record to the scalar store.
//
// A crash anywhere after step 1 is fine: the WAL is authoritative and
// Reload re-applies the tail, reaching the same state.
//
// Concurrency discipline:
//
//   - writerMu serializes the writers (Upsert, Snapshot, Reload)
//     against each other. It is never taken by readers.
//   - mu is the index reader-writer lock: searches take the read
//     side, index mutation the write side. Upsert holds it only across
//     in-memory work — never across WAL or scalar I/O. Snapshot holds
//     the read side while it writes the snapshot, so searches keep
//     running; Reload holds the write side while it loads the
//     snapshot, so searches wait for that load.
//   - the WAL keeps its own append mutex; the scalar store relies on
//     Badger's internal transactions.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"vectordb/internal/index"
	"vectordb/internal/scalar"
	"vectordb/internal/wal"
)

// OpUpsert is the only mutation op recorded in the WAL today.
const OpUpsert = "upsert"

// Config describes where the engine keeps its on-disk state and which
// compatibility tag it stamps on WAL entries.
type Config struct {
	DataDir string
	Version string
}

func (c Config) walPath() string     { return filepath.Join(c.DataDir, "wal.log") }
func (c Config) scalarDir() string   { return filepath.Join(c.DataDir, "scalar") }
func (c Config) snapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

// FilterClause is the optional predicate attached to a search.
type FilterClause struct {
	Field string
	Op    string // one of = != > < >= <= ; only the first two execute
	Value int64
}

// SearchRequest is a parsed, validated search.
type SearchRequest struct {
	Vector   []float32
	K        int
	Kind     index.Kind
	Filter   *FilterClause
	EfSearch int // HNSW only; 0 means the index default
}

// Engine is the database coordinator. Construct with Open, tear down
// with Close. All methods are safe for concurrent use.
type Engine struct {
	writerMu sync.Mutex   // serializes Upsert/Snapshot/Reload
	mu       sync.RWMutex // guards index reads vs index mutation

	cfg      Config
	registry *index.Registry
	store    *scalar.Store
	wal      *wal.Log
	log      *zap.Logger
}

// Open builds the engine over an already-initialized registry, loads
// the last snapshot, and replays the WAL tail. On return every
// acknowledged write from the previous process lifetime is visible.
func Open(cfg Config, registry *index.Registry, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorageFailure, err)
	}

	store, err := scalar.Open(cfg.scalarDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	log, err := wal.Open(cfg.walPath(), cfg.Version, store, logger)
	if err != nil {
		store.Close()
		if errors.Is(err, wal.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		wal:      log,
		log:      logger,
	}
	if err := e.Reload(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Upsert inserts or replaces the record under id in the given vector
// index kind. The record must already carry the same id, its vector,
// and any scalar fields.
func (e *Engine) Upsert(id uint64, rec Record, kind index.Kind) error {
	vector, err := rec.Vector()
	if err != nil {
		return err
	}
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}

	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	// Durability first. Everything after this point is recoverable.
	if _, err := e.wal.Append(OpUpsert, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return e.apply(id, rec, vector, payload, kind)
}

// apply is the WAL-free half of upsert, shared with replay.
func (e *Engine) apply(id uint64, rec Record, vector []float32, payload []byte, kind index.Kind) error {
	existing, err := e.loadExisting(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	err = func() error {
		switch kind {
		case index.KindFlat:
			flat, ok := e.registry.Flat()
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotInitialized, kind)
			}
			if existing != nil {
				flat.Remove([]int64{int64(id)})
			}
			if err := flat.Insert(vector, int64(id)); err != nil {
				return fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
		case index.KindHNSW:
			hnsw, ok := e.registry.HNSW()
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotInitialized, kind)
			}
			// Overwrite handling lives inside the index: the stale
			// node is flagged, never removed from the graph.
			if err := hnsw.Insert(vector, int64(id)); err != nil {
				if errors.Is(err, index.ErrCapacity) {
					return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
				}
				return fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
		default:
			return fmt.Errorf("%w: unknown index type %q", ErrBadRequest, kind)
		}

		if filter, ok := e.registry.Filter(); ok {
			var oldInts map[string]int64
			if existing != nil {
				oldInts = existing.IntFields()
			}
			for field, value := range rec.IntFields() {
				var oldValue *int64
				if old, had := oldInts[field]; had {
					oldValue = &old
				}
				filter.Update(field, oldValue, value, id)
			}
		}
		return nil
	}()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.store.Put(id, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// loadExisting fetches and parses the current record for id, or nil.
func (e *Engine) loadExisting(id uint64) (Record, error) {
	data, err := e.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if data == nil {
		return nil, nil
	}
	rec, err := ParseRecord(data)
	if err != nil {
		// A record we wrote ourselves no longer parses.
		return nil, fmt.Errorf("%w: stored record %d unreadable: %v", ErrInternal, id, err)
	}
	return rec, nil
}

// Search runs top-k against the requested vector index, narrowing by
// the filter clause when present. Padding entries (id -1) are dropped,
// so the returned slices may be shorter than k but stay aligned.
func (e *Engine) Search(req SearchRequest) ([]int64, []float32, error) {
	mask, err := e.filterMask(req.Filter)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		ids   []int64
		dists []float32
	)
	switch req.Kind {
	case index.KindFlat:
		flat, ok := e.registry.Flat()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotInitialized, req.Kind)
		}
		ids, dists, err = flat.Search(req.Vector, req.K, mask)
	case index.KindHNSW:
		hnsw, ok := e.registry.HNSW()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotInitialized, req.Kind)
		}
		ids, dists, err = hnsw.Search(req.Vector, req.K, mask, req.EfSearch)
	default:
		return nil, nil, fmt.Errorf("%w: unknown index type %q", ErrBadRequest, req.Kind)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	outIDs := make([]int64, 0, len(ids))
	outDists := make([]float32, 0, len(dists))
	for i, id := range ids {
		if id == -1 {
			continue
		}
		outIDs = append(outIDs, id)
		outDists = append(outDists, dists[i])
	}
	return outIDs, outDists, nil
}

// filterMask turns the optional filter clause into an id bitmap, or
// nil when the search is unfiltered.
func (e *Engine) filterMask(clause *FilterClause) (*roaring64.Bitmap, error) {
	if clause == nil {
		return nil, nil
	}

	var op index.Operation
	switch clause.Op {
	case "=":
		op = index.OpEqual
	case "!=":
		op = index.OpNotEqual
	case ">", "<", ">=", "<=":
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, clause.Op)
	default:
		return nil, fmt.Errorf("%w: unknown filter op %q", ErrBadRequest, clause.Op)
	}

	filter, ok := e.registry.Filter()
	if !ok {
		return nil, fmt.Errorf("%w: FILTER", ErrNotInitialized)
	}
	return filter.Mask(clause.Field, op, clause.Value), nil
}

// Query returns the canonical record for id, or nil when absent.
func (e *Engine) Query(id uint64) (Record, error) {
	data, err := e.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if data == nil {
		return nil, nil
	}
	return ParseRecord(data)
}

// Snapshot persists a point-in-time image of every index plus the
// WAL watermark. At most one snapshot runs at a time; concurrent
// upserts wait.
func (e *Engine) Snapshot() error {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.wal.Snapshot(e.registry, e.store, e.cfg.snapshotDir()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// Reload rebuilds in-memory state: load the snapshot, then re-apply
// every WAL entry above the watermark. Replay is idempotent modulo
// the one stale ANN shadow per overwritten id documented on the HNSW
// index.
//
// An entry that parses but fails to apply (bad payload, capacity) is
// logged and skipped — it failed identically when first accepted. An
// entry that does not parse aborts with ErrCorruptLog and the engine
// refuses to serve.
func (e *Engine) Reload() error {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	e.mu.Lock()
	err := e.registry.LoadAll(e.cfg.snapshotDir(), e.store)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	err = e.wal.Replay(func(op string, payload []byte) error {
		if op != OpUpsert {
			e.log.Warn("skipping unknown wal op", zap.String("op", op))
			return nil
		}
		rec, err := ParseRecord(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", wal.ErrCorrupt, err)
		}
		id, err := rec.ID()
		if err != nil {
			return fmt.Errorf("%w: %v", wal.ErrCorrupt, err)
		}
		kind, err := index.ParseKind(rec.IndexType())
		if err != nil {
			// Upsert rejects an unknown kind only after the WAL
			// append, so this entry failed the same way when accepted.
			e.log.Warn("wal entry re-failed during replay",
				zap.Uint64("id", id), zap.Error(err))
			return nil
		}
		vector, err := rec.Vector()
		if err != nil {
			return fmt.Errorf("%w: %v", wal.ErrCorrupt, err)
		}

		if err := e.apply(id, rec, vector, payload, kind); err != nil {
			// Deterministic re-failure of an entry that failed when
			// first accepted. Keep going — the WAL is authoritative
			// for what was acknowledged, not for what succeeded.
			e.log.Warn("wal entry re-failed during replay",
				zap.Uint64("id", id), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) {
			return fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	e.log.Info("reload complete",
		zap.Uint64("next_id", e.wal.NextID()),
		zap.Uint64("snapshot_watermark", e.wal.LastSnapshotID()))
	return nil
}

// Close takes no final snapshot (callers decide that), flushes and
// closes the WAL and the scalar store.
func (e *Engine) Close() error {
	walErr := e.wal.Close()
	storeErr := e.store.Close()
	if walErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, walErr)
	}
	if storeErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, storeErr)
	}
	return nil
}
