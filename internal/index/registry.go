package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// RawStore is the slice of the scalar store the registry needs for
// filter persistence: the raw string-keyed namespace. Declared here so
// the index package does not depend on the storage package.
type RawStore interface {
	PutRaw(key, value string) error
	GetRaw(key string) (string, error) // absent keys yield ""
}

// filterKey derives the scalar-store key the filter index persists
// under for a given snapshot folder. The "filter_index!" prefix keeps
// it out of the numeric record-id namespace.
func filterKey(folder string) string {
	return "filter_index!" + folder
}

// Registry holds at most one index instance per kind and dispatches
// snapshot save/load by kind: the vector indexes own a file each in
// the snapshot folder, the filter index rides through the scalar
// store's raw namespace.
type Registry struct {
	mu     sync.RWMutex
	flat   *Flat
	hnsw   *HNSW
	filter *FilterIndex
	log    *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log}
}

// InitFlat registers a flat index. Re-initializing a kind replaces
// the previous instance; callers do that only before serving.
func (r *Registry) InitFlat(dim int, metric Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flat = NewFlat(dim, metric)
}

// InitHNSW registers an HNSW index.
func (r *Registry) InitHNSW(dim int, metric Metric, params HNSWParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hnsw = NewHNSW(dim, metric, params)
}

// InitFilter registers a filter index.
func (r *Registry) InitFilter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = NewFilterIndex(r.log)
}

// Flat returns the flat index, or false if the kind was never
// initialized.
func (r *Registry) Flat() (*Flat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flat, r.flat != nil
}

// HNSW returns the graph index, or false if never initialized.
func (r *Registry) HNSW() (*HNSW, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hnsw, r.hnsw != nil
}

// Filter returns the filter index, or false if never initialized.
func (r *Registry) Filter() (*FilterIndex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter, r.filter != nil
}

// SaveAll persists every initialized index. FLAT and HNSW each write
// <folder>/<KIND>.index; FILTER serializes through the scalar store.
func (r *Registry) SaveAll(folder string, store RawStore) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create snapshot folder: %w", err)
	}

	if r.flat != nil {
		path := filepath.Join(folder, string(KindFlat)+".index")
		if err := r.flat.Save(path); err != nil {
			return fmt.Errorf("save flat index: %w", err)
		}
	}
	if r.hnsw != nil {
		path := filepath.Join(folder, string(KindHNSW)+".index")
		if err := r.hnsw.Save(path); err != nil {
			return fmt.Errorf("save hnsw index: %w", err)
		}
	}
	if r.filter != nil {
		data, err := r.filter.Serialize()
		if err != nil {
			return fmt.Errorf("serialize filter index: %w", err)
		}
		if err := store.PutRaw(filterKey(folder), data); err != nil {
			return fmt.Errorf("save filter index: %w", err)
		}
	}
	return nil
}

// LoadAll restores every initialized index from the snapshot folder.
// Missing artifacts are fine — the engine may never have snapshotted.
func (r *Registry) LoadAll(folder string, store RawStore) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.flat != nil {
		path := filepath.Join(folder, string(KindFlat)+".index")
		if err := r.flat.Load(path); err != nil {
			return fmt.Errorf("load flat index: %w", err)
		}
	}
	if r.hnsw != nil {
		path := filepath.Join(folder, string(KindHNSW)+".index")
		if err := r.hnsw.Load(path); err != nil {
			return fmt.Errorf("load hnsw index: %w", err)
		}
	}
	if r.filter != nil {
		data, err := store.GetRaw(filterKey(folder))
		if err != nil {
			return fmt.Errorf("load filter index: %w", err)
		}
		if data != "" {
			r.filter.Deserialize(data)
		}
	}
	return nil
}
