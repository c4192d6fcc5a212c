// Package index contains the pluggable vector-index layer of the engine.
//
// Three kinds of index live here:
//
//  1. Flat — exact brute-force top-k over every stored vector.
//     Slow-but-correct; the baseline everything else is measured against.
//
//  2. HNSW — approximate top-k over a hierarchical small-world graph.
//     Much faster at scale, at the cost of exactness and of deletion
//     (graph nodes are only ever flagged, never removed).
//
//  3. Filter — per-field compressed bitmaps mapping scalar values to
//     the set of record ids carrying them. Not a vector index at all,
//     but it registers under the same registry because snapshots save
//     and load every index kind through one dispatch point.
//
// All indexes label vectors with the record's external id. Internally
// the vector indexes keep append-only slots with a bidirectional
// slot<->id mapping, faiss-style.
package index

import "fmt"

// Kind names one index type in the registry.
type Kind string

const (
	KindFlat   Kind = "FLAT"
	KindHNSW   Kind = "HNSW"
	KindFilter Kind = "FILTER"
)

// ParseKind maps the wire string to a Kind. Only the two vector index
// kinds are addressable from requests; FILTER is engine-internal.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindFlat):
		return KindFlat, nil
	case string(KindHNSW):
		return KindHNSW, nil
	}
	return "", fmt.Errorf("unknown index type %q", s)
}

// Metric selects the distance function a vector index is built with.
// It is frozen at construction: changing the metric of a live index
// would invalidate every stored distance relation.
type Metric string

const (
	MetricL2     Metric = "L2"     // squared euclidean, smaller is closer
	MetricIP     Metric = "IP"     // inner product, larger is closer
	MetricCosine Metric = "COSINE" // cosine similarity, larger is closer
)

// ParseMetric maps a config string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case string(MetricL2):
		return MetricL2, nil
	case string(MetricIP):
		return MetricIP, nil
	case string(MetricCosine):
		return MetricCosine, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Operation is a filter comparison supported by the filter index.
type Operation int

const (
	OpEqual Operation = iota
	OpNotEqual
)
