package engine

import "errors"

// The engine's error taxonomy. Every error that crosses the engine
// boundary wraps exactly one of these sentinels, so the API layer can
// classify with errors.Is and map to the {retcode, error_msg}
// envelope without string matching.
var (
	// ErrBadRequest — schema violation: unknown index type or op,
	// vector dimension mismatch, malformed payload.
	ErrBadRequest = errors.New("bad request")

	// ErrNotInitialized — the requested index kind was never
	// registered on this engine.
	ErrNotInitialized = errors.New("index not initialized")

	// ErrCapacityExceeded — the HNSW graph hit its max_elements
	// budget.
	ErrCapacityExceeded = errors.New("index capacity exceeded")

	// ErrUnsupportedOperator — filter op outside {=, !=}.
	ErrUnsupportedOperator = errors.New("unsupported filter operator")

	// ErrCorruptLog — a WAL line failed to parse during replay. The
	// engine refuses to serve on top of a log it cannot fully read.
	ErrCorruptLog = errors.New("corrupt write-ahead log")

	// ErrStorageFailure — the scalar store or a log/snapshot file
	// operation failed. Fatal for the current operation only; the
	// engine stays up and the next attempt retries.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInternal — invariant violation. Surfaced opaquely.
	ErrInternal = errors.New("internal error")
)

// Retcode maps an engine error to the wire retcode: 0 on success,
// 1 otherwise. The envelope's error_msg carries the detail.
func Retcode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
