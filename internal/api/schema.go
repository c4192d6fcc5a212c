package api

import "vectordb/internal/engine"

// Request and response envelopes. The wire contract is the retcode
// envelope: retcode 0 on success, 1 plus error_msg otherwise.
// Transport status codes are secondary; engine errors still produce a
// well-formed envelope.

// searchRequest is the POST /search body.
type searchRequest struct {
	Vectors   []float32  `json:"vectors" binding:"required,min=1"`
	K         int        `json:"k" binding:"required,min=1"`
	IndexType string     `json:"index_type"`
	Filter    *filterDTO `json:"filter"`
	EfSearch  int        `json:"ef_search"`
}

// filterDTO is the wire shape of a filter condition, fieldName
// camel-case included.
type filterDTO struct {
	FieldName string `json:"fieldName" binding:"required"`
	Op        string `json:"op" binding:"required"`
	Value     int64  `json:"value"`
}

type searchResponse struct {
	Retcode   int       `json:"retcode"`
	Vectors   []int64   `json:"vectors,omitempty"`
	Distances []float32 `json:"distances,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
}

// queryRequest is the POST /query body.
type queryRequest struct {
	ID *uint64 `json:"id" binding:"required"`
}

type queryResponse struct {
	Retcode  int           `json:"retcode"`
	Data     engine.Record `json:"data,omitempty"`
	ErrorMsg string        `json:"error_msg,omitempty"`
}

// statusResponse covers upsert, snapshot and reload.
type statusResponse struct {
	Retcode  int    `json:"retcode"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

func okStatus() statusResponse {
	return statusResponse{Retcode: 0}
}

func failStatus(err error) statusResponse {
	return statusResponse{Retcode: engine.Retcode(err), ErrorMsg: err.Error()}
}
