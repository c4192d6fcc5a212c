// Package api wires up the Gin HTTP router over the engine: request
// schema validation on the way in, the retcode envelope on the way
// out. It is deliberately thin — every database decision lives in the
// engine, the adapter only translates.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vectordb/internal/engine"
	"vectordb/internal/index"
)

// Handler holds the dependencies injected from main.
type Handler struct {
	engine *engine.Engine
	dim    int
	log    *zap.Logger
}

// NewHandler creates a Handler for an engine serving dim-sized
// vectors.
func NewHandler(e *engine.Engine, dim int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: e, dim: dim, log: log}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/upsert", h.Upsert)
	r.POST("/search", h.Search)
	r.POST("/query", h.Query)
	r.POST("/snapshot", h.Snapshot)

	// Operational endpoints — probe targets and explicit reload.
	r.GET("/health", h.Health)
	r.POST("/admin/reload", h.Reload)
}

// Upsert handles POST /upsert.
//
// The body is a dynamic record — id, vectors and index_type plus any
// scalar fields — so it is parsed as a raw payload rather than bound
// to a struct; gin's binding cannot keep unknown fields.
func (h *Handler) Upsert(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, failStatus(fmt.Errorf("%w: read body: %v", engine.ErrBadRequest, err)))
		return
	}

	rec, err := engine.ParseRecord(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, failStatus(err))
		return
	}
	id, err := rec.ID()
	if err != nil {
		c.JSON(http.StatusBadRequest, failStatus(err))
		return
	}
	vector, err := rec.Vector()
	if err != nil {
		c.JSON(http.StatusBadRequest, failStatus(err))
		return
	}
	if len(vector) != h.dim {
		c.JSON(http.StatusBadRequest, failStatus(fmt.Errorf(
			"%w: vector dimension %d, collection expects %d", engine.ErrBadRequest, len(vector), h.dim)))
		return
	}
	kind, err := index.ParseKind(rec.IndexType())
	if err != nil {
		c.JSON(http.StatusBadRequest, failStatus(fmt.Errorf("%w: %v", engine.ErrBadRequest, err)))
		return
	}

	if err := h.engine.Upsert(id, rec, kind); err != nil {
		h.log.Warn("upsert failed", zap.Uint64("id", id), zap.Error(err))
		c.JSON(http.StatusOK, failStatus(err))
		return
	}
	c.JSON(http.StatusOK, okStatus())
}

// Search handles POST /search.
func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, searchResponse{Retcode: 1, ErrorMsg: err.Error()})
		return
	}
	if len(req.Vectors) != h.dim {
		c.JSON(http.StatusBadRequest, searchResponse{Retcode: 1, ErrorMsg: fmt.Sprintf(
			"vector dimension %d, collection expects %d", len(req.Vectors), h.dim)})
		return
	}
	kind, err := index.ParseKind(req.IndexType)
	if err != nil {
		c.JSON(http.StatusBadRequest, searchResponse{Retcode: 1, ErrorMsg: err.Error()})
		return
	}

	searchReq := engine.SearchRequest{
		Vector:   req.Vectors,
		K:        req.K,
		Kind:     kind,
		EfSearch: req.EfSearch,
	}
	if req.Filter != nil {
		searchReq.Filter = &engine.FilterClause{
			Field: req.Filter.FieldName,
			Op:    req.Filter.Op,
			Value: req.Filter.Value,
		}
	}

	ids, distances, err := h.engine.Search(searchReq)
	if err != nil {
		h.log.Warn("search failed", zap.Error(err))
		c.JSON(http.StatusOK, searchResponse{Retcode: 1, ErrorMsg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, searchResponse{Vectors: ids, Distances: distances})
}

// Query handles POST /query — a direct scalar-store read.
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, queryResponse{Retcode: 1, ErrorMsg: err.Error()})
		return
	}

	rec, err := h.engine.Query(*req.ID)
	if err != nil {
		h.log.Warn("query failed", zap.Uint64("id", *req.ID), zap.Error(err))
		c.JSON(http.StatusOK, queryResponse{Retcode: 1, ErrorMsg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, queryResponse{Data: rec})
}

// Snapshot handles POST /snapshot.
func (h *Handler) Snapshot(c *gin.Context) {
	if err := h.engine.Snapshot(); err != nil {
		h.log.Error("snapshot failed", zap.Error(err))
		c.JSON(http.StatusOK, failStatus(err))
		return
	}
	c.JSON(http.StatusOK, okStatus())
}

// Reload handles POST /admin/reload, the explicit counterpart of the
// implicit reload at startup.
func (h *Handler) Reload(c *gin.Context) {
	if err := h.engine.Reload(); err != nil {
		h.log.Error("reload failed", zap.Error(err))
		c.JSON(http.StatusOK, failStatus(err))
		return
	}
	c.JSON(http.StatusOK, okStatus())
}

// Health handles GET /health — used by load balancers and probes.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
