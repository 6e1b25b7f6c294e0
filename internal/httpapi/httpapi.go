// Package httpapi is the JSON/HTTP surface described in spec.md §6. It is
// an external collaborator relative to the core engine's line budget — the
// engine's correctness does not depend on it — but a runnable service needs
// a real implementation, so it is built here on top of gin, the corpus's
// HTTP framework of choice (chirino/memory-service).
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/flexdeviser/e4s-index-system/internal/engine"
	"github.com/flexdeviser/e4s-index-system/internal/epoch"
	"github.com/flexdeviser/e4s-index-system/internal/reindex"
)

// Server wires the engine (and, when persistence is enabled, the reindex
// runner) onto gin routes.
type Server struct {
	eng     *engine.Engine
	reindex *reindex.Runner // nil when persistence is disabled
	log     zerolog.Logger
}

// New constructs a Server. reindexRunner may be nil.
func New(eng *engine.Engine, reindexRunner *reindex.Runner, log zerolog.Logger) *Server {
	return &Server{eng: eng, reindex: reindexRunner, log: log.With().Str("component", "httpapi").Logger()}
}

// Router builds the gin.Engine with every route from spec.md §6 registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	api := r.Group("/api/v1")
	{
		api.POST("/index", s.createIndex)
		api.GET("/index", s.listIndexes)
		api.GET("/index/:name", s.getIndex)
		api.DELETE("/index/:name", s.deleteIndex)
		api.POST("/index/exists", s.exists)
		api.POST("/index/prev", s.prev)
		api.POST("/index/next", s.next)
		api.POST("/index/mark", s.mark)
		api.DELETE("/index/:name/entity/:id", s.evictEntity)
		api.DELETE("/index/:name/cache", s.evictIndex)

		admin := api.Group("/admin/index/:name")
		{
			admin.POST("/reindex", s.startReindex)
			admin.POST("/reindex/partition", s.startReindexPartition)
			admin.GET("/reindex/status", s.reindexStatus)
		}
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Int("status", c.Writer.Status()).Msg("request")
	}
}

type createIndexReq struct {
	IndexName string `json:"indexName" binding:"required"`
}

func (s *Server) createIndex(c *gin.Context) {
	var req createIndexReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.eng.CreateIndex(c.Request.Context(), req.IndexName); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) listIndexes(c *gin.Context) {
	names, err := s.eng.ListIndexes(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) getIndex(c *gin.Context) {
	name := c.Param("name")
	ok, err := s.eng.IndexExists(c.Request.Context(), name)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	st, err := s.eng.StatsFor(c.Request.Context(), name, false)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             name,
		"entityCount":      st.EntityCount,
		"cacheSize":        st.CacheSize,
		"memoryUsageBytes": st.MemoryUsageBytes,
	})
}

func (s *Server) deleteIndex(c *gin.Context) {
	if err := s.eng.DeleteIndex(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type lookupReq struct {
	IndexName string `json:"indexName" binding:"required"`
	// EntityID has no binding:"required" — 0 is a valid entity id per
	// spec.md, but the validator treats a required zero-value as absent.
	EntityID    int64  `json:"entityId"`
	Granularity string `json:"granularity" binding:"required"`
	Timestamp   int64  `json:"timestamp" binding:"required"`
}

func (r lookupReq) parse() (epoch.Granularity, uint32, bool) {
	g, ok := epoch.ParseGranularity(r.Granularity)
	if !ok || r.Timestamp <= 0 {
		return 0, 0, false
	}
	return g, uint32(epoch.ToEpoch(r.Timestamp, g)), true
}

func (s *Server) exists(c *gin.Context) {
	var req lookupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, v, ok := req.parse()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid granularity or timestamp"})
		return
	}
	found, err := s.eng.Exists(c.Request.Context(), req.IndexName, req.EntityID, g, v)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"indexName": req.IndexName, "entityId": req.EntityID, "granularity": req.Granularity,
		"timestamp": req.Timestamp, "exists": found,
	})
}

func (s *Server) prev(c *gin.Context) {
	s.navigate(c, false)
}

func (s *Server) next(c *gin.Context) {
	s.navigate(c, true)
}

func (s *Server) navigate(c *gin.Context, forward bool) {
	var req lookupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, v, ok := req.parse()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid granularity or timestamp"})
		return
	}
	var (
		result uint32
		found  bool
		err    error
	)
	if forward {
		result, found, err = s.eng.FindNext(c.Request.Context(), req.IndexName, req.EntityID, g, v)
	} else {
		result, found, err = s.eng.FindPrev(c.Request.Context(), req.IndexName, req.EntityID, g, v)
	}
	if err != nil {
		writeErr(c, err)
		return
	}
	resp := gin.H{
		"indexName": req.IndexName, "entityId": req.EntityID, "granularity": req.Granularity,
		"timestamp": req.Timestamp, "result": nil,
	}
	if found {
		resp["result"] = epoch.FromEpoch(int32(result), g)
	}
	c.JSON(http.StatusOK, resp)
}

type markReq struct {
	IndexName   string  `json:"indexName" binding:"required"`
	EntityID    int64   `json:"entityId"`
	Granularity string  `json:"granularity" binding:"required"`
	Timestamps  []int64 `json:"timestamps" binding:"required"`
}

func (s *Server) mark(c *gin.Context) {
	var req markReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, ok := epoch.ParseGranularity(req.Granularity)
	if !ok || len(req.Timestamps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid granularity or timestamps"})
		return
	}
	vs := make([]uint32, 0, len(req.Timestamps))
	for _, ts := range req.Timestamps {
		if ts <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamps must be positive"})
			return
		}
		vs = append(vs, uint32(epoch.ToEpoch(ts, g)))
	}
	if err := s.eng.MarkBatch(c.Request.Context(), req.IndexName, req.EntityID, g, vs); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) evictEntity(c *gin.Context) {
	entityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id"})
		return
	}
	if err := s.eng.EvictEntity(c.Request.Context(), c.Param("name"), entityID); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) evictIndex(c *gin.Context) {
	if err := s.eng.EvictIndex(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) startReindex(c *gin.Context) {
	if s.reindex == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistence disabled"})
		return
	}
	jobID, err := s.reindex.Start(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "jobId": jobID})
}

func (s *Server) startReindexPartition(c *gin.Context) {
	if s.reindex == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistence disabled"})
		return
	}
	g, ok := epoch.ParseGranularity(c.Query("granularity"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid granularity"})
		return
	}
	p, err := strconv.ParseInt(c.Query("partition"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid partition"})
		return
	}
	jobID, err := s.reindex.StartPartition(c.Param("name"), g, int32(p))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "jobId": jobID})
}

func (s *Server) reindexStatus(c *gin.Context) {
	if s.reindex == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistence disabled"})
		return
	}
	status, ok, err := s.reindex.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "never_run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status.Status, "jobId": status.JobID, "detail": status.Detail})
}

func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNameInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrClosed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrTransientBackend):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrFatalBackend):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
