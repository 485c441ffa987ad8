package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"vpnward/internal/engine"
	pkgerrors "vpnward/pkg/errors"
)

const (
	summaryKey      = "summary"
	summaryTTL      = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StatsProvider reports the orchestrator's progress.
type StatsProvider interface {
	Stats() engine.Stats
}

// Server is the read-only HTTP query surface.
type Server struct {
	query  *engine.Query
	stats  StatsProvider
	cache  *cache.Cache
	router *gin.Engine
}

// NewServer creates the router. stats may be nil when no orchestrator runs
// in this process.
func NewServer(query *engine.Query, stats StatsProvider) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		query:  query,
		stats:  stats,
		cache:  cache.New(summaryTTL, time.Minute),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router.Group("/api")
	r.GET("/health", s.health)
	r.GET("/traffic/summary", s.summary)
	r.GET("/traffic/history/:identity", s.history)
	r.GET("/clients/:identity", s.aggregate)
	r.GET("/schedules", s.schedules)
	r.GET("/schedules/:identity", s.schedule)
	r.GET("/metrics", s.metrics)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RespondSuccess writes the standard success envelope.
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "", "data": data})
}

// RespondError writes the standard error envelope.
func RespondError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message, "data": nil})
}

func (s *Server) health(c *gin.Context) {
	if s.stats == nil {
		RespondSuccess(c, engine.Stats{})
		return
	}
	RespondSuccess(c, s.stats.Stats())
}

func (s *Server) summary(c *gin.Context) {
	if cached, ok := s.cache.Get(summaryKey); ok {
		RespondSuccess(c, cached)
		return
	}
	summary, err := s.query.Summary(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "failed to load summary: "+err.Error())
		return
	}
	s.cache.Set(summaryKey, summary, cache.DefaultExpiration)
	RespondSuccess(c, summary)
}

func (s *Server) history(c *gin.Context) {
	days, err := intQuery(c, "days", engine.DefaultHistoryDays)
	if err != nil {
		RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	history, err := s.query.History(c.Request.Context(), c.Param("identity"), days)
	if err != nil {
		respondQueryError(c, err)
		return
	}
	RespondSuccess(c, history)
}

func (s *Server) aggregate(c *gin.Context) {
	identity := c.Param("identity")
	agg, err := s.query.Aggregate(c.Request.Context(), identity)
	if err != nil {
		respondQueryError(c, err)
		return
	}
	if agg == nil {
		RespondError(c, http.StatusNotFound, "no traffic recorded for "+identity)
		return
	}
	RespondSuccess(c, agg)
}

func (s *Server) schedules(c *gin.Context) {
	list, err := s.query.Schedules(c.Request.Context())
	if err != nil {
		respondQueryError(c, err)
		return
	}
	RespondSuccess(c, list)
}

func (s *Server) schedule(c *gin.Context) {
	st, err := s.query.Schedule(c.Request.Context(), c.Param("identity"))
	if err != nil {
		respondQueryError(c, err)
		return
	}
	RespondSuccess(c, st)
}

func (s *Server) metrics(c *gin.Context) {
	limit, err := intQuery(c, "limit", 20)
	if err != nil {
		RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	samples, err := s.query.Metrics(c.Request.Context(), limit)
	if err != nil {
		respondQueryError(c, err)
		return
	}
	RespondSuccess(c, samples)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return n, nil
}

func respondQueryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrScheduleNotFound):
		RespondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, pkgerrors.ErrInvalidIdentity):
		RespondError(c, http.StatusBadRequest, err.Error())
	default:
		RespondError(c, http.StatusInternalServerError, err.Error())
	}
}
