// Package apihttp exposes a small read-only HTTP surface over the
// agent fleet: portfolio state, trade history and cycle transcripts.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"talos/internal/agent"
	"talos/internal/ledger"
	"talos/internal/logger"
	"talos/internal/store"
)

type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr  string
	Fleet *agent.Fleet
	Store *store.Store
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Fleet == nil {
		return nil, errors.New("http server requires a fleet")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9091"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{fleet: cfg.Fleet, store: cfg.Store}
	api := router.Group("/api")
	{
		api.GET("/agents", h.listAgents)
		api.GET("/agents/:id", h.agentDetail)
		api.GET("/agents/:id/orders", h.agentOrders)
		api.GET("/agents/:id/decisions", h.agentDecisions)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type handlers struct {
	fleet *agent.Fleet
	store *store.Store
}

func (h *handlers) listAgents(c *gin.Context) {
	type agentSummary struct {
		ID         string  `json:"id"`
		Balance    float64 `json:"balance"`
		TotalValue float64 `json:"total_value"`
		Positions  int     `json:"positions"`
	}
	out := make([]agentSummary, 0, len(h.fleet.Runners()))
	for _, r := range h.fleet.Runners() {
		snap := r.Ledger.Snapshot()
		out = append(out, agentSummary{
			ID:         r.ID,
			Balance:    snap.Balance,
			TotalValue: snap.TotalValue,
			Positions:  len(snap.Positions),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (h *handlers) agentDetail(c *gin.Context) {
	r := h.fleet.Runner(c.Param("id"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.JSON(http.StatusOK, r.Ledger.Snapshot())
}

func (h *handlers) agentOrders(c *gin.Context) {
	r := h.fleet.Runner(c.Param("id"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	limit := queryInt(c, "limit", 50)
	if h.store != nil {
		orders, err := h.store.Orders(c.Request.Context(), r.ID, limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"orders": orders})
			return
		}
		logger.Errorf("http: load orders for %s failed: %v", r.ID, err)
	}
	orders := r.Ledger.Orders(limit)
	if orders == nil {
		orders = []ledger.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *handlers) agentDecisions(c *gin.Context) {
	r := h.fleet.Runner(c.Param("id"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"cycles": []store.CycleRecord{}})
		return
	}
	cycles, err := h.store.Cycles(c.Request.Context(), r.ID, queryInt(c, "limit", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
