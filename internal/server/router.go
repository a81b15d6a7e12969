// Package server exposes the node's local control API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agentnode/internal/logbuf"
	"github.com/loykin/agentnode/internal/metrics"
	"github.com/loykin/agentnode/internal/store"
	"github.com/loykin/agentnode/internal/supervisor"
)

// Session reports the coordinator connection state.
type Session interface {
	IsConnected() bool
	SessionID() string
}

// Processes exposes the helper process registry.
type Processes interface {
	List() []supervisor.ProcStatus
	Logs(name string, max int) ([]logbuf.Line, error)
}

// Executor runs one whitelisted local command.
type Executor interface {
	Execute(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error)
}

// History reads the local command audit trail.
type History interface {
	RecentCommands(ctx context.Context, limit int) ([]store.CommandRecord, error)
}

// Router provides embeddable HTTP handlers for inspecting and driving
// the node. Endpoints:
//
//	GET  {basePath}/status
//	GET  {basePath}/processes
//	GET  {basePath}/processes/:name/logs   query: lines=N
//	POST {basePath}/execute                body: {"function": ..., "args": {...}}
//	GET  {basePath}/history                query: limit=N
//	GET  {basePath}/metrics
type Router struct {
	session  Session
	procs    Processes
	exec     Executor
	history  History // nil disables /history
	basePath string
}

func NewRouter(session Session, procs Processes, exec Executor, history History, basePath string) *Router {
	return &Router{
		session:  session,
		procs:    procs,
		exec:     exec,
		history:  history,
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:name/logs", r.handleProcessLogs)
	group.POST("/execute", r.handleExecute)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, session Session, procs Processes, exec Executor, history History) *http.Server {
	r := NewRouter(session, procs, exec, history, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": r.session.IsConnected(),
		"sessionId": r.session.SessionID(),
	})
}

func (r *Router) handleProcesses(c *gin.Context) {
	list := r.procs.List()
	if list == nil {
		list = []supervisor.ProcStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"processes": list})
}

func (r *Router) handleProcessLogs(c *gin.Context) {
	name := c.Param("name")
	lines := 0
	if q := c.Query("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	entries, err := r.procs.Logs(name, lines)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.String())
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "lines": out})
}

type executeReq struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

func (r *Router) handleExecute(c *gin.Context) {
	var req executeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Function == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "function required"})
		return
	}
	data, err := r.exec.Execute(c.Request.Context(), req.Function, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "audit store not configured"})
		return
	}
	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	recs, err := r.history.RecentCommands(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	type item struct {
		At         time.Time `json:"at"`
		Function   string    `json:"function"`
		Success    bool      `json:"success"`
		Error      string    `json:"error,omitempty"`
		DurationMS int64     `json:"durationMs"`
	}
	out := make([]item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, item{rec.At, rec.Function, rec.Success, rec.Error, rec.DurationMS})
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}
