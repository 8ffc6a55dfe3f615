package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/metrics"
	"github.com/spknetwork/spkpin/internal/poa"
	"github.com/spknetwork/spkpin/internal/reconcile"
)

// StatusView is the aggregate reported by GET {basePath}/status.
type StatusView struct {
	Process     poa.Status      `json:"process"`
	Reconcile   reconcile.Stats `json:"reconcile"`
	Contracts   int             `json:"contracts"`
	ManagedPins int             `json:"managed_pins"`
	NodeID      string          `json:"node_id,omitempty"`
	Registered  bool            `json:"registered"`
}

// Service is the node surface the HTTP layer drives.
type Service interface {
	StatusView() StatusView
	StartProcess() error
	StopProcess(force bool) error
	TriggerReconcile()
	RecentEvents(n int) []events.Event
}

// Router provides embeddable HTTP handlers for the node daemon.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/process/start
//	POST {basePath}/process/stop     query: force=1 (optional)
//	POST {basePath}/reconcile        returns 202; the cycle runs async
//	GET  {basePath}/events           query: n=... (default 100)
//	GET  /healthz
//	GET  /metrics
type Router struct {
	svc      Service
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(svc Service, basePath string) *Router {
	return &Router{svc: svc, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/process/start", r.handleProcessStart)
	group.POST("/process/stop", r.handleProcessStop)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/events", r.handleEvents)
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The listener is bound synchronously so a busy or invalid address is
// reported to the caller instead of leaving the daemon without its API.
func NewServer(addr, basePath string, svc Service) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	r := NewRouter(svc, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.svc.StatusView())
}

func (r *Router) handleProcessStart(c *gin.Context) {
	if err := r.svc.StartProcess(); err != nil {
		status := http.StatusBadRequest
		if err == poa.ErrAlreadyRunning {
			status = http.StatusConflict
		}
		c.JSON(status, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProcessStop(c *gin.Context) {
	force := c.Query("force") == "1" || c.Query("force") == "true"
	if err := r.svc.StopProcess(force); err != nil {
		status := http.StatusBadRequest
		if err == poa.ErrNotRunning {
			status = http.StatusConflict
		}
		c.JSON(status, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReconcile(c *gin.Context) {
	r.svc.TriggerReconcile()
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	n := 100
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid n"})
			return
		}
		n = v
	}
	evs := r.svc.RecentEvents(n)
	out := make([]eventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventView{
			Kind:    string(e.Kind),
			At:      e.At,
			Message: e.Message,
			Fields:  e.Fields,
		})
	}
	c.JSON(http.StatusOK, out)
}

type eventView struct {
	Kind    string            `json:"kind"`
	At      time.Time         `json:"at"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// sanitizeBase normalizes a mount path: leading slash, no trailing slash.
func sanitizeBase(bp string) string {
	if bp == "" || bp == "/" {
		return ""
	}
	if bp[0] != '/' {
		bp = "/" + bp
	}
	for len(bp) > 1 && bp[len(bp)-1] == '/' {
		bp = bp[:len(bp)-1]
	}
	return bp
}
