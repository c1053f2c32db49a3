package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/scheduler"
	"github.com/loykin/tierd/internal/state"
	"github.com/loykin/tierd/internal/supervisor"
)

// Backend is the part of the supervisor the operator API needs.
type Backend interface {
	RunID() string
	Status() []supervisor.ServiceStatus
	StatusOf(id string) (supervisor.ServiceStatus, bool)
	Tiers() []scheduler.Tier
	Resync(ctx context.Context) error
}

// Router provides embeddable HTTP handlers for the operator API.
// Endpoints:
//
//	GET  {basePath}/status        snapshot of every service
//	GET  {basePath}/status/:id    one service
//	GET  {basePath}/tiers         start-up plan
//	GET  {basePath}/resources     latest CPU/memory samples
//	POST {basePath}/resync        query: wait=true blocks until start-up settles
//	POST {basePath}/stop          requests a supervisor shutdown
//	GET  {basePath}/healthz
//	GET  /metrics                 when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b         Backend
	basePath  string
	stop      func()
	resources *metrics.ResourceSampler
	metrics   bool
	timeout   time.Duration
}

type Option func(*Router)

// WithStop sets the function POST /stop invokes. Without it /stop answers 501.
func WithStop(fn func()) Option { return func(r *Router) { r.stop = fn } }

// WithResources exposes the sampler's latest readings on /resources.
func WithResources(s *metrics.ResourceSampler) Option {
	return func(r *Router) { r.resources = s }
}

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

// WithResyncTimeout bounds a synchronous resync request.
func WithResyncTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string, opts ...Option) *Router {
	r := &Router{b: b, basePath: sanitizeBase(basePath), timeout: 5 * time.Minute}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:id", r.handleStatusOf)
	group.GET("/tiers", r.handleTiers)
	group.GET("/resources", r.handleResources)
	group.POST("/resync", r.handleResync)
	group.POST("/stop", r.handleStop)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors are
// returned; later serve errors are logged by net/http.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// TierResp is one entry of GET /tiers.
type TierResp struct {
	Index    int      `json:"index"`
	Services []string `json:"services"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	RunID string `json:"run_id"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Status())
}

func (r *Router) handleStatusOf(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id: allowed [A-Za-z0-9._-]"})
		return
	}
	st, ok := r.b.StatusOf(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service: " + id})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleTiers(c *gin.Context) {
	tiers := r.b.Tiers()
	out := make([]TierResp, len(tiers))
	for i, t := range tiers {
		out[i] = TierResp{Index: i, Services: t}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusOK, map[string]metrics.ResourceUsage{})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.All())
}

func (r *Router) handleResync(c *gin.Context) {
	if !queryBool(c, "wait") {
		go func() { _ = r.b.Resync(context.Background()) }()
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	if err := r.b.Resync(ctx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, state.ErrShuttingDown) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if r.stop == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "stop is not enabled"})
		return
	}
	r.stop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, RunID: r.b.RunID()})
}
