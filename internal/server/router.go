package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcd/internal/history"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/registry"
)

// Router provides embeddable HTTP handlers over a service registry.
// Endpoints, relative to basePath:
//
//	GET    /services                  list
//	GET    /services/:name            entry
//	PUT    /services/:name            body: record JSON; persist + apply
//	DELETE /services/:name            stop, forget, remove record
//	POST   /services/:name/start      {pid}
//	POST   /services/:name/stop       {result}
//	POST   /services/:name/restart    {pid}
//	GET    /services/:name/status     status
//	GET    /services/:name/log        query: offset, max; header X-Next-Offset
//	DELETE /services/:name/log        409 while running
//	GET    /services/:name/history    query: limit (history reader required)
//	GET    /services/:name/resources  latest sample (sampler required)
//	POST   /reload                    {errors}
//	POST   /start, /stop              query: name=a,b,c
//	POST   /test_start                body: {cmd, cwd}
//	GET    /processes                 query: cmd (substring or pid)
//	POST   /processes/terminate       query: pid=1,2
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	basePath string
	log      *slog.Logger

	history history.Reader
	sampler *metrics.Sampler
	metrics http.Handler
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithHistory serves /services/:name/history from hr.
func WithHistory(hr history.Reader) Option { return func(r *Router) { r.history = hr } }

// WithSampler serves /services/:name/resources from s.
func WithSampler(s *metrics.Sampler) Option { return func(r *Router) { r.sampler = s } }

// WithMetrics mounts h at /metrics, outside basePath.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a Router serving reg under basePath.
func NewRouter(reg *registry.Registry, basePath string, opts ...Option) *Router {
	r := &Router{reg: reg, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	r.log = logger.OrDefault(r.log)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)

	group.GET("/services", r.handleList)
	svc := group.Group("/services/:name", r.requireName)
	svc.GET("", r.handleGet)
	svc.PUT("", r.handlePut)
	svc.DELETE("", r.handleDelete)
	svc.POST("/start", r.handleStart)
	svc.POST("/stop", r.handleStop)
	svc.POST("/restart", r.handleRestart)
	svc.GET("/status", r.handleStatus)
	svc.GET("/log", r.handleLog)
	svc.DELETE("/log", r.handleClearLog)
	svc.GET("/history", r.handleHistory)
	svc.GET("/resources", r.handleResources)

	group.POST("/reload", r.handleReload)
	group.POST("/start", r.handleBatchStart)
	group.POST("/stop", r.handleBatchStop)
	group.POST("/test_start", r.handleTestStart)
	group.GET("/processes", r.handleFindProcesses)
	group.POST("/processes/terminate", r.handleTerminate)
	return g
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer returns an http.Server for h with the daemon's timeouts. The
// caller runs ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Stop may hold a request for the grace period plus the reap window.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}
