package server

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/privspawn/internal/history"
	"github.com/loykin/privspawn/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Router provides embeddable HTTP handlers for observing a privspawn runner.
// Endpoints:
//
//	GET {basePath}/healthz   liveness
//	GET {basePath}/metrics   Prometheus exposition
//	GET {basePath}/runs      children not yet reaped; query: name=... (optional filter)
//	GET {basePath}/runs/:id  one in-flight run by run id
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	basePath string
	active   func() []history.Run
	gatherer prometheus.Gatherer
}

// Option customizes a Router.
type Option func(*Router)

// WithGatherer serves metrics from g instead of the default gatherer.
func WithGatherer(g prometheus.Gatherer) Option { return func(r *Router) { r.gatherer = g } }

// NewRouter constructs a new Router. active reports in-flight runs and may be nil.
func NewRouter(basePath string, active func() []history.Run, opts ...Option) *Router {
	r := &Router{basePath: cleanBasePath(basePath), active: active}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(r.metricsHandler()))
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:id", r.handleRun)
	return g
}

func (r *Router) metricsHandler() http.Handler {
	if r.gatherer != nil {
		return metrics.HandlerFor(r.gatherer)
	}
	return metrics.Handler()
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// cleanBasePath turns "", "/", "api", "/api/" into "", "", "/api", "/api".
func cleanBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// runName matches job names as they appear in logs and log file names.
var runName = regexp.MustCompile(`^[A-Za-z0-9_@-][A-Za-z0-9._@-]{0,127}$`)

func validRunName(s string) bool {
	return runName.MatchString(s) && !strings.Contains(s, "..")
}

// --- Handlers ---

func (r *Router) snapshot() []history.Run {
	if r.active == nil {
		return nil
	}
	return r.active()
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "running": len(r.snapshot())})
}

func (r *Router) handleRuns(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !validRunName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name: " + name})
		return
	}
	runs := []history.Run{}
	for _, run := range r.snapshot() {
		if name == "" || run.Name == name {
			runs = append(runs, run)
		}
	}
	c.JSON(http.StatusOK, runs)
}

func (r *Router) handleRun(c *gin.Context) {
	id := c.Param("id")
	for _, run := range r.snapshot() {
		if run.ID == id {
			c.JSON(http.StatusOK, run)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no running child with id " + id})
}
