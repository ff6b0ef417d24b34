// Package proxy fronts endpoint-kind deployments with a single public
// listener. Requests arrive as /p/{deploymentId}/{remainder} and are
// forwarded to the loopback endpoint recorded in the route table; nothing
// else can reach an agent container from outside.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
)

type targetKey struct{}

// target carries the resolved upstream through the request context so one
// shared ReverseProxy can serve every route.
type target struct {
	endpoint string
	path     string
}

// Server is the reverse proxy. One instance serves every installed route.
type Server struct {
	table  *Table
	logger *slog.Logger

	requestTimeout   time.Duration
	maxPerDeployment int

	engine *gin.Engine
	rp     *httputil.ReverseProxy
	http   *http.Server

	mu    sync.Mutex
	inUse map[int64]int
}

// NewServer wires the router and the shared ReverseProxy. Zero fields in
// rc fall back to the runtime defaults; a nil rc uses them wholesale.
func NewServer(table *Table, rc *config.RuntimeConfig) *Server {
	def := config.DefaultRuntimeConfig()
	cfg := *def
	if rc != nil {
		cfg = *rc
	}
	if cfg.ProxyRequestTimeout <= 0 {
		cfg.ProxyRequestTimeout = def.ProxyRequestTimeout
	}
	if cfg.ProxyDeploymentRequests <= 0 {
		cfg.ProxyDeploymentRequests = def.ProxyDeploymentRequests
	}
	if cfg.ProxyPort <= 0 {
		cfg.ProxyPort = def.ProxyPort
	}

	s := &Server{
		table:            table,
		logger:           slog.With("component", "proxy"),
		requestTimeout:   cfg.ProxyRequestTimeout,
		maxPerDeployment: cfg.ProxyDeploymentRequests,
		inUse:            make(map[int64]int),
	}
	s.rp = &httputil.ReverseProxy{
		Rewrite:       s.rewrite,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler:  s.upstreamError,
		ErrorLog:      slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Any("/p/:deployment/*path", s.forward)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
	s.engine = engine
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler: engine,
	}
	return s
}

// Start begins serving on the configured port and blocks until the
// listener closes.
func (s *Server) Start() error {
	s.logger.Info("Proxy listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the listener and drains in-flight forwards.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests and for mounting under another
// listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// forward proxies one request to the deployment named in the path.
//
// It resolves the route, takes a per-deployment request slot, applies the
// request budget, and hands the request to the shared ReverseProxy with
// the upstream attached to the context. Upgrade requests skip the budget;
// their lifetime belongs to the two peers.
func (s *Server) forward(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("deployment"), 10, 64)
	if err != nil {
		writeFault(c.Writer, http.StatusNotFound, fault.New(fault.CategoryInfrastructure,
			fault.CodeDeploymentNotRunning, "no deployment at %q", c.Param("deployment")))
		return
	}
	route, ok := s.table.Lookup(id)
	if !ok {
		writeFault(c.Writer, http.StatusServiceUnavailable, fault.New(fault.CategoryInfrastructure,
			fault.CodeDeploymentNotRunning, "deployment %d is not running", id))
		return
	}
	if !s.acquire(id) {
		writeFault(c.Writer, http.StatusTooManyRequests, fault.New(fault.CategoryCapacity,
			fault.CodeProxyBusy, "deployment %d is at its concurrent request limit", id))
		return
	}
	defer s.release(id)

	s.logger.Debug("Forwarding request",
		"deployment_id", id,
		"method", c.Request.Method,
		"path", c.Param("path"))

	ctx := c.Request.Context()
	if !websocket.IsWebSocketUpgrade(c.Request) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, targetKey{}, target{endpoint: route.Endpoint, path: c.Param("path")})
	s.rp.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

// rewrite points the outbound request at the upstream resolved by forward.
// Only the path remainder travels upstream; the /p/{id} prefix stays on
// the public side.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	t, _ := pr.In.Context().Value(targetKey{}).(target)
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = t.endpoint
	pr.Out.URL.Path = t.path
	pr.Out.URL.RawPath = ""
	pr.Out.Host = t.endpoint
	pr.SetXForwarded()
}

// upstreamError renders failures the ReverseProxy reports after the route
// resolved. A deadline here means the request budget elapsed mid-transfer.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful left to write.
		return
	}
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("Forward failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeFault(w, status, fault.Wrap(err, fault.CategoryUpstream, fault.CodeUpstreamError, "forward failed"))
}

// acquire takes one request slot for the deployment, failing fast at the
// cap so a slow agent cannot pile up goroutines behind it.
func (s *Server) acquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[id] >= s.maxPerDeployment {
		return false
	}
	s.inUse[id]++
	return true
}

func (s *Server) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[id] <= 1 {
		delete(s.inUse, id)
	} else {
		s.inUse[id]--
	}
}

// writeFault renders the typed JSON error body shared with the management
// API. It writes directly so the helper also serves ReverseProxy error
// callbacks that have no gin context.
func writeFault(w http.ResponseWriter, status int, f *fault.Fault) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gin.H{"error": gin.H{
		"category": f.Category,
		"code":     f.Code,
		"message":  f.Message,
	}})
}
