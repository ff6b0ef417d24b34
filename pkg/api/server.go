// Package api exposes the management surface of the runtime over HTTP:
// agent admission and review, hiring lifecycle, execution dispatch and
// status, deployment inspection, provider credentials, and the gateway
// call endpoint agents reach from inside their containers. Handlers stay
// thin over the domain services; faults map onto HTTP statuses here and
// nowhere else.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/gateway"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

// Admissions validates and reviews submitted agents.
type Admissions interface {
	AdmitAgent(ctx context.Context, bundleData, manifestJSON []byte) (*models.Agent, error)
	ApproveAgent(ctx context.Context, agentID int64) (*models.Agent, error)
	RejectAgent(ctx context.Context, agentID int64) (*models.Agent, error)
}

// Hirings drives the hiring lifecycle.
type Hirings interface {
	Hire(ctx context.Context, userID, agentID int64, config []byte) (*models.Hiring, error)
	Suspend(ctx context.Context, hiringID int64) (*models.Hiring, error)
	Resume(ctx context.Context, hiringID int64) (*models.Hiring, error)
	Cancel(ctx context.Context, hiringID int64) (*models.Hiring, error)
	UpdateConfig(ctx context.Context, hiringID int64, config []byte) (*models.Hiring, error)
}

// Dispatcher runs agent operations and cancels in-flight ones.
type Dispatcher interface {
	Execute(ctx context.Context, hiringID int64, operation string, input []byte) (*models.Execution, error)
	CancelExecution(execID string) bool
}

// Deployments reads deployment state owned by the controller.
type Deployments interface {
	List(ctx context.Context, f store.DeploymentFilter) ([]*models.Deployment, error)
	Logs(ctx context.Context, deploymentID int64, tail int) ([]string, error)
}

// Gateway brokers metered provider calls and user credentials.
type Gateway interface {
	Call(ctx context.Context, req *gateway.Request) (*gateway.Result, error)
	PutCredential(ctx context.Context, userID int64, provider, apiKey string) error
	DeleteCredential(ctx context.Context, userID int64, provider string) error
}

// Server is the management HTTP server.
type Server struct {
	store       store.Store
	admissions  Admissions
	hirings     Hirings
	dispatcher  Dispatcher
	deployments Deployments
	gateway     Gateway
	logger      *slog.Logger

	warnings *warnings.Service
	engine   container.Supervisor

	router *gin.Engine
	http   *http.Server
}

// NewServer wires the routes over the domain services
func NewServer(st store.Store, admissions Admissions, hirings Hirings, dispatcher Dispatcher, deployments Deployments, gw Gateway) *Server {
	s := &Server{
		store:       st,
		admissions:  admissions,
		hirings:     hirings,
		dispatcher:  dispatcher,
		deployments: deployments,
		gateway:     gw,
		logger:      slog.Default().With("component", "api"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	router.NoRoute(func(c *gin.Context) {
		notFound(c, "no route for %s %s", c.Request.Method, c.Request.URL.Path)
	})

	router.GET("/healthz", s.health)
	router.POST("/gateway/call", s.gatewayCall)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/agents", s.admitAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.POST("/agents/:id/approve", s.approveAgent)
		v1.POST("/agents/:id/reject", s.rejectAgent)

		v1.POST("/hirings", s.hire)
		v1.GET("/hirings", s.listHirings)
		v1.GET("/hirings/:id", s.getHiring)
		v1.POST("/hirings/:id/suspend", s.suspendHiring)
		v1.POST("/hirings/:id/resume", s.resumeHiring)
		v1.POST("/hirings/:id/cancel", s.cancelHiring)
		v1.PUT("/hirings/:id/config", s.updateHiringConfig)

		v1.POST("/hirings/:id/executions", s.execute)
		v1.GET("/hirings/:id/executions", s.listExecutions)
		v1.GET("/executions/:execId", s.getExecution)
		v1.POST("/executions/:execId/cancel", s.cancelExecution)

		v1.GET("/deployments", s.listDeployments)
		v1.GET("/deployments/:id/logs", s.deploymentLogs)

		v1.PUT("/users/:id/credentials/:provider", s.putCredential)
		v1.DELETE("/users/:id/credentials/:provider", s.deleteCredential)

		v1.GET("/system/warnings", s.systemWarnings)
	}

	s.router = router
	return s
}

// SetWarnings surfaces collected runtime warnings on the health endpoints.
func (s *Server) SetWarnings(w *warnings.Service) {
	s.warnings = w
}

// SetEngine enables the container engine health check.
func (s *Server) SetEngine(engine container.Supervisor) {
	s.engine = engine
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("Management API listening", "addr", addr)
	return s.http.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests bind a random
// port first so collaborators can be wired with the final URL before the
// server accepts traffic.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{Handler: s.router}
	s.logger.Info("Management API listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

// Shutdown stops the listener and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests and for mounting under another
// listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLog records one line per request. Server-side failures get Warn so
// they stand out without a debug handler.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
