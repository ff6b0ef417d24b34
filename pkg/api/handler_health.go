package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/version"
	"github.com/hirebay/hirebay/pkg/warnings"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]HealthCheck `json:"checks"`
	Warnings int                    `json:"warnings,omitempty"`
}

// health handles GET /healthz. Only the runtime's own dependencies are
// checked; provider reachability is excluded so an upstream outage cannot
// make an orchestrator restart us.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if pinger, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			status = healthStatusUnhealthy
			checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["store"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		// In-memory stores have nothing to probe.
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.engine != nil {
		if _, err := s.engine.ListManaged(ctx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["engine"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["engine"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	var warningCount int
	if s.warnings != nil {
		warningCount = len(s.warnings.List())
		if warningCount > 0 && status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Checks:   checks,
		Warnings: warningCount,
	})
}

// systemWarnings handles GET /api/v1/system/warnings.
func (s *Server) systemWarnings(c *gin.Context) {
	list := []*warnings.Warning{}
	if s.warnings != nil {
		list = s.warnings.List()
	}
	// Sort for deterministic output; category+scope is the dedupe key.
	sort.Slice(list, func(i, j int) bool {
		if list[i].Category != list[j].Category {
			return list[i].Category < list[j].Category
		}
		return list[i].Scope < list[j].Scope
	})
	c.JSON(http.StatusOK, gin.H{"warnings": list})
}
