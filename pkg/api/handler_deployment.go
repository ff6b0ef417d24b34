package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

const (
	defaultLogTail = 100
	maxLogTail     = 1000
)

// listDeployments handles GET /api/v1/deployments.
func (s *Server) listDeployments(c *gin.Context) {
	hiringID, ok := queryID(c, "hiring_id")
	if !ok {
		return
	}
	f := store.DeploymentFilter{
		HiringID: hiringID,
		Kind:     models.AgentKind(c.Query("kind")),
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	if state := c.Query("state"); state != "" {
		f.States = []models.DeploymentState{models.DeploymentState(state)}
	}
	deps, err := s.deployments.List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if deps == nil {
		deps = []*models.Deployment{}
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deps, "count": len(deps)})
}

// deploymentLogs handles GET /api/v1/deployments/:id/logs. The tail query
// parameter bounds the line count; sandboxed deployments have no container
// and return an empty tail.
func (s *Server) deploymentLogs(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	tail := queryInt(c, "tail", defaultLogTail)
	if tail > maxLogTail {
		tail = maxLogTail
	}
	lines, err := s.deployments.Logs(c.Request.Context(), id, tail)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": id, "lines": lines})
}
