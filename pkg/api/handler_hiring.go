package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// hire handles POST /api/v1/hirings. The hiring is returned active
// immediately; provisioning proceeds in the background.
func (s *Server) hire(c *gin.Context) {
	var req hireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "$", "invalid hire request: %v", err)
		return
	}
	h, err := s.hirings.Hire(c.Request.Context(), req.UserID, req.AgentID, req.Config)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "agent %d not found", req.AgentID)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

// listHirings handles GET /api/v1/hirings.
func (s *Server) listHirings(c *gin.Context) {
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}
	agentID, ok := queryID(c, "agent_id")
	if !ok {
		return
	}
	f := store.HiringFilter{
		Status:  models.HiringStatus(c.Query("status")),
		AgentID: agentID,
		UserID:  userID,
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}
	hirings, err := s.store.Hirings().List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if hirings == nil {
		hirings = []*models.Hiring{}
	}
	c.JSON(http.StatusOK, gin.H{"hirings": hirings, "count": len(hirings)})
}

// getHiring handles GET /api/v1/hirings/:id.
func (s *Server) getHiring(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	h, err := s.store.Hirings().Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "hiring %d not found", id)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// suspendHiring handles POST /api/v1/hirings/:id/suspend.
func (s *Server) suspendHiring(c *gin.Context) {
	s.lifecycle(c, s.hirings.Suspend)
}

// resumeHiring handles POST /api/v1/hirings/:id/resume.
func (s *Server) resumeHiring(c *gin.Context) {
	s.lifecycle(c, s.hirings.Resume)
}

// cancelHiring handles POST /api/v1/hirings/:id/cancel.
func (s *Server) cancelHiring(c *gin.Context) {
	s.lifecycle(c, s.hirings.Cancel)
}

// lifecycle runs one hiring state transition and renders the updated row.
func (s *Server) lifecycle(c *gin.Context, op func(ctx context.Context, hiringID int64) (*models.Hiring, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	h, err := op(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "hiring %d not found", id)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// updateHiringConfig handles PUT /api/v1/hirings/:id/config.
func (s *Server) updateHiringConfig(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "config", "invalid config request: %v", err)
		return
	}
	h, err := s.hirings.UpdateConfig(c.Request.Context(), id, req.Config)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "hiring %d not found", id)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}
