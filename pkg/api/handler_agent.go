package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// admitAgent handles POST /api/v1/agents.
//
// The request is multipart/form-data with a "bundle" file part and a
// "manifest" part carrying the manifest JSON, either as a form value or as
// a second file. A successful admission returns the submitted agent; the
// listing stays non-hireable until a review approves it.
func (s *Server) admitAgent(c *gin.Context) {
	bundleHdr, err := c.FormFile("bundle")
	if err != nil {
		badRequest(c, "bundle", "multipart file part %q is required: %v", "bundle", err)
		return
	}
	bundleFile, err := bundleHdr.Open()
	if err != nil {
		badRequest(c, "bundle", "cannot open bundle part: %v", err)
		return
	}
	defer bundleFile.Close()
	bundle, err := io.ReadAll(bundleFile)
	if err != nil {
		badRequest(c, "bundle", "cannot read bundle part: %v", err)
		return
	}

	manifest := []byte(c.PostForm("manifest"))
	if len(manifest) == 0 {
		manifestHdr, err := c.FormFile("manifest")
		if err != nil {
			badRequest(c, "manifest", "multipart part %q is required", "manifest")
			return
		}
		manifestFile, err := manifestHdr.Open()
		if err != nil {
			badRequest(c, "manifest", "cannot open manifest part: %v", err)
			return
		}
		defer manifestFile.Close()
		if manifest, err = io.ReadAll(manifestFile); err != nil {
			badRequest(c, "manifest", "cannot read manifest part: %v", err)
			return
		}
	}

	agent, err := s.admissions.AdmitAgent(c.Request.Context(), bundle, manifest)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// listAgents handles GET /api/v1/agents.
func (s *Server) listAgents(c *gin.Context) {
	f := store.AgentFilter{
		Status: models.AgentStatus(c.Query("status")),
		Kind:   models.AgentKind(c.Query("kind")),
		Name:   c.Query("name"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	agents, err := s.store.Agents().List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// getAgent handles GET /api/v1/agents/:id.
func (s *Server) getAgent(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	agent, err := s.store.Agents().Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "agent %d not found", id)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// approveAgent handles POST /api/v1/agents/:id/approve.
func (s *Server) approveAgent(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	agent, err := s.admissions.ApproveAgent(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// rejectAgent handles POST /api/v1/agents/:id/reject.
func (s *Server) rejectAgent(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	agent, err := s.admissions.RejectAgent(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}
