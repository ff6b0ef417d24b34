package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/gateway"
)

// gatewayCall handles POST /gateway/call, the endpoint agent containers
// reach for metered provider access. The execution id in the request ties
// the call to a running execution and through it to the paying user.
func (s *Server) gatewayCall(c *gin.Context) {
	var req gateway.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "$", "invalid gateway request: %v", err)
		return
	}
	res, err := s.gateway.Call(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// putCredential handles PUT /api/v1/users/:id/credentials/:provider.
func (s *Server) putCredential(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "api_key", "invalid credential request: %v", err)
		return
	}
	if err := s.gateway.PutCredential(c.Request.Context(), userID, c.Param("provider"), req.APIKey); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteCredential handles DELETE /api/v1/users/:id/credentials/:provider.
func (s *Server) deleteCredential(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := s.gateway.DeleteCredential(c.Request.Context(), userID, c.Param("provider")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
