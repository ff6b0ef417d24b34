package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/store"
)

// statusOf picks the HTTP status for a domain error. Codes override their
// category where REST has a more specific answer.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}

	switch fault.CodeOf(err) {
	case fault.CodeDuplicateVersion:
		return http.StatusConflict
	case fault.CodeHiringTerminated:
		return http.StatusGone
	case fault.CodePerCallCapExceeded, fault.CodePeriodCapExceeded:
		return http.StatusPaymentRequired
	case fault.CodeTimeout, fault.CodeDeployTimeout, fault.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case fault.CodeStoreUnavailable, fault.CodeDeploymentNotRunning:
		return http.StatusServiceUnavailable
	case fault.CodeNoCredential, fault.CodeUnknownProvider:
		return http.StatusBadRequest
	}

	switch fault.CategoryOf(err) {
	case fault.CategoryValidation:
		return http.StatusBadRequest
	case fault.CategoryLifecycle:
		return http.StatusConflict
	case fault.CategoryCapacity:
		return http.StatusTooManyRequests
	case fault.CategoryInfrastructure:
		return http.StatusServiceUnavailable
	case fault.CategoryAgentRuntime, fault.CategoryUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// renderFault writes the typed JSON error body shared with the proxy.
func renderFault(c *gin.Context, status int, f *fault.Fault) {
	body := gin.H{
		"category": f.Category,
		"code":     f.Code,
		"message":  f.Message,
	}
	if f.Path != "" {
		body["path"] = f.Path
	}
	c.JSON(status, gin.H{"error": body})
}

// writeError renders any domain error. Unexpected errors are logged and
// hidden behind a plain 500 body.
func (s *Server) writeError(c *gin.Context, err error) {
	var f *fault.Fault
	switch {
	case errors.As(err, &f):
		renderFault(c, statusOf(err), f)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    "NotFound",
			"message": err.Error(),
		}})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{
			"code":    "Conflict",
			"message": err.Error(),
		}})
	default:
		s.logger.Error("Unhandled error",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    "Internal",
			"message": "internal error",
		}})
	}
}

// notFound renders a 404 for a named resource.
func notFound(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
		"code":    "NotFound",
		"message": fmt.Sprintf(format, args...),
	}})
}

// badRequest renders a validation fault for a malformed request envelope.
// path addresses the offending parameter or body field.
func badRequest(c *gin.Context, path, format string, args ...any) {
	renderFault(c, http.StatusBadRequest, fault.Validation(fault.CodeSchemaViolation, path, format, args...))
}

// paramID parses the named integer path parameter, rendering a 400 when it
// is not a positive integer.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name, "%q is not a valid id", c.Param(name))
		return 0, false
	}
	return id, true
}

// queryID parses an optional integer query parameter. It reports false only
// when a value is present and malformed.
func queryID(c *gin.Context, name string) (int64, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name, "%q is not a valid id", v)
		return 0, false
	}
	return id, true
}

// queryInt reads an optional non-negative integer query parameter, falling
// back to def on absence or garbage.
func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
