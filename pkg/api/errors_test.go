package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/store"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"store not found", store.ErrNotFound, http.StatusNotFound},
		{"store conflict", store.ErrConflict, http.StatusConflict},
		{"validation", fault.Validation(fault.CodeSchemaViolation, "$.input", "missing"), http.StatusBadRequest},
		{"duplicate version", fault.New(fault.CategoryValidation, fault.CodeDuplicateVersion, "dup"), http.StatusConflict},
		{"lifecycle", fault.New(fault.CategoryLifecycle, fault.CodeAgentNotApproved, "pending"), http.StatusConflict},
		{"terminated", fault.New(fault.CategoryLifecycle, fault.CodeHiringTerminated, "gone"), http.StatusGone},
		{"busy", fault.New(fault.CategoryCapacity, fault.CodeHiringBusy, "busy"), http.StatusTooManyRequests},
		{"rate limited", fault.New(fault.CategoryCapacity, fault.CodeRateLimited, "slow down"), http.StatusTooManyRequests},
		{"per-call cap", fault.New(fault.CategoryCapacity, fault.CodePerCallCapExceeded, "cap"), http.StatusPaymentRequired},
		{"period cap", fault.New(fault.CategoryCapacity, fault.CodePeriodCapExceeded, "cap"), http.StatusPaymentRequired},
		{"execution timeout", fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "late"), http.StatusGatewayTimeout},
		{"deploy timeout", fault.New(fault.CategoryInfrastructure, fault.CodeDeployTimeout, "late"), http.StatusGatewayTimeout},
		{"provider timeout", fault.New(fault.CategoryUpstream, fault.CodeProviderTimeout, "late"), http.StatusGatewayTimeout},
		{"store unavailable", fault.New(fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "down"), http.StatusServiceUnavailable},
		{"deployment not running", fault.New(fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning, "down"), http.StatusServiceUnavailable},
		{"infrastructure", fault.New(fault.CategoryInfrastructure, fault.CodeStartFailed, "boom"), http.StatusServiceUnavailable},
		{"agent error", fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError, "crash"), http.StatusBadGateway},
		{"provider error", fault.New(fault.CategoryUpstream, fault.CodeProviderError, "5xx"), http.StatusBadGateway},
		{"no credential", fault.New(fault.CategoryUpstream, fault.CodeNoCredential, "no key"), http.StatusBadRequest},
		{"unknown provider", fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider, "who"), http.StatusBadRequest},
		{"wrapped fault", fault.Wrap(errors.New("io"), fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "down"), http.StatusServiceUnavailable},
		{"unknown error", errors.New("kaboom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestWriteErrorFaultBody(t *testing.T) {
	e := newAPIEnv(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)

	e.server.writeError(c, fault.Validation(fault.CodeSchemaViolation, "$.config.style", "not a string"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(fault.CategoryValidation), errObj["category"])
	assert.Equal(t, string(fault.CodeSchemaViolation), errObj["code"])
	assert.Equal(t, "$.config.style", errObj["path"])
	assert.Equal(t, "not a string", errObj["message"])
}

func TestWriteErrorHidesUnexpected(t *testing.T) {
	e := newAPIEnv(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)

	e.server.writeError(c, errors.New("pq: password authentication failed"))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "Internal", errObj["code"])
	assert.NotContains(t, w.Body.String(), "password")
}
