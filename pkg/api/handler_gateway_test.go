package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/gateway"
	"github.com/hirebay/hirebay/pkg/models"
)

func TestGatewayCall(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.result = &gateway.Result{
		Family:      models.FamilyLLMCompletion,
		Provider:    "anthropic",
		Content:     "a summary",
		InputUnits:  120,
		OutputUnits: 30,
		Cost:        decimal.RequireFromString("0.0021"),
	}

	w := e.do(http.MethodPost, "/gateway/call", map[string]any{
		"execution_id": "exec-1",
		"family":       "llm-completion",
		"provider":     "anthropic",
		"spec":         map[string]any{"prompt": "summarize this", "max_tokens": 64},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, e.gw.lastReq)
	assert.Equal(t, "exec-1", e.gw.lastReq.ExecID)
	assert.Equal(t, models.FamilyLLMCompletion, e.gw.lastReq.Family)
	assert.Equal(t, "summarize this", e.gw.lastReq.Spec.Prompt)

	res := decodeBody(t, w)
	assert.Equal(t, "a summary", res["content"])
	assert.Equal(t, "0.0021", res["cost"])
}

func TestGatewayCallPerCallCap(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.err = fault.New(fault.CategoryCapacity, fault.CodePerCallCapExceeded,
		"estimated cost 0.80 exceeds the per-call cap 0.50")

	w := e.do(http.MethodPost, "/gateway/call", map[string]any{
		"execution_id": "exec-1",
		"family":       "llm-completion",
		"provider":     "anthropic",
		"spec":         map[string]any{"prompt": "p"},
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, string(fault.CodePerCallCapExceeded), errorCode(t, w))
}

func TestGatewayCallRateLimited(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.err = fault.New(fault.CategoryCapacity, fault.CodeRateLimited,
		"user 7 exceeded 60 requests per minute to anthropic")

	w := e.do(http.MethodPost, "/gateway/call", map[string]any{
		"execution_id": "exec-1",
		"family":       "llm-completion",
		"provider":     "anthropic",
		"spec":         map[string]any{"prompt": "p"},
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGatewayCallMalformedBody(t *testing.T) {
	e := newAPIEnv(t)

	req := e.do(http.MethodPost, "/gateway/call", nil)
	require.Equal(t, http.StatusBadRequest, req.Code)
	assert.Nil(t, e.gw.lastReq)
}

func TestPutCredential(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodPut, "/api/v1/users/7/credentials/anthropic", map[string]any{
		"api_key": "sk-ant-test",
	})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "put", e.gw.lastAction)
	assert.Equal(t, int64(7), e.gw.lastUserID)
	assert.Equal(t, "anthropic", e.gw.lastProvider)
	assert.Equal(t, "sk-ant-test", e.gw.lastKey)
}

func TestPutCredentialMissingKey(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodPut, "/api/v1/users/7/credentials/anthropic", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.gw.lastAction)
}

func TestDeleteCredential(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodDelete, "/api/v1/users/7/credentials/openai", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "delete", e.gw.lastAction)
	assert.Equal(t, "openai", e.gw.lastProvider)
}
