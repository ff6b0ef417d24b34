package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

func seedExecution(t *testing.T, st store.Store, agentID, hiringID int64, state models.ExecutionState) *models.Execution {
	t.Helper()
	userID := int64(7)
	exec, err := st.Executions().Create(context.Background(), &models.Execution{
		ExecID:    fmt.Sprintf("exec-%d-%s", hiringID, state),
		AgentID:   agentID,
		HiringID:  &hiringID,
		UserID:    &userID,
		Operation: models.OpExecute,
		State:     state,
		Input:     models.JSONDoc(`{}`),
	})
	require.NoError(t, err)
	return exec
}

func TestExecute(t *testing.T) {
	e := newAPIEnv(t)
	e.disp.exec = &models.Execution{
		ExecID:    "exec-1",
		Operation: "summarize",
		State:     models.ExecutionStateCompleted,
		Output:    models.JSONDoc(`{"summary":"ok"}`),
	}

	w := e.do(http.MethodPost, "/api/v1/hirings/10/executions", map[string]any{
		"operation": "summarize",
		"input":     map[string]any{"text": "long document"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(10), e.disp.lastHiringID)
	assert.Equal(t, "summarize", e.disp.lastOperation)
	assert.JSONEq(t, `{"text":"long document"}`, string(e.disp.lastInput))

	res := decodeBody(t, w)
	assert.Equal(t, "exec-1", res["exec_id"])
	assert.Equal(t, string(models.ExecutionStateCompleted), res["state"])
}

func TestExecuteDefaults(t *testing.T) {
	e := newAPIEnv(t)
	e.disp.exec = &models.Execution{ExecID: "exec-1", State: models.ExecutionStateCompleted}

	w := e.do(http.MethodPost, "/api/v1/hirings/10/executions", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OpExecute, e.disp.lastOperation)
	assert.JSONEq(t, `{}`, string(e.disp.lastInput))
}

func TestExecuteFailedRunStillReturnsRow(t *testing.T) {
	e := newAPIEnv(t)
	e.disp.exec = &models.Execution{
		ExecID:        "exec-1",
		State:         models.ExecutionStateFailed,
		ErrorCategory: string(fault.CategoryAgentRuntime),
		ErrorCode:     string(fault.CodeAgentError),
		ErrorMessage:  "exit status 1",
	}
	e.disp.err = fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError, "exit status 1")

	w := e.do(http.MethodPost, "/api/v1/hirings/10/executions", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeBody(t, w)
	assert.Equal(t, string(models.ExecutionStateFailed), res["state"])
	assert.Equal(t, string(fault.CodeAgentError), res["error_code"])
}

func TestExecuteRowlessFaultMapsStatus(t *testing.T) {
	e := newAPIEnv(t)
	e.disp.err = fault.New(fault.CategoryCapacity, fault.CodeHiringBusy,
		"hiring 10 is at its cap of 32 concurrent executions")

	w := e.do(http.MethodPost, "/api/v1/hirings/10/executions", map[string]any{})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(fault.CodeHiringBusy), errorCode(t, w))
}

func TestExecuteValidationFault(t *testing.T) {
	e := newAPIEnv(t)
	e.disp.err = fault.Validation(fault.CodeSchemaViolation, "$.text", "required property missing")

	w := e.do(http.MethodPost, "/api/v1/hirings/10/executions", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "$.text", errObj["path"])
}

func TestGetExecution(t *testing.T) {
	e := newAPIEnv(t)
	a := seedAgent(t, e.store, models.AgentStatusApproved)
	h := seedHiring(t, e.store, a.ID, models.HiringStatusActive)
	exec := seedExecution(t, e.store, a.ID, h.ID, models.ExecutionStateCompleted)

	w := e.do(http.MethodGet, "/api/v1/executions/"+exec.ExecID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeBody(t, w)
	assert.Equal(t, exec.ExecID, res["exec_id"])
}

func TestGetExecutionNotFound(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodGet, "/api/v1/executions/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `execution \"ghost\" not found`)
}

func TestListExecutionsByState(t *testing.T) {
	e := newAPIEnv(t)
	a := seedAgent(t, e.store, models.AgentStatusApproved)
	h := seedHiring(t, e.store, a.ID, models.HiringStatusActive)
	seedExecution(t, e.store, a.ID, h.ID, models.ExecutionStateCompleted)
	seedExecution(t, e.store, a.ID, h.ID, models.ExecutionStateFailed)

	w := e.do(http.MethodGet, fmt.Sprintf("/api/v1/hirings/%d/executions", h.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody(t, w)
	assert.Equal(t, float64(2), res["count"])

	w = e.do(http.MethodGet, fmt.Sprintf("/api/v1/hirings/%d/executions?state=failed", h.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = decodeBody(t, w)
	assert.Equal(t, float64(1), res["count"])
}

func TestCancelExecution(t *testing.T) {
	e := newAPIEnv(t)
	a := seedAgent(t, e.store, models.AgentStatusApproved)
	h := seedHiring(t, e.store, a.ID, models.HiringStatusActive)
	exec := seedExecution(t, e.store, a.ID, h.ID, models.ExecutionStateRunning)
	e.disp.cancelled = true

	w := e.do(http.MethodPost, "/api/v1/executions/"+exec.ExecID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, exec.ExecID, e.disp.lastExecID)

	res := decodeBody(t, w)
	assert.Equal(t, true, res["cancelling"])
}

func TestCancelExecutionNotInFlight(t *testing.T) {
	e := newAPIEnv(t)
	a := seedAgent(t, e.store, models.AgentStatusApproved)
	h := seedHiring(t, e.store, a.ID, models.HiringStatusActive)
	exec := seedExecution(t, e.store, a.ID, h.ID, models.ExecutionStateCompleted)
	e.disp.cancelled = false

	w := e.do(http.MethodPost, "/api/v1/executions/"+exec.ExecID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(fault.CodeIllegalTransition), errorCode(t, w))
}

func TestCancelExecutionNotFound(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodPost, "/api/v1/executions/ghost/cancel", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, e.disp.lastExecID)
}
