package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// TestCancelSandboxedExecution runs a real sandboxed process that sleeps far
// longer than the test budget, cancels it over the API mid-flight, and
// expects the dispatch call to unwind promptly with a cancelled record.
func TestCancelSandboxedExecution(t *testing.T) {
	app := NewTestApp(t)

	agentID := app.SubmitAgent(t, sandboxedManifest("sleeper", "run.sh"),
		map[string]string{"run.sh": "#!/bin/sh\nsleep 30\n"})
	app.ApproveAgent(t, agentID)
	hiringID := app.Hire(t, 501, agentID)

	// Dispatch from a goroutine; the call blocks until the process dies.
	// No require in here, the result is asserted on the test goroutine.
	type execResult struct {
		exec *models.Execution
		err  error
	}
	done := make(chan execResult, 1)
	go func() {
		payload, _ := json.Marshal(map[string]any{"operation": "execute", "input": map[string]any{}})
		resp, err := http.Post(fmt.Sprintf("%s/api/v1/hirings/%d/executions", app.BaseURL, hiringID),
			"application/json", bytes.NewReader(payload))
		if err != nil {
			done <- execResult{err: err}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			done <- execResult{err: err}
			return
		}
		if resp.StatusCode != http.StatusOK {
			done <- execResult{err: fmt.Errorf("execute returned %d: %s", resp.StatusCode, raw)}
			return
		}
		var exec models.Execution
		if err := json.Unmarshal(raw, &exec); err != nil {
			done <- execResult{err: err}
			return
		}
		done <- execResult{exec: &exec}
	}()

	var execID string
	require.Eventually(t, func() bool {
		execs, err := app.Store.Executions().List(context.Background(), store.ExecutionFilter{
			HiringID: hiringID,
			States:   []models.ExecutionState{models.ExecutionStateRunning},
		})
		if err != nil || len(execs) == 0 {
			return false
		}
		execID = execs[0].ExecID
		return true
	}, 10*time.Second, 20*time.Millisecond, "execution never reached running")

	cancelledAt := time.Now()
	ack := app.postJSON(t, "/api/v1/executions/"+execID+"/cancel", nil, http.StatusAccepted)
	require.Equal(t, true, ack["cancelling"])
	require.Equal(t, execID, ack["execution_id"])

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, models.ExecutionStateCancelled, res.exec.State)
		require.Equal(t, string(fault.CodeCancelled), res.exec.ErrorCode)
		require.Less(t, time.Since(cancelledAt), 15*time.Second,
			"cancel must not wait out the sleep")
	case <-time.After(20 * time.Second):
		t.Fatal("execute call did not return after cancel")
	}

	got := app.GetExecution(t, execID)
	require.Equal(t, models.ExecutionStateCancelled, got.State)
	require.NotNil(t, got.CompletedAt)
	require.Empty(t, got.Output, "a killed process must not leave output")

	// A second cancel finds nothing in flight.
	out := app.postJSON(t, "/api/v1/executions/"+execID+"/cancel", nil, http.StatusConflict)
	require.Equal(t, "IllegalTransition", apiError(t, out)["code"])
}
