package e2e

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Bundles and Manifests
// ─────────────────────────────────────────────────────────────────────────────

// makeBundle zips the given files into an agent bundle.
func makeBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// serverFiles is the minimal bundle for an endpoint-server manifest.
var serverFiles = map[string]string{"server.py": "print('serving')\n"}

// endpointManifest describes a server agent with one execute operation that
// takes {"q": string} and answers {"a": string}.
func endpointManifest(name string) string {
	return fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"kind": "endpoint-server",
		"entry_point": "server.py",
		"timeout_seconds": 30,
		"operations": {
			"execute": {
				"inputSchema": {
					"type": "object",
					"properties": {"q": {"type": "string"}},
					"required": ["q"],
					"additionalProperties": false
				},
				"outputSchema": {
					"type": "object",
					"properties": {"a": {"type": "string"}},
					"required": ["a"],
					"additionalProperties": false
				}
			}
		},
		"pricing": {"plan": "free", "price": "0"},
		"deployment": {"port": 8080, "health_path": "/healthz"}
	}`, name)
}

// sandboxedManifest describes a function-sandboxed agent with open execute
// schemas. The entry point must exist in the bundle.
func sandboxedManifest(name, entry string) string {
	return fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"kind": "function-sandboxed",
		"entry_point": %q,
		"timeout_seconds": 60,
		"operations": {
			"execute": {
				"inputSchema": {"type": "object", "additionalProperties": true},
				"outputSchema": {"type": "object", "additionalProperties": true}
			}
		},
		"pricing": {"plan": "free", "price": "0"}
	}`, name, entry)
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return app.do(t, req, expectedStatus)
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	return app.do(t, req, expectedStatus)
}

func (app *TestApp) do(t *testing.T, req *http.Request, expectedStatus int) map[string]any {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: %s", req.Method, req.URL.Path, raw)
	if len(raw) == 0 {
		return nil
	}
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

// apiError digs the error envelope out of a non-2xx response body.
func apiError(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok, "no error envelope in %v", out)
	return errObj
}

// hostPort strips the scheme from an httptest server URL; the fake engine
// holds bare endpoints.
func hostPort(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ─────────────────────────────────────────────────────────────────────────────
// Domain Helpers
// ─────────────────────────────────────────────────────────────────────────────

// SubmitAgent uploads a bundle with its manifest and returns the agent id.
func (app *TestApp) SubmitAgent(t *testing.T, manifest string, files map[string]string) int64 {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("bundle", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(makeBundle(t, files))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("manifest", manifest))
	require.NoError(t, w.Close())

	resp, err := http.Post(app.BaseURL+"/api/v1/agents", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "submit agent: %s", raw)

	var agent models.Agent
	require.NoError(t, json.Unmarshal(raw, &agent))
	return agent.ID
}

// ApproveAgent flips a submitted agent to approved.
func (app *TestApp) ApproveAgent(t *testing.T, agentID int64) {
	t.Helper()
	app.postJSON(t, fmt.Sprintf("/api/v1/agents/%d/approve", agentID), nil, http.StatusOK)
}

// Hire creates a hiring for the user and returns its id. Provisioning runs
// in the background; callers that need the deployment use
// WaitForDeploymentRunning.
func (app *TestApp) Hire(t *testing.T, userID, agentID int64) int64 {
	t.Helper()
	out := app.postJSON(t, "/api/v1/hirings",
		map[string]any{"user_id": userID, "agent_id": agentID}, http.StatusCreated)
	id, ok := out["id"].(float64)
	require.True(t, ok, "hire response: %v", out)
	return int64(id)
}

// Execute dispatches one operation and returns the settled record. The API
// answers 200 with the record even when the run failed; refusals that happen
// before a record exists are asserted with postJSON instead.
func (app *TestApp) Execute(t *testing.T, hiringID int64, operation string, input any) *models.Execution {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"operation": operation, "input": input})
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("%s/api/v1/hirings/%d/executions", app.BaseURL, hiringID),
		"application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "execute on hiring %d: %s", hiringID, raw)

	exec := &models.Execution{}
	require.NoError(t, json.Unmarshal(raw, exec))
	return exec
}

// GetExecution fetches one execution record by its public id.
func (app *TestApp) GetExecution(t *testing.T, execID string) *models.Execution {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/api/v1/executions/" + execID)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "get execution %s: %s", execID, raw)

	exec := &models.Execution{}
	require.NoError(t, json.Unmarshal(raw, exec))
	return exec
}

// SeedBudget installs a budget row for the user in the current month window.
func (app *TestApp) SeedBudget(t *testing.T, userID int64, periodCap, perCallCap, windowSpend string) {
	t.Helper()
	now := time.Now()
	_, err := app.Store.Budgets().Create(context.Background(), &models.UserBudget{
		UserID:      userID,
		WindowStart: models.MonthWindowStart(now),
		PeriodCap:   dec(periodCap),
		PerCallCap:  dec(perCallCap),
		WindowSpend: dec(windowSpend),
		LastResetAt: now,
	})
	require.NoError(t, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Polling Helpers
// ─────────────────────────────────────────────────────────────────────────────

// WaitForDeploymentRunning polls until the hiring's live deployment reaches
// running and returns the row.
func (app *TestApp) WaitForDeploymentRunning(t *testing.T, hiringID int64) *models.Deployment {
	t.Helper()
	var dep *models.Deployment
	require.Eventually(t, func() bool {
		d, err := app.Store.Deployments().GetLiveByHiring(context.Background(), hiringID)
		if err != nil || d.State != models.DeploymentStateRunning {
			return false
		}
		dep = d
		return true
	}, 15*time.Second, 20*time.Millisecond,
		"deployment for hiring %d never reached running", hiringID)
	return dep
}

// WaitForDeploymentState polls one deployment row until it reaches the state.
func (app *TestApp) WaitForDeploymentState(t *testing.T, deploymentID int64, state models.DeploymentState) *models.Deployment {
	t.Helper()
	var dep *models.Deployment
	require.Eventually(t, func() bool {
		d, err := app.Store.Deployments().Get(context.Background(), deploymentID)
		if err != nil || d.State != state {
			return false
		}
		dep = d
		return true
	}, 15*time.Second, 20*time.Millisecond,
		"deployment %d never reached %s", deploymentID, state)
	return dep
}
