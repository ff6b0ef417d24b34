package hiring

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/admission"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// callLog records deployer and hook invocations in order so tests can assert
// both counts and sequencing across the fakes.
type callLog struct {
	mu     sync.Mutex
	events []string
}

func (l *callLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *callLog) count(ev string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == ev {
			n++
		}
	}
	return n
}

type fakeDeployer struct {
	log       *callLog
	ensureErr error
}

func (f *fakeDeployer) EnsureDeployed(ctx context.Context, h *models.Hiring) (*models.Deployment, error) {
	f.log.add("ensure")
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &models.Deployment{HiringID: h.ID, AgentID: h.AgentID, State: models.DeploymentStateRunning}, nil
}

func (f *fakeDeployer) Undeploy(ctx context.Context, hiringID int64, grace time.Duration) error {
	f.log.add("undeploy")
	return nil
}

type fakeHooks struct {
	log *callLog
}

func (f *fakeHooks) Initialize(ctx context.Context, hiringID int64) (*models.Execution, error) {
	f.log.add("initialize")
	return nil, nil
}

func (f *fakeHooks) Cleanup(ctx context.Context, hiringID int64) (*models.Execution, error) {
	f.log.add("cleanup")
	return nil, nil
}

// styleOps declares an initialize hook whose input schema pins the hiring
// config shape, plus free-form execute and cleanup.
func styleOps() map[string]models.OperationSchemas {
	free := models.OperationSchemas{
		InputSchema:  json.RawMessage(`{"type":"object","additionalProperties":true}`),
		OutputSchema: json.RawMessage(`{"type":"object","additionalProperties":true}`),
	}
	return map[string]models.OperationSchemas{
		models.OpExecute: free,
		models.OpInitialize: {
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"style":{"type":"string"}},"required":["style"]}`),
			OutputSchema: json.RawMessage(`{"type":"object","additionalProperties":true}`),
		},
		models.OpCleanup: free,
	}
}

func executeOnlyOps() map[string]models.OperationSchemas {
	return map[string]models.OperationSchemas{
		models.OpExecute: {
			InputSchema:  json.RawMessage(`{"type":"object","additionalProperties":true}`),
			OutputSchema: json.RawMessage(`{"type":"object","additionalProperties":true}`),
		},
	}
}

type hiringEnv struct {
	svc      *Service
	st       store.Store
	deployer *fakeDeployer
	hooks    *fakeHooks
	log      *callLog
	agent    *models.Agent
}

func newHiringEnv(t *testing.T, kind models.AgentKind, ops map[string]models.OperationSchemas) *hiringEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	if ops == nil {
		ops = styleOps()
	}

	manifest := models.Manifest{
		Name:       "summarizer",
		Version:    "1.0.0",
		Kind:       kind,
		EntryPoint: "main.py",
		Operations: ops,
		Pricing:    models.Pricing{Plan: models.PricingFree},
	}
	if kind.Endpoint() {
		manifest.Deployment = &models.DeploymentSpec{Port: 8080, HealthPath: "/healthz"}
	}
	agent, err := st.Agents().Create(ctx, &models.Agent{
		Name:         "summarizer",
		AgentVersion: "1.0.0",
		Kind:         kind,
		Status:       models.AgentStatusApproved,
		CodeDigest:   "sha256:" + strings.Repeat("ab", 32),
		BundlePath:   "/var/lib/hirebay/bundles/summarizer.zip",
		Manifest:     manifest,
	})
	require.NoError(t, err)

	log := &callLog{}
	deployer := &fakeDeployer{log: log}
	hooks := &fakeHooks{log: log}
	svc := NewService(st, admission.NewService(st, t.TempDir()), deployer, hooks)
	return &hiringEnv{
		svc:      svc,
		st:       st,
		deployer: deployer,
		hooks:    hooks,
		log:      log,
		agent:    agent,
	}
}

// seedHiring creates a hiring row directly, bypassing Hire's background
// provisioning so lifecycle tests start from a quiet call log.
func (e *hiringEnv) seedHiring(t *testing.T, status models.HiringStatus) *models.Hiring {
	t.Helper()
	userID := int64(7)
	h, err := e.st.Hirings().Create(context.Background(), &models.Hiring{
		AgentID: e.agent.ID,
		UserID:  &userID,
		Status:  status,
		Config:  models.JSONDoc(`{"style":"brief"}`),
	})
	require.NoError(t, err)
	return h
}

func (e *hiringEnv) waitFor(t *testing.T, event string, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return e.log.count(event) >= n
	}, time.Second, 10*time.Millisecond)
}

func TestHireProvisionsDeployableAgent(t *testing.T) {
	env := newHiringEnv(t, models.KindEndpointServer, nil)

	h, err := env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{"style":"brief"}`))
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusActive, h.Status)
	assert.JSONEq(t, `{"style":"brief"}`, string(h.Config))
	require.NotNil(t, h.UserID)
	assert.Equal(t, int64(7), *h.UserID)

	env.waitFor(t, "initialize", 1)
	assert.Equal(t, []string{"ensure", "initialize"}, env.log.list())
}

func TestHireSandboxedSkipsDeployment(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)

	h, err := env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{"style":"brief"}`))
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusActive, h.Status)

	env.waitFor(t, "initialize", 1)
	assert.Zero(t, env.log.count("ensure"))
}

func TestHireDeployFailureSkipsInitialize(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionContainerized, nil)
	env.deployer.ensureErr = fault.New(fault.CategoryInfrastructure, fault.CodeDeployTimeout, "startup deadline exceeded")

	h, err := env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{"style":"brief"}`))
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusActive, h.Status)

	env.waitFor(t, "ensure", 1)
	assert.Never(t, func() bool {
		return env.log.count("initialize") > 0
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestHireRejectsUnapprovedAgent(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)
	env.agent.Status = models.AgentStatusSubmitted
	_, err := env.st.Agents().Update(context.Background(), env.agent)
	require.NoError(t, err)

	_, err = env.svc.Hire(context.Background(), 7, env.agent.ID, nil)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeAgentNotApproved))

	hirings, err := env.st.Hirings().List(context.Background(), store.HiringFilter{})
	require.NoError(t, err)
	assert.Empty(t, hirings)
}

func TestHireUnknownAgent(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)

	_, err := env.svc.Hire(context.Background(), 7, env.agent.ID+100, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHireValidatesConfigAgainstInitializeSchema(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)

	_, err := env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{"style":123}`))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation))
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "$.style", f.Path)

	hirings, err := env.st.Hirings().List(context.Background(), store.HiringFilter{})
	require.NoError(t, err)
	assert.Empty(t, hirings)
	assert.Empty(t, env.log.list())
}

func TestHireDefaultsEmptyConfig(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, executeOnlyOps())

	h, err := env.svc.Hire(context.Background(), 7, env.agent.ID, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(h.Config))
}

func TestHireWithoutInitializeAcceptsAnyObject(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, executeOnlyOps())

	h, err := env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{"free":"form"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"free":"form"}`, string(h.Config))

	_, err = env.svc.Hire(context.Background(), 7, env.agent.ID, []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation))
}

func TestSuspendReleasesDeployment(t *testing.T) {
	env := newHiringEnv(t, models.KindEndpointServer, nil)
	h := env.seedHiring(t, models.HiringStatusActive)

	updated, err := env.svc.Suspend(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusSuspended, updated.Status)
	assert.Equal(t, []string{"undeploy"}, env.log.list())

	// Suspending again is a no-op and does not undeploy twice.
	again, err := env.svc.Suspend(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusSuspended, again.Status)
	assert.Equal(t, 1, env.log.count("undeploy"))
}

func TestResumeRedeploys(t *testing.T) {
	env := newHiringEnv(t, models.KindEndpointServer, nil)
	h := env.seedHiring(t, models.HiringStatusSuspended)

	updated, err := env.svc.Resume(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusActive, updated.Status)

	env.waitFor(t, "ensure", 1)
	// Resume never re-runs the initialize hook.
	assert.Zero(t, env.log.count("initialize"))

	again, err := env.svc.Resume(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusActive, again.Status)
}

func TestCancelRunsCleanupBeforeUndeploy(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionContainerized, nil)
	h := env.seedHiring(t, models.HiringStatusActive)

	updated, err := env.svc.Cancel(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusCancelled, updated.Status)
	assert.Equal(t, []string{"cleanup", "undeploy"}, env.log.list())

	// Cancelling again is a no-op.
	again, err := env.svc.Cancel(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusCancelled, again.Status)
	assert.Equal(t, []string{"cleanup", "undeploy"}, env.log.list())
}

func TestCancelledHiringRefusesOtherTransitions(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)
	h := env.seedHiring(t, models.HiringStatusCancelled)

	_, err := env.svc.Suspend(context.Background(), h.ID)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeHiringTerminated))

	_, err = env.svc.Resume(context.Background(), h.ID)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeHiringTerminated))

	_, err = env.svc.UpdateConfig(context.Background(), h.ID, []byte(`{"style":"terse"}`))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeHiringTerminated))

	got, err := env.st.Hirings().Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HiringStatusCancelled, got.Status)
}

func TestLifecycleOnUnknownHiring(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)

	_, err := env.svc.Suspend(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.svc.Resume(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.svc.Cancel(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateConfigValidatesAndPersists(t *testing.T) {
	env := newHiringEnv(t, models.KindFunctionSandboxed, nil)
	h := env.seedHiring(t, models.HiringStatusActive)

	updated, err := env.svc.UpdateConfig(context.Background(), h.ID, []byte(`{"style":"terse"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"terse"}`, string(updated.Config))

	_, err = env.svc.UpdateConfig(context.Background(), h.ID, []byte(`{"style":7}`))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation))

	got, err := env.st.Hirings().Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"terse"}`, string(got.Config))
}

func TestUpdateConfigLockedWhileDeployed(t *testing.T) {
	env := newHiringEnv(t, models.KindEndpointServer, nil)
	h := env.seedHiring(t, models.HiringStatusActive)

	_, err := env.st.Deployments().Create(context.Background(), &models.Deployment{
		HiringID: h.ID,
		AgentID:  env.agent.ID,
		Kind:     env.agent.Kind,
		State:    models.DeploymentStateRunning,
	})
	require.NoError(t, err)

	_, err = env.svc.UpdateConfig(context.Background(), h.ID, []byte(`{"style":"terse"}`))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeConfigLocked))
}
