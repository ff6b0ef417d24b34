package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

// fakeUndeployer settles the hiring's live deployment in stopped, the way
// the real controller does, and records which hirings it was asked about.
type fakeUndeployer struct {
	st store.Store

	mu      sync.Mutex
	hirings []int64
}

func (f *fakeUndeployer) Undeploy(ctx context.Context, hiringID int64, grace time.Duration) error {
	f.mu.Lock()
	f.hirings = append(f.hirings, hiringID)
	f.mu.Unlock()

	d, err := f.st.Deployments().GetLiveByHiring(ctx, hiringID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.State = models.DeploymentStateStopped
	_, err = f.st.Deployments().Update(ctx, d)
	return err
}

func (f *fakeUndeployer) undeployed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.hirings...)
}

type cleanupEnv struct {
	svc        *Service
	st         store.Store
	engine     *container.Fake
	undeployer *fakeUndeployer
	rc         *config.RuntimeConfig
	agent      *models.Agent
}

func newCleanupEnv(t *testing.T) *cleanupEnv {
	t.Helper()
	st := store.NewMemory()
	agent, err := st.Agents().Create(context.Background(), &models.Agent{
		Name:         "janitor-target",
		AgentVersion: "1.0.0",
		Kind:         models.KindEndpointServer,
		Status:       models.AgentStatusApproved,
	})
	require.NoError(t, err)

	rc := config.DefaultRuntimeConfig()
	rc.ExecutionTimeout = 50 * time.Millisecond

	engine := container.NewFake()
	undeployer := &fakeUndeployer{st: st}
	return &cleanupEnv{
		svc:        NewService(rc, st, engine, undeployer),
		st:         st,
		engine:     engine,
		undeployer: undeployer,
		rc:         rc,
		agent:      agent,
	}
}

func (e *cleanupEnv) seedHiring(t *testing.T, status models.HiringStatus) *models.Hiring {
	t.Helper()
	h, err := e.st.Hirings().Create(context.Background(), &models.Hiring{
		AgentID: e.agent.ID,
		Status:  status,
		Config:  models.JSONDoc(`{}`),
	})
	require.NoError(t, err)
	return h
}

func (e *cleanupEnv) seedDeployment(t *testing.T, hiringID int64, state models.DeploymentState, containerID string) *models.Deployment {
	t.Helper()
	d, err := e.st.Deployments().Create(context.Background(), &models.Deployment{
		HiringID:    hiringID,
		AgentID:     e.agent.ID,
		Kind:        e.agent.Kind,
		State:       state,
		ContainerID: containerID,
	})
	require.NoError(t, err)
	return d
}

// startContainer registers a running container with the fake engine labeled
// for the given deployment id.
func (e *cleanupEnv) startContainer(t *testing.T, deploymentID int64) string {
	t.Helper()
	res, err := e.engine.Start(context.Background(), container.StartSpec{
		ImageTag:     "hirebay/agent:test",
		DeploymentID: deploymentID,
		Kind:         models.KindEndpointServer,
		Port:         8080,
	})
	require.NoError(t, err)
	return res.Handle.ContainerID
}

func TestReapAbandonedDeployments(t *testing.T) {
	env := newCleanupEnv(t)
	ctx := context.Background()

	cancelled := env.seedHiring(t, models.HiringStatusCancelled)
	env.seedDeployment(t, cancelled.ID, models.DeploymentStateRunning, "c-cancelled")
	suspended := env.seedHiring(t, models.HiringStatusSuspended)
	env.seedDeployment(t, suspended.ID, models.DeploymentStateStarting, "c-suspended")
	active := env.seedHiring(t, models.HiringStatusActive)
	kept := env.seedDeployment(t, active.ID, models.DeploymentStateRunning, "c-active")

	env.svc.RunOnce(ctx)

	assert.ElementsMatch(t, []int64{cancelled.ID, suspended.ID}, env.undeployer.undeployed())

	got, err := env.st.Deployments().Get(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStateRunning, got.State)

	// The second sweep finds nothing live to reap.
	env.svc.RunOnce(ctx)
	assert.Len(t, env.undeployer.undeployed(), 2)
}

func TestReapOrphanContainers(t *testing.T) {
	env := newCleanupEnv(t)
	ctx := context.Background()
	h := env.seedHiring(t, models.HiringStatusActive)

	// No deployment row at all.
	ghost := env.startContainer(t, 999)

	// Row settled terminal but the container survived the stop.
	stoppedRow := env.seedDeployment(t, h.ID, models.DeploymentStateStopped, "")
	leftover := env.startContainer(t, stoppedRow.ID)

	// Live row whose container id is not written yet; the container runs.
	h2 := env.seedHiring(t, models.HiringStatusActive)
	startingRow := env.seedDeployment(t, h2.ID, models.DeploymentStateStarting, "")
	adopting := env.startContainer(t, startingRow.ID)

	// Live row pointing at a replacement; the old corpse is stopped.
	h3 := env.seedHiring(t, models.HiringStatusActive)
	d := env.seedDeployment(t, h3.ID, models.DeploymentStateRunning, "")
	corpse := env.startContainer(t, d.ID)
	env.engine.Stop(ctx, container.Handle{ContainerID: corpse}, 0)
	current := env.startContainer(t, d.ID)
	d.ContainerID = current
	_, err := env.st.Deployments().Update(ctx, d)
	require.NoError(t, err)

	env.svc.RunOnce(ctx)

	assert.ElementsMatch(t, []string{ghost, leftover, corpse}, env.engine.Removals())
	assert.True(t, env.engine.Running(adopting))
	assert.True(t, env.engine.Running(current))
}

func TestRollBudgetWindows(t *testing.T) {
	env := newCleanupEnv(t)
	ctx := context.Background()

	lastMonth := models.MonthWindowStart(time.Now()).AddDate(0, -1, 0)
	lapsed, err := env.st.Budgets().Create(ctx, &models.UserBudget{
		UserID:      1,
		WindowStart: lastMonth,
		PeriodCap:   decimal.RequireFromString("50"),
		PerCallCap:  decimal.RequireFromString("5"),
		WindowSpend: decimal.RequireFromString("41.10"),
	})
	require.NoError(t, err)
	current, err := env.st.Budgets().Create(ctx, &models.UserBudget{
		UserID:      2,
		WindowStart: models.MonthWindowStart(time.Now()),
		PeriodCap:   decimal.RequireFromString("50"),
		PerCallCap:  decimal.RequireFromString("5"),
		WindowSpend: decimal.RequireFromString("3.25"),
	})
	require.NoError(t, err)

	env.svc.RunOnce(ctx)

	rolled, err := env.st.Budgets().GetByUser(ctx, lapsed.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.MonthWindowStart(time.Now()), rolled.WindowStart)
	assert.True(t, rolled.WindowSpend.IsZero())
	assert.False(t, rolled.LastResetAt.IsZero())

	untouched, err := env.st.Budgets().GetByUser(ctx, current.UserID)
	require.NoError(t, err)
	assert.True(t, untouched.WindowSpend.Equal(decimal.RequireFromString("3.25")))
}

func TestFailStaleExecutions(t *testing.T) {
	env := newCleanupEnv(t)
	ctx := context.Background()
	h := env.seedHiring(t, models.HiringStatusActive)

	seed := func(execID string) *models.Execution {
		e, err := env.st.Executions().Create(ctx, &models.Execution{
			ExecID:    execID,
			AgentID:   env.agent.ID,
			HiringID:  &h.ID,
			Operation: models.OpExecute,
			State:     models.ExecutionStatePending,
			Input:     models.JSONDoc(`{}`),
		})
		require.NoError(t, err)
		return e
	}
	run := func(e *models.Execution, last time.Time) *models.Execution {
		e.State = models.ExecutionStateRunning
		e.StartedAt = &last
		e.HeartbeatAt = &last
		updated, err := env.st.Executions().Update(ctx, e)
		require.NoError(t, err)
		return updated
	}

	abandoned := seed("exec-pending")
	wedged := run(seed("exec-wedged"), time.Now().Add(-time.Hour))
	healthy := run(seed("exec-healthy"), time.Now())

	// The horizon is 2 x 50ms; age the pending row past it and refresh the
	// healthy worker's heartbeat right before the sweep.
	time.Sleep(150 * time.Millisecond)
	now := time.Now()
	healthy.HeartbeatAt = &now
	healthy, err := env.st.Executions().Update(ctx, healthy)
	require.NoError(t, err)

	env.svc.RunOnce(ctx)

	got, err := env.st.Executions().Get(ctx, wedged.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateFailed, got.State)
	assert.Equal(t, string(fault.CodeStale), got.ErrorCode)
	assert.Equal(t, string(fault.CategoryInfrastructure), got.ErrorCategory)
	require.NotNil(t, got.CompletedAt)
	assert.Positive(t, got.DurationMS)

	got, err = env.st.Executions().Get(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateFailed, got.State)
	assert.Equal(t, string(fault.CodeStale), got.ErrorCode)

	got, err = env.st.Executions().Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateRunning, got.State)
}

func TestSweepWarnings(t *testing.T) {
	env := newCleanupEnv(t)
	ctx := context.Background()
	w := warnings.NewService()
	env.svc.SetWarnings(w)

	// Two containers nothing claims and one pending execution past the horizon.
	env.startContainer(t, 991)
	env.startContainer(t, 992)
	h := env.seedHiring(t, models.HiringStatusActive)
	_, err := env.st.Executions().Create(ctx, &models.Execution{
		ExecID:    "exec-stale",
		AgentID:   env.agent.ID,
		HiringID:  &h.ID,
		Operation: models.OpExecute,
		State:     models.ExecutionStatePending,
		Input:     models.JSONDoc(`{}`),
	})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	env.svc.RunOnce(ctx)

	byCategory := map[string]string{}
	for _, warn := range w.List() {
		byCategory[warn.Category] = warn.Message
	}
	assert.Equal(t, "2 containers had no live deployment row", byCategory[warnings.CategoryOrphanContainers])
	assert.Equal(t, "1 executions abandoned by their worker were failed", byCategory[warnings.CategoryStaleExecutions])

	// A clean pass clears both notices.
	env.svc.RunOnce(ctx)
	assert.Empty(t, w.List())
}

func TestStartStop(t *testing.T) {
	env := newCleanupEnv(t)
	env.rc.CleanupInterval = 10 * time.Millisecond

	env.svc.Start(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
