package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/test/util"
)

// Both implementations run the same suite: the in-memory fake must behave
// exactly like PostgreSQL for everything the runtime relies on.

func TestStoreMemory(t *testing.T) {
	runStoreTests(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestStorePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL store tests in short mode")
	}
	runStoreTests(t, func(t *testing.T) store.Store {
		return util.SetupTestStore(t)
	})
}

const contractManifest = `{
	"name": "echo",
	"version": "1.0.0",
	"kind": "function-sandboxed",
	"entry_point": "main.py",
	"operations": {
		"execute": {
			"inputSchema": {"type": "object"},
			"outputSchema": {"type": "object"}
		}
	},
	"pricing": {"plan": "free", "price": "0"}
}`

func seedAgent(t *testing.T, s store.Store, name, version string) *models.Agent {
	t.Helper()
	m, err := models.ParseManifest([]byte(contractManifest))
	require.NoError(t, err)

	a, err := s.Agents().Create(context.Background(), &models.Agent{
		Name:         name,
		AgentVersion: version,
		Kind:         models.KindFunctionSandboxed,
		Status:       models.AgentStatusApproved,
		CodeDigest:   "sha256:0123",
		BundlePath:   "/var/lib/hirebay/bundles/" + name + ".zip",
		Manifest:     m,
	})
	require.NoError(t, err)
	return a
}

func seedHiring(t *testing.T, s store.Store, agentID int64) *models.Hiring {
	t.Helper()
	userID := int64(7)
	h, err := s.Hirings().Create(context.Background(), &models.Hiring{
		AgentID: agentID,
		UserID:  &userID,
		Status:  models.HiringStatusActive,
	})
	require.NoError(t, err)
	return h
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("agent round trip", func(t *testing.T) {
		s := newStore(t)
		created := seedAgent(t, s, "echo", "1.0.0")

		assert.Positive(t, created.ID)
		assert.Equal(t, int64(1), created.Version)
		assert.False(t, created.CreatedAt.IsZero())
		assert.False(t, created.UpdatedAt.IsZero())

		got, err := s.Agents().Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "echo", got.Name)
		assert.Equal(t, models.KindFunctionSandboxed, got.Kind)
		assert.Equal(t, "echo", got.Manifest.Name)
		_, ok := got.Manifest.Operations[models.OpExecute]
		assert.True(t, ok, "manifest operations must survive the JSONB round trip")

		byName, err := s.Agents().GetByNameVersion(ctx, "echo", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)

		got.Status = models.AgentStatusRejected
		updated, err := s.Agents().Update(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, models.AgentStatusRejected, updated.Status)
	})

	t.Run("agent duplicate name version", func(t *testing.T) {
		s := newStore(t)
		seedAgent(t, s, "echo", "1.0.0")

		m, err := models.ParseManifest([]byte(contractManifest))
		require.NoError(t, err)
		_, err = s.Agents().Create(ctx, &models.Agent{
			Name:         "echo",
			AgentVersion: "1.0.0",
			Kind:         models.KindFunctionSandboxed,
			Status:       models.AgentStatusSubmitted,
			CodeDigest:   "sha256:4567",
			BundlePath:   "/var/lib/hirebay/bundles/echo-dup.zip",
			Manifest:     m,
		})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		// A new version of the same name is fine.
		seedAgent(t, s, "echo", "1.0.1")
	})

	t.Run("optimistic version conflict", func(t *testing.T) {
		s := newStore(t)
		created := seedAgent(t, s, "echo", "1.0.0")

		first, err := s.Agents().Get(ctx, created.ID)
		require.NoError(t, err)
		second, err := s.Agents().Get(ctx, created.ID)
		require.NoError(t, err)

		first.Status = models.AgentStatusRejected
		_, err = s.Agents().Update(ctx, first)
		require.NoError(t, err)

		second.Status = models.AgentStatusApproved
		_, err = s.Agents().Update(ctx, second)
		assert.ErrorIs(t, err, store.ErrConflict)

		missing := *first
		missing.ID = 424242
		_, err = s.Agents().Update(ctx, &missing)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Agents().Get(ctx, 424242)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Agents().GetByNameVersion(ctx, "ghost", "0.0.1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("agent list filters and paging", func(t *testing.T) {
		s := newStore(t)
		a1 := seedAgent(t, s, "alpha", "1.0.0")
		a2 := seedAgent(t, s, "beta", "1.0.0")

		m, err := models.ParseManifest([]byte(contractManifest))
		require.NoError(t, err)
		_, err = s.Agents().Create(ctx, &models.Agent{
			Name:         "gamma",
			AgentVersion: "1.0.0",
			Kind:         models.KindFunctionSandboxed,
			Status:       models.AgentStatusSubmitted,
			CodeDigest:   "sha256:89ab",
			BundlePath:   "/var/lib/hirebay/bundles/gamma.zip",
			Manifest:     m,
		})
		require.NoError(t, err)

		approved, err := s.Agents().List(ctx, store.AgentFilter{Status: models.AgentStatusApproved})
		require.NoError(t, err)
		require.Len(t, approved, 2)
		assert.Equal(t, a1.ID, approved[0].ID)
		assert.Equal(t, a2.ID, approved[1].ID)

		page, err := s.Agents().List(ctx, store.AgentFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, a2.ID, page[0].ID)

		byName, err := s.Agents().List(ctx, store.AgentFilter{Name: "alpha"})
		require.NoError(t, err)
		require.Len(t, byName, 1)
		assert.Equal(t, a1.ID, byName[0].ID)
	})

	t.Run("hiring config round trip", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")

		_, err := s.Hirings().Create(ctx, &models.Hiring{AgentID: 424242, Status: models.HiringStatusActive})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		userID := int64(7)
		withConfig, err := s.Hirings().Create(ctx, &models.Hiring{
			AgentID: agent.ID,
			UserID:  &userID,
			Status:  models.HiringStatusActive,
			Config:  models.JSONDoc(`{"team": "qa"}`),
		})
		require.NoError(t, err)

		got, err := s.Hirings().Get(ctx, withConfig.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"team": "qa"}`, string(got.Config))
		require.NotNil(t, got.UserID)
		assert.Equal(t, int64(7), *got.UserID)

		// NULL config must come back as nil, not empty JSON.
		noConfig, err := s.Hirings().Create(ctx, &models.Hiring{
			AgentID: agent.ID,
			Status:  models.HiringStatusActive,
		})
		require.NoError(t, err)
		got, err = s.Hirings().Get(ctx, noConfig.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Config)
		assert.Nil(t, got.UserID)

		listed, err := s.Hirings().List(ctx, store.HiringFilter{UserID: 7})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, withConfig.ID, listed[0].ID)
	})

	t.Run("single live deployment per hiring", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")
		hiring := seedHiring(t, s, agent.ID)

		first, err := s.Deployments().Create(ctx, &models.Deployment{
			HiringID: hiring.ID,
			AgentID:  agent.ID,
			Kind:     agent.Kind,
			State:    models.DeploymentStatePending,
			ResourceCaps: models.ResourceCaps{
				MemoryBytes: 128 << 20,
				CPUQuota:    0.25,
				PIDsLimit:   50,
			},
		})
		require.NoError(t, err)

		_, err = s.Deployments().Create(ctx, &models.Deployment{
			HiringID: hiring.ID,
			AgentID:  agent.ID,
			Kind:     agent.Kind,
			State:    models.DeploymentStatePending,
		})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		live, err := s.Deployments().GetLiveByHiring(ctx, hiring.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, live.ID)

		live.State = models.DeploymentStateStopped
		_, err = s.Deployments().Update(ctx, live)
		require.NoError(t, err)

		_, err = s.Deployments().GetLiveByHiring(ctx, hiring.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// With the first one terminal, a replacement may be created.
		second, err := s.Deployments().Create(ctx, &models.Deployment{
			HiringID: hiring.ID,
			AgentID:  agent.ID,
			Kind:     agent.Kind,
			State:    models.DeploymentStatePending,
		})
		require.NoError(t, err)

		byState, err := s.Deployments().List(ctx, store.DeploymentFilter{
			HiringID: hiring.ID,
			States:   []models.DeploymentState{models.DeploymentStatePending},
		})
		require.NoError(t, err)
		require.Len(t, byState, 1)
		assert.Equal(t, second.ID, byState[0].ID)
	})

	t.Run("execution updates keep identity and input", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")
		hiring := seedHiring(t, s, agent.ID)

		created, err := s.Executions().Create(ctx, &models.Execution{
			ExecID:    "exec-1",
			AgentID:   agent.ID,
			HiringID:  &hiring.ID,
			UserID:    hiring.UserID,
			Operation: models.OpExecute,
			State:     models.ExecutionStatePending,
			Input:     models.JSONDoc(`{"text": "hi"}`),
		})
		require.NoError(t, err)

		_, err = s.Executions().Create(ctx, &models.Execution{
			ExecID:  "exec-1",
			AgentID: agent.ID,
			State:   models.ExecutionStatePending,
		})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		started := time.Now().UTC().Truncate(time.Millisecond)
		created.State = models.ExecutionStateRunning
		created.StartedAt = &started
		created.Input = nil // must not clear the stored input
		running, err := s.Executions().Update(ctx, created)
		require.NoError(t, err)
		assert.Equal(t, int64(2), running.Version)
		assert.JSONEq(t, `{"text": "hi"}`, string(running.Input))

		completed := started.Add(250 * time.Millisecond)
		running.State = models.ExecutionStateCompleted
		running.CompletedAt = &completed
		running.DurationMS = 250
		running.Output = models.JSONDoc(`{"text": "hi"}`)
		running.CostTotal = decimal.RequireFromString("0.0035")
		final, err := s.Executions().Update(ctx, running)
		require.NoError(t, err)

		got, err := s.Executions().GetByExecID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, final.ID, got.ID)
		assert.Equal(t, models.ExecutionStateCompleted, got.State)
		assert.JSONEq(t, `{"text": "hi"}`, string(got.Output))
		assert.True(t, got.CostTotal.Equal(decimal.RequireFromString("0.0035")), got.CostTotal.String())
		assert.Equal(t, models.OpExecute, got.Operation)
	})

	t.Run("usage rows append in order and sum", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")
		hiring := seedHiring(t, s, agent.ID)
		exec, err := s.Executions().Create(ctx, &models.Execution{
			ExecID:   "exec-1",
			AgentID:  agent.ID,
			HiringID: &hiring.ID,
			State:    models.ExecutionStateRunning,
		})
		require.NoError(t, err)

		costs := []string{"0.001", "0.002", "0.0005"}
		for i, c := range costs {
			_, err := s.Usage().Append(ctx, &models.UsageRow{
				ExecutionID: exec.ID,
				Family:      models.FamilyLLMCompletion,
				Provider:    "anthropic",
				Model:       "claude-sonnet-4-5",
				Operation:   "complete",
				InputUnits:  int64(100 * (i + 1)),
				OutputUnits: int64(10 * (i + 1)),
				Cost:        decimal.RequireFromString(c),
				Metadata:    models.MetaMap{"seq": c},
			})
			require.NoError(t, err)
		}

		rows, err := s.Usage().ListByExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, c := range costs {
			assert.True(t, rows[i].Cost.Equal(decimal.RequireFromString(c)),
				"row %d out of order: %s", i, rows[i].Cost.String())
		}

		total, err := s.Usage().SumByExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.RequireFromString("0.0035")), total.String())

		_, err = s.Usage().Append(ctx, &models.UsageRow{
			ExecutionID: 424242,
			Family:      models.FamilyLLMCompletion,
			Provider:    "anthropic",
			Operation:   "complete",
		})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		// Zero rows sum to zero, not an error.
		empty, err := s.Executions().Create(ctx, &models.Execution{
			ExecID:  "exec-2",
			AgentID: agent.ID,
			State:   models.ExecutionStatePending,
		})
		require.NoError(t, err)
		total, err = s.Usage().SumByExecution(ctx, empty.ID)
		require.NoError(t, err)
		assert.True(t, total.IsZero())
	})

	t.Run("stale running executions", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")
		now := time.Now().UTC()
		staleBeat := now.Add(-time.Hour)
		freshBeat := now

		stale, err := s.Executions().Create(ctx, &models.Execution{
			ExecID:      "exec-stale",
			AgentID:     agent.ID,
			State:       models.ExecutionStateRunning,
			HeartbeatAt: &staleBeat,
		})
		require.NoError(t, err)
		_, err = s.Executions().Create(ctx, &models.Execution{
			ExecID:      "exec-fresh",
			AgentID:     agent.ID,
			State:       models.ExecutionStateRunning,
			HeartbeatAt: &freshBeat,
		})
		require.NoError(t, err)
		_, err = s.Executions().Create(ctx, &models.Execution{
			ExecID:  "exec-pending",
			AgentID: agent.ID,
			State:   models.ExecutionStatePending,
		})
		require.NoError(t, err)

		reapable, err := s.Executions().List(ctx, store.ExecutionFilter{
			RunningBefore: now.Add(-30 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, reapable, 1)
		assert.Equal(t, stale.ID, reapable[0].ID)

		n, err := s.Executions().CountActiveByHiring(ctx, 424242)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("count active executions by hiring", func(t *testing.T) {
		s := newStore(t)
		agent := seedAgent(t, s, "echo", "1.0.0")
		hiring := seedHiring(t, s, agent.ID)

		states := []models.ExecutionState{
			models.ExecutionStatePending,
			models.ExecutionStateRunning,
			models.ExecutionStateCompleted,
		}
		for i, st := range states {
			_, err := s.Executions().Create(ctx, &models.Execution{
				ExecID:   "exec-" + string(rune('a'+i)),
				AgentID:  agent.ID,
				HiringID: &hiring.ID,
				State:    st,
			})
			require.NoError(t, err)
		}

		n, err := s.Executions().CountActiveByHiring(ctx, hiring.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("budget unique per user", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		created, err := s.Budgets().Create(ctx, &models.UserBudget{
			UserID:      7,
			WindowStart: models.MonthWindowStart(now),
			PeriodCap:   decimal.NewFromInt(25),
			PerCallCap:  decimal.NewFromInt(1),
			WindowSpend: decimal.Zero,
			LastResetAt: now,
		})
		require.NoError(t, err)

		_, err = s.Budgets().Create(ctx, &models.UserBudget{
			UserID:      7,
			WindowStart: models.MonthWindowStart(now),
			PeriodCap:   decimal.NewFromInt(50),
			PerCallCap:  decimal.NewFromInt(2),
			LastResetAt: now,
		})
		assert.ErrorIs(t, err, store.ErrIntegrityViolation)

		got, err := s.Budgets().GetByUser(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.True(t, got.PeriodCap.Equal(decimal.NewFromInt(25)))

		got.WindowSpend = decimal.RequireFromString("0.5")
		updated, err := s.Budgets().Update(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.True(t, updated.WindowSpend.Equal(decimal.RequireFromString("0.5")))

		_, err = s.Budgets().GetByUser(ctx, 8)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("credential upsert get delete", func(t *testing.T) {
		s := newStore(t)

		first, err := s.Credentials().Put(ctx, &models.Credential{
			UserID:     7,
			Provider:   "anthropic",
			Ciphertext: []byte("sealed-1"),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)

		second, err := s.Credentials().Put(ctx, &models.Credential{
			UserID:     7,
			Provider:   "anthropic",
			Ciphertext: []byte("sealed-2"),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int64(2), second.Version)

		got, err := s.Credentials().GetByUserProvider(ctx, 7, "anthropic")
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed-2"), got.Ciphertext)

		require.NoError(t, s.Credentials().Delete(ctx, 7, "anthropic"))
		assert.ErrorIs(t, s.Credentials().Delete(ctx, 7, "anthropic"), store.ErrNotFound)
		_, err = s.Credentials().GetByUserProvider(ctx, 7, "anthropic")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("transaction rollback discards writes", func(t *testing.T) {
		s := newStore(t)

		m, err := models.ParseManifest([]byte(contractManifest))
		require.NoError(t, err)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		created, err := tx.Agents().Create(ctx, &models.Agent{
			Name:         "echo",
			AgentVersion: "1.0.0",
			Kind:         models.KindFunctionSandboxed,
			Status:       models.AgentStatusSubmitted,
			CodeDigest:   "sha256:0123",
			BundlePath:   "/var/lib/hirebay/bundles/echo.zip",
			Manifest:     m,
		})
		require.NoError(t, err)

		// Visible inside the transaction.
		_, err = tx.Agents().Get(ctx, created.ID)
		require.NoError(t, err)

		require.NoError(t, tx.Rollback())

		_, err = s.Agents().Get(ctx, created.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("run in tx commits or rolls back atomically", func(t *testing.T) {
		s := newStore(t)

		var agentID int64
		err := s.RunInTx(ctx, func(r store.Repos) error {
			m, err := models.ParseManifest([]byte(contractManifest))
			if err != nil {
				return err
			}
			a, err := r.Agents().Create(ctx, &models.Agent{
				Name:         "echo",
				AgentVersion: "1.0.0",
				Kind:         models.KindFunctionSandboxed,
				Status:       models.AgentStatusApproved,
				CodeDigest:   "sha256:0123",
				BundlePath:   "/var/lib/hirebay/bundles/echo.zip",
				Manifest:     m,
			})
			if err != nil {
				return err
			}
			agentID = a.ID
			_, err = r.Hirings().Create(ctx, &models.Hiring{
				AgentID: a.ID,
				Status:  models.HiringStatusActive,
			})
			return err
		})
		require.NoError(t, err)

		_, err = s.Agents().Get(ctx, agentID)
		require.NoError(t, err)
		hirings, err := s.Hirings().List(ctx, store.HiringFilter{AgentID: agentID})
		require.NoError(t, err)
		assert.Len(t, hirings, 1)

		// An error from the body must abort every write.
		boom := errors.New("boom")
		var orphanID int64
		err = s.RunInTx(ctx, func(r store.Repos) error {
			m, err := models.ParseManifest([]byte(contractManifest))
			if err != nil {
				return err
			}
			a, err := r.Agents().Create(ctx, &models.Agent{
				Name:         "echo",
				AgentVersion: "2.0.0",
				Kind:         models.KindFunctionSandboxed,
				Status:       models.AgentStatusApproved,
				CodeDigest:   "sha256:4567",
				BundlePath:   "/var/lib/hirebay/bundles/echo2.zip",
				Manifest:     m,
			})
			if err != nil {
				return err
			}
			orphanID = a.ID
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Agents().Get(ctx, orphanID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
