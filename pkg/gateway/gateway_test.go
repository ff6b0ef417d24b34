package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRates() map[config.RateKey]config.Rate {
	return map[config.RateKey]config.Rate{
		{Family: models.FamilyLLMCompletion, Provider: "anthropic", Operation: config.GatewayOpComplete}: {
			PerInputUnit:  dec("0.00001"),
			PerOutputUnit: dec("0.00002"),
		},
		{Family: models.FamilyLLMEmbedding, Provider: "openai", Operation: config.GatewayOpEmbed}: {
			PerInputUnit: dec("0.0000001"),
		},
		{Family: models.FamilyVectorOp, Provider: "redis-local", Operation: config.GatewayOpUpsert}: {
			PerInputUnit: dec("0.0001"),
		},
		{Family: models.FamilyVectorOp, Provider: "redis-local", Operation: config.GatewayOpQuery}: {
			PerInputUnit: dec("0.0005"),
		},
		{Family: models.FamilyWebSearch, Provider: "websearch", Operation: config.GatewayOpSearch}: {
			PerInputUnit: dec("0.005"),
		},
	}
}

// stubClient replaces a provider adapter in white-box tests.
type stubClient struct {
	mu   sync.Mutex
	out  *providerOutput
	errs []error // consumed one per call; a nil entry means success
	err  error   // returned once errs is exhausted

	calls int
	keys  []string
}

func (f *stubClient) invoke(_ context.Context, call *providerCall) (*providerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, call.apiKey)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
		return f.out, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type gatewayEnv struct {
	svc   *Service
	st    store.Store
	agent *models.Agent
	exec  *models.Execution
	user  int64
}

func seedExecution(t *testing.T, st store.Store, agentID int64, userID int64, execID string, state models.ExecutionState) *models.Execution {
	t.Helper()
	ctx := context.Background()
	h, err := st.Hirings().Create(ctx, &models.Hiring{
		AgentID: agentID,
		UserID:  &userID,
		Status:  models.HiringStatusActive,
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	e, err := st.Executions().Create(ctx, &models.Execution{
		ExecID:    execID,
		AgentID:   agentID,
		HiringID:  &h.ID,
		UserID:    &userID,
		Operation: "execute",
		State:     state,
		StartedAt: &now,
	})
	require.NoError(t, err)
	return e
}

func newGatewayEnv(t *testing.T, providers map[string]*config.ProviderConfig) *gatewayEnv {
	t.Helper()
	st := store.NewMemory()

	a, err := st.Agents().Create(context.Background(), &models.Agent{
		Name:         "research-helper",
		AgentVersion: "1.0.0",
		Kind:         models.KindFunctionSandboxed,
		Status:       models.AgentStatusApproved,
		CodeDigest:   "sha256:" + strings.Repeat("cd", 32),
		BundlePath:   "/var/lib/hirebay/bundles/research-helper.zip",
		Manifest: models.Manifest{
			Name:       "research-helper",
			Version:    "1.0.0",
			Kind:       models.KindFunctionSandboxed,
			EntryPoint: "main.py",
			Operations: map[string]models.OperationSchemas{
				"execute": {
					InputSchema:  json.RawMessage(`{"type":"object"}`),
					OutputSchema: json.RawMessage(`{"type":"object"}`),
				},
			},
		},
	})
	require.NoError(t, err)

	exec := seedExecution(t, st, a.ID, 1, "exec-gw-1", models.ExecutionStateRunning)

	keyring, err := NewKeyring("test-sealing-secret")
	require.NoError(t, err)

	rc := config.DefaultRuntimeConfig()
	rc.ProviderTimeout = 2 * time.Second
	cfg := &config.Config{
		Runtime:   rc,
		Providers: config.NewProviderRegistry(providers),
		RateCard:  config.NewRateCard("test", "USD", testRates()),
		Budget:    config.BudgetDefaults{PeriodCap: dec("25"), PerCallCap: dec("1")},
	}
	return &gatewayEnv{
		svc:   NewService(st, cfg, keyring),
		st:    st,
		agent: a,
		exec:  exec,
		user:  1,
	}
}

func anthropicProviders() map[string]*config.ProviderConfig {
	return map[string]*config.ProviderConfig{
		"anthropic": {
			Type:      config.ProviderTypeAnthropic,
			Model:     "claude-sonnet-4-5",
			APIKeyEnv: "HIREBAY_TEST_ANTHROPIC_KEY",
		},
	}
}

func completionRequest(execID string) *Request {
	return &Request{
		ExecID:    execID,
		Family:    models.FamilyLLMCompletion,
		Provider:  "anthropic",
		Operation: config.GatewayOpComplete,
		Spec:      RequestSpec{Prompt: "hi", MaxTokens: 1000},
	}
}

func TestCallCompletionSettlesUsage(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{
		content:     "pong",
		model:       "claude-sonnet-4-5",
		inputUnits:  100,
		outputUnits: 50,
	}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	res, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
	assert.Equal(t, int64(100), res.InputUnits)
	assert.Equal(t, int64(50), res.OutputUnits)
	// 100 * 0.00001 + 50 * 0.00002
	assert.True(t, res.Cost.Equal(dec("0.002")), "cost %s", res.Cost)
	require.Equal(t, []string{"managed-key"}, stub.keys)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "anthropic", rows[0].Provider)
	assert.Equal(t, config.GatewayOpComplete, rows[0].Operation)
	assert.True(t, rows[0].Cost.Equal(dec("0.002")))
	assert.Equal(t, "managed", rows[0].Metadata["key_source"])

	b, err := env.st.Budgets().GetByUser(ctx, env.user)
	require.NoError(t, err)
	assert.True(t, b.WindowSpend.Equal(dec("0.002")), "spend %s", b.WindowSpend)
	assert.True(t, b.PeriodCap.Equal(dec("25")))
	assert.True(t, b.PerCallCap.Equal(dec("1")))

	// A second call accumulates.
	_, err = env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.NoError(t, err)
	b, err = env.st.Budgets().GetByUser(ctx, env.user)
	require.NoError(t, err)
	assert.True(t, b.WindowSpend.Equal(dec("0.004")), "spend %s", b.WindowSpend)
	total, err := env.st.Usage().SumByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("0.004")))
}

func TestCallRequiresRunningExecution(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{content: "x"}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	_, err := env.svc.Call(ctx, completionRequest("no-such-exec"))
	assert.True(t, fault.IsCode(err, fault.CodeAgentError), "got %v", err)

	done := seedExecution(t, env.st, env.agent.ID, 1, "exec-done", models.ExecutionStateCompleted)
	_, err = env.svc.Call(ctx, completionRequest(done.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodeAgentError), "got %v", err)
	assert.Equal(t, fault.CategoryAgentRuntime, fault.CategoryOf(err))
	assert.Zero(t, stub.calls)
}

func TestCallRejectsUnknownProviderAndShape(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	env.svc.clients[config.ProviderTypeAnthropic] = &stubClient{out: &providerOutput{}}
	ctx := context.Background()

	req := completionRequest(env.exec.ExecID)
	req.Provider = "mystery"
	_, err := env.svc.Call(ctx, req)
	assert.True(t, fault.IsCode(err, fault.CodeUnknownProvider), "got %v", err)

	// Registered provider, family it does not serve.
	req = completionRequest(env.exec.ExecID)
	req.Family = models.FamilyWebSearch
	req.Operation = config.GatewayOpSearch
	req.Spec = RequestSpec{Query: "x"}
	_, err = env.svc.Call(ctx, req)
	assert.True(t, fault.IsCode(err, fault.CodeUnknownProvider), "got %v", err)

	req = completionRequest(env.exec.ExecID)
	req.Operation = "chat"
	_, err = env.svc.Call(ctx, req)
	assert.True(t, fault.IsCode(err, fault.CodeUnknownOperation), "got %v", err)

	req = completionRequest(env.exec.ExecID)
	req.Spec.Prompt = ""
	_, err = env.svc.Call(ctx, req)
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation), "got %v", err)
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "$.spec.prompt", f.Path)
}

func TestCallRateLimited(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	providers := anthropicProviders()
	providers["anthropic"].RequestsPerMinute = 2
	env := newGatewayEnv(t, providers)
	stub := &stubClient{out: &providerOutput{content: "ok", inputUnits: 1, outputUnits: 1}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
		require.NoError(t, err)
	}
	_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodeRateLimited), "got %v", err)
	assert.Equal(t, fault.CategoryCapacity, fault.CategoryOf(err))
	assert.Equal(t, 2, stub.calls)
}

func TestCallPerCallCap(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{content: "ok"}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	now := time.Now()
	_, err := env.st.Budgets().Create(ctx, &models.UserBudget{
		UserID:      env.user,
		WindowStart: models.MonthWindowStart(now),
		PeriodCap:   dec("10"),
		PerCallCap:  dec("0.001"),
		WindowSpend: decimal.Zero,
		LastResetAt: now,
	})
	require.NoError(t, err)

	// Estimate: 2 input tokens plus 1000 max output tokens is 0.02002.
	_, err = env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodePerCallCapExceeded), "got %v", err)
	assert.Zero(t, stub.calls)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCallPeriodCapLeavesNoTrace(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{content: "ok"}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	now := time.Now()
	created, err := env.st.Budgets().Create(ctx, &models.UserBudget{
		UserID:      env.user,
		WindowStart: models.MonthWindowStart(now),
		PeriodCap:   dec("0.10"),
		PerCallCap:  dec("1"),
		WindowSpend: dec("0.095"),
		LastResetAt: now,
	})
	require.NoError(t, err)

	_, err = env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodePeriodCapExceeded), "got %v", err)
	assert.Zero(t, stub.calls)

	// Nothing billed, nothing mutated.
	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	b, err := env.st.Budgets().GetByUser(ctx, env.user)
	require.NoError(t, err)
	assert.True(t, b.WindowSpend.Equal(dec("0.095")))
	assert.Equal(t, created.Version, b.Version)
}

func TestCallProviderFailureWritesNoUsage(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{err: errors.New("upstream 500")}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodeProviderError), "got %v", err)
	assert.Equal(t, fault.CategoryUpstream, fault.CategoryOf(err))
	// Completions are never retried.
	assert.Equal(t, 1, stub.calls)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	b, err := env.st.Budgets().GetByUser(ctx, env.user)
	require.NoError(t, err)
	assert.True(t, b.WindowSpend.IsZero())
}

func TestCallRetriesIdempotentShapes(t *testing.T) {
	t.Setenv("HIREBAY_TEST_OPENAI_KEY", "managed-key")
	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"openai": {
			Type:      config.ProviderTypeOpenAI,
			Model:     "text-embedding-3-small",
			APIKeyEnv: "HIREBAY_TEST_OPENAI_KEY",
		},
	})
	stub := &stubClient{
		errs: []error{errors.New("transient"), nil},
		out:  &providerOutput{embeddings: [][]float32{{0.1, 0.2}}, inputUnits: 5, unitsEstimated: true},
	}
	env.svc.clients[config.ProviderTypeOpenAI] = stub
	ctx := context.Background()

	res, err := env.svc.Call(ctx, &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyLLMEmbedding,
		Provider:  "openai",
		Operation: config.GatewayOpEmbed,
		Spec:      RequestSpec{Texts: []string{"hello world"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
	require.Len(t, res.Embeddings, 1)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "estimated", rows[0].Metadata["units_source"])
}

func TestCallBreakerOpens(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{err: errors.New("upstream 500")}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	warn := warnings.NewService()
	env.svc.SetWarnings(warn)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
		require.True(t, fault.IsCode(err, fault.CodeProviderError), "call %d: %v", i, err)
	}
	_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.True(t, fault.IsCode(err, fault.CodeProviderError), "got %v", err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	// The sixth call never reached the adapter.
	assert.Equal(t, 5, stub.calls)

	// The open circuit surfaced as a warning keyed by provider.
	list := warn.List()
	require.Len(t, list, 1)
	assert.Equal(t, warnings.CategoryProviderBreaker, list[0].Category)
	assert.Equal(t, "anthropic", list[0].Scope)
}

func TestCallCredentialResolution(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{content: "ok", inputUnits: 1, outputUnits: 1}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	require.NoError(t, env.svc.PutCredential(ctx, env.user, "anthropic", "byok-key"))

	_, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.NoError(t, err)
	require.Equal(t, []string{"byok-key"}, stub.keys)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "byok", rows[0].Metadata["key_source"])

	// After deletion the managed key takes over; deleting again is a no-op.
	require.NoError(t, env.svc.DeleteCredential(ctx, env.user, "anthropic"))
	require.NoError(t, env.svc.DeleteCredential(ctx, env.user, "anthropic"))
	_, err = env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.NoError(t, err)
	assert.Equal(t, []string{"byok-key", "managed-key"}, stub.keys)
}

func TestCallNoCredential(t *testing.T) {
	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"anthropic": {
			Type:      config.ProviderTypeAnthropic,
			Model:     "claude-sonnet-4-5",
			APIKeyEnv: "HIREBAY_TEST_KEY_THAT_IS_NEVER_SET",
		},
	})
	stub := &stubClient{out: &providerOutput{content: "ok"}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub

	_, err := env.svc.Call(context.Background(), completionRequest(env.exec.ExecID))
	assert.True(t, fault.IsCode(err, fault.CodeNoCredential), "got %v", err)
	assert.Zero(t, stub.calls)
}

func TestPutCredentialValidation(t *testing.T) {
	env := newGatewayEnv(t, anthropicProviders())
	ctx := context.Background()

	err := env.svc.PutCredential(ctx, env.user, "mystery", "key")
	assert.True(t, fault.IsCode(err, fault.CodeUnknownProvider), "got %v", err)

	err = env.svc.PutCredential(ctx, env.user, "anthropic", "")
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation), "got %v", err)
}

func TestCallRollsBudgetWindowOver(t *testing.T) {
	t.Setenv("HIREBAY_TEST_ANTHROPIC_KEY", "managed-key")
	env := newGatewayEnv(t, anthropicProviders())
	stub := &stubClient{out: &providerOutput{content: "ok", inputUnits: 100, outputUnits: 50}}
	env.svc.clients[config.ProviderTypeAnthropic] = stub
	ctx := context.Background()

	now := time.Now()
	stale := models.MonthWindowStart(now).AddDate(0, -2, 0)
	_, err := env.st.Budgets().Create(ctx, &models.UserBudget{
		UserID:      env.user,
		WindowStart: stale,
		PeriodCap:   dec("25"),
		PerCallCap:  dec("1"),
		WindowSpend: dec("24.99"), // nearly exhausted, but in a lapsed window
		LastResetAt: stale,
	})
	require.NoError(t, err)

	res, err := env.svc.Call(ctx, completionRequest(env.exec.ExecID))
	require.NoError(t, err)

	b, err := env.st.Budgets().GetByUser(ctx, env.user)
	require.NoError(t, err)
	assert.True(t, b.WindowStart.Equal(models.MonthWindowStart(now)), "window start %s", b.WindowStart)
	assert.True(t, b.WindowSpend.Equal(res.Cost), "spend %s cost %s", b.WindowSpend, res.Cost)
	assert.True(t, b.LastResetAt.After(stale))
}

func TestVectorUpsertAndQuery(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"redis-local": {Type: config.ProviderTypeRedis, Addr: mr.Addr()},
	})
	ctx := context.Background()

	upsert := &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyVectorOp,
		Provider:  "redis-local",
		Operation: config.GatewayOpUpsert,
		Spec: RequestSpec{
			Namespace: "notes",
			Vectors: []Vector{
				{ID: "a", Values: []float32{1, 0}, Meta: map[string]string{"title": "alpha"}},
				{ID: "b", Values: []float32{0.9, 0.1}},
				{ID: "c", Values: []float32{0, 1}},
			},
		},
	}
	res, err := env.svc.Call(ctx, upsert)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Upserted)
	assert.True(t, res.Cost.Equal(dec("0.0003")), "cost %s", res.Cost)

	query := &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyVectorOp,
		Provider:  "redis-local",
		Operation: config.GatewayOpQuery,
		Spec: RequestSpec{
			Namespace:   "notes",
			QueryVector: []float32{1, 0},
			TopK:        2,
		},
	}
	res, err = env.svc.Call(ctx, query)
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "a", res.Matches[0].ID)
	assert.Equal(t, "b", res.Matches[1].ID)
	assert.InDelta(t, 1.0, res.Matches[0].Score, 1e-6)
	assert.Greater(t, res.Matches[0].Score, res.Matches[1].Score)
	assert.Equal(t, "alpha", res.Matches[0].Meta["title"])
	assert.True(t, res.Cost.Equal(dec("0.0005")))

	// Other namespaces and other tenants see nothing.
	other := *query
	other.Spec.Namespace = "scratch"
	res, err = env.svc.Call(ctx, &other)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	exec2 := seedExecution(t, env.st, env.agent.ID, 2, "exec-gw-2", models.ExecutionStateRunning)
	foreign := *query
	foreign.ExecID = exec2.ExecID
	res, err = env.svc.Call(ctx, &foreign)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestVectorNamespaceReservedCharacters(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"redis-local": {Type: config.ProviderTypeRedis, Addr: mr.Addr()},
	})

	_, err := env.svc.Call(context.Background(), &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyVectorOp,
		Provider:  "redis-local",
		Operation: config.GatewayOpQuery,
		Spec:      RequestSpec{Namespace: "bad:ns", QueryVector: []float32{1}},
	})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeSchemaViolation), "got %v", err)
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "$.spec.namespace", f.Path)
}

func TestWebSearch(t *testing.T) {
	t.Setenv("HIREBAY_TEST_SEARCH_KEY", "sk-search")
	var gotQuery, gotKey, gotNum string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery, gotKey, gotNum = q.Get("q"), q.Get("api_key"), q.Get("num")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organic_results":[
			{"title":"Go testing","link":"https://go.dev/doc/tutorial/add-a-test","snippet":"Write a test."},
			{"title":"testify","link":"https://github.com/stretchr/testify","snippet":"Toolkit."}
		]}`))
	}))
	defer srv.Close()

	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"websearch": {
			Type:      config.ProviderTypeWebSearch,
			BaseURL:   srv.URL,
			APIKeyEnv: "HIREBAY_TEST_SEARCH_KEY",
		},
	})
	ctx := context.Background()

	res, err := env.svc.Call(ctx, &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyWebSearch,
		Provider:  "websearch",
		Operation: config.GatewayOpSearch,
		Spec:      RequestSpec{Query: "golang testing", MaxResults: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "golang testing", gotQuery)
	assert.Equal(t, "sk-search", gotKey)
	assert.Equal(t, "3", gotNum)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "Go testing", res.Results[0].Title)
	assert.Equal(t, "https://go.dev/doc/tutorial/add-a-test", res.Results[0].URL)
	assert.True(t, res.Cost.Equal(dec("0.005")))

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].InputUnits)
}

func TestWebSearchUpstreamFailure(t *testing.T) {
	t.Setenv("HIREBAY_TEST_SEARCH_KEY", "sk-search")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	env := newGatewayEnv(t, map[string]*config.ProviderConfig{
		"websearch": {
			Type:      config.ProviderTypeWebSearch,
			BaseURL:   srv.URL,
			APIKeyEnv: "HIREBAY_TEST_SEARCH_KEY",
		},
	})
	ctx := context.Background()

	_, err := env.svc.Call(ctx, &Request{
		ExecID:    env.exec.ExecID,
		Family:    models.FamilyWebSearch,
		Provider:  "websearch",
		Operation: config.GatewayOpSearch,
		Spec:      RequestSpec{Query: "golang"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeProviderError), "got %v", err)
	assert.Contains(t, err.Error(), "402")

	rows, err := env.st.Usage().ListByExecution(ctx, env.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestKeyringRoundTrip(t *testing.T) {
	k, err := NewKeyring("secret-a")
	require.NoError(t, err)

	sealed, err := k.Seal([]byte("sk-ant-12345"))
	require.NoError(t, err)
	plain, err := k.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-12345", string(plain))

	// Tampering breaks authentication.
	sealed[len(sealed)-1] ^= 0xff
	_, err = k.Open(sealed)
	assert.Error(t, err)

	// A different secret cannot open the box.
	sealed, err = k.Seal([]byte("sk-ant-12345"))
	require.NoError(t, err)
	other, err := NewKeyring("secret-b")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = k.Open([]byte("short"))
	assert.Error(t, err)

	_, err = NewKeyring("")
	assert.Error(t, err)
}
