// Package gateway meters every externally billed call an agent makes. All
// LLM, embedding, vector and web-search traffic flows through one pipeline
// that resolves the calling execution, enforces per-user rate limits and
// budget caps, executes the provider call behind a circuit breaker, and
// settles the metered cost into the usage ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/im7mortal/kmutex"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

const settleTimeout = 10 * time.Second

// Request is one metered provider call on behalf of a running execution.
type Request struct {
	ExecID    string                `json:"execution_id"`
	Family    models.ResourceFamily `json:"family"`
	Provider  string                `json:"provider"`
	Operation string                `json:"operation"`
	Spec      RequestSpec           `json:"spec"`
}

// RequestSpec carries the per-family payload. Only the fields of the
// requested family are read; the rest stay zero.
type RequestSpec struct {
	// llm-completion
	Prompt      string  `json:"prompt,omitempty"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Model       string  `json:"model,omitempty"`

	// llm-embedding
	Texts []string `json:"texts,omitempty"`

	// vector-op
	Namespace   string    `json:"namespace,omitempty"`
	Vectors     []Vector  `json:"vectors,omitempty"`
	QueryVector []float32 `json:"query_vector,omitempty"`
	TopK        int       `json:"top_k,omitempty"`

	// web-search
	Query      string `json:"query,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// Vector is one embedding written to a vector namespace.
type Vector struct {
	ID     string            `json:"id"`
	Values []float32         `json:"values"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Match is one KNN query hit.
type Match struct {
	ID    string            `json:"id"`
	Score float64           `json:"score"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// SearchResult is one web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is the payload and the settled accounting of a gateway call.
type Result struct {
	Family   models.ResourceFamily `json:"family"`
	Provider string                `json:"provider"`
	Model    string                `json:"model,omitempty"`

	Content    string         `json:"content,omitempty"`
	Embeddings [][]float32    `json:"embeddings,omitempty"`
	Matches    []Match        `json:"matches,omitempty"`
	Upserted   int            `json:"upserted,omitempty"`
	Results    []SearchResult `json:"results,omitempty"`

	InputUnits  int64           `json:"input_units"`
	OutputUnits int64           `json:"output_units"`
	Cost        decimal.Decimal `json:"cost"`
}

// Service is the metered resource gateway.
type Service struct {
	store   store.Store
	cfg     *config.Config
	keyring *Keyring
	logger  *slog.Logger

	clients  map[config.ProviderType]providerClient
	limits   *limiterPool
	breakers *breakerPool
	// userMu serializes settlement per user so window spend never loses
	// an update between concurrent calls.
	userMu  *kmutex.Kmutex
	timeout time.Duration
}

// NewService creates the gateway service
func NewService(st store.Store, cfg *config.Config, keyring *Keyring) *Service {
	timeout := cfg.Runtime.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		keyring:  keyring,
		logger:   slog.Default().With("component", "gateway"),
		clients:  defaultClients(),
		limits:   newLimiterPool(),
		breakers: newBreakerPool(),
		userMu:   kmutex.New(),
		timeout:  timeout,
	}
}

// SetWarnings surfaces provider circuit state on the health endpoints. An
// opened circuit raises a warning under the provider's name; returning to
// closed clears it.
func (s *Service) SetWarnings(w *warnings.Service) {
	s.breakers.setOnState(func(provider string, _, to gobreaker.State) {
		switch to {
		case gobreaker.StateOpen:
			w.Add(warnings.CategoryProviderBreaker,
				fmt.Sprintf("provider %s circuit is open", provider), "", provider)
		case gobreaker.StateClosed:
			w.Clear(warnings.CategoryProviderBreaker, provider)
		}
	})
}

// Call executes one metered provider call:
// 1. Resolve the execution; only running executions with a billing user may call out.
// 2. Resolve the provider and validate the call shape against its families.
// 3. Apply the per-user, per-provider rate limit.
// 4. Price the upper-bound estimate and gate it on the user's caps.
// 5. Resolve the credential (BYOK first, managed key otherwise) and execute
//    behind the provider's circuit breaker, retrying idempotent shapes.
// 6. Price the metered units and settle usage row and window spend in one
//    transaction.
//
// A failed provider call settles nothing; only metered success is billed.
func (s *Service) Call(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.ExecID == "" {
		return nil, fault.Validation(fault.CodeSchemaViolation, "$.execution_id", "execution id is required")
	}

	// Step 1: resolve the calling execution.
	exec, err := s.store.Executions().GetByExecID(ctx, req.ExecID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError, "unknown execution %q", req.ExecID)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "execution lookup failed")
	}
	if exec.State != models.ExecutionStateRunning {
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"execution %s is %s, not running", req.ExecID, exec.State)
	}
	if exec.UserID == nil {
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"execution %s has no billing user", req.ExecID)
	}
	userID := *exec.UserID

	// Step 2: resolve the provider and validate the shape.
	if !req.Family.Valid() {
		return nil, fault.Validation(fault.CodeSchemaViolation, "$.family", "unknown resource family %q", req.Family)
	}
	pc, err := s.cfg.GetProvider(req.Provider)
	if err != nil {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider,
			"provider %q is not registered", req.Provider)
	}
	if !providerServes(pc.Type, req.Family) {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider,
			"provider %q does not serve %s", req.Provider, req.Family)
	}
	if err := checkShape(req); err != nil {
		return nil, err
	}
	client, ok := s.clients[pc.Type]
	if !ok {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider,
			"no adapter for provider type %q", pc.Type)
	}

	// Step 3: rate limit.
	rpm := pc.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRPM(req.Family)
	}
	if !s.limits.allow(userID, req.Provider, rpm) {
		return nil, fault.New(fault.CategoryCapacity, fault.CodeRateLimited,
			"user %d exceeds %d requests/min to provider %s", userID, rpm, req.Provider)
	}

	// Step 4: budget gate on the upper-bound estimate.
	estIn, estOut := estimateUnits(req)
	estimate, err := s.cfg.RateCard.Price(req.Family, req.Provider, req.Operation, estIn, estOut)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeUnknownProvider,
			"call shape %s/%s/%s is not priced", req.Family, req.Provider, req.Operation)
	}
	budget, err := s.budgetFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	spend := budget.WindowSpend
	if budget.NeedsRollover(time.Now()) {
		// The window lapsed but nothing spent in it yet; the gate sees a
		// fresh window and settlement performs the actual reset.
		spend = decimal.Zero
	}
	if estimate.GreaterThan(budget.PerCallCap) {
		return nil, fault.New(fault.CategoryCapacity, fault.CodePerCallCapExceeded,
			"estimated cost %s exceeds the per-call cap %s", estimate, budget.PerCallCap)
	}
	if spend.Add(estimate).GreaterThan(budget.PeriodCap) {
		return nil, fault.New(fault.CategoryCapacity, fault.CodePeriodCapExceeded,
			"estimated cost %s would exceed the period cap %s (window spend %s)", estimate, budget.PeriodCap, spend)
	}

	// Step 5: credential, then the provider call. No usage row on failure.
	apiKey, keySource, err := s.credentialFor(ctx, userID, req.Provider, pc)
	if err != nil {
		return nil, err
	}
	call := &providerCall{userID: userID, apiKey: apiKey, cfg: pc, req: req}
	out, err := s.callProvider(ctx, client, call)
	if err != nil {
		s.logger.Warn("Gateway call failed",
			"execution_id", req.ExecID,
			"provider", req.Provider,
			"operation", req.Operation,
			"error", err)
		return nil, err
	}

	// Step 6: price actual units and settle.
	cost, err := s.cfg.RateCard.Price(req.Family, req.Provider, req.Operation, out.inputUnits, out.outputUnits)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeUnknownProvider,
			"call shape %s/%s/%s is not priced", req.Family, req.Provider, req.Operation)
	}
	meta := models.MetaMap{"key_source": keySource}
	if out.unitsEstimated {
		meta["units_source"] = "estimated"
	}
	row := &models.UsageRow{
		ExecutionID: exec.ID,
		Family:      req.Family,
		Provider:    req.Provider,
		Model:       out.model,
		Operation:   req.Operation,
		InputUnits:  out.inputUnits,
		OutputUnits: out.outputUnits,
		Cost:        cost,
		Metadata:    meta,
	}
	if err := s.settle(ctx, userID, row, cost); err != nil {
		return nil, err
	}

	s.logger.Debug("Gateway call settled",
		"execution_id", req.ExecID,
		"provider", req.Provider,
		"operation", req.Operation,
		"input_units", out.inputUnits,
		"output_units", out.outputUnits,
		"cost", cost)

	return &Result{
		Family:      req.Family,
		Provider:    req.Provider,
		Model:       out.model,
		Content:     out.content,
		Embeddings:  out.embeddings,
		Matches:     out.matches,
		Upserted:    out.upserted,
		Results:     out.results,
		InputUnits:  out.inputUnits,
		OutputUnits: out.outputUnits,
		Cost:        cost,
	}, nil
}

// PutCredential seals and stores a user's own provider key. An existing
// credential for the same provider is replaced.
func (s *Service) PutCredential(ctx context.Context, userID int64, provider, apiKey string) error {
	if _, err := s.cfg.GetProvider(provider); err != nil {
		return fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider, "provider %q is not registered", provider)
	}
	if apiKey == "" {
		return fault.Validation(fault.CodeSchemaViolation, "$.api_key", "api key is empty")
	}
	sealed, err := s.keyring.Seal([]byte(apiKey))
	if err != nil {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "credential sealing failed")
	}
	if _, err := s.store.Credentials().Put(ctx, &models.Credential{
		UserID:     userID,
		Provider:   provider,
		Ciphertext: sealed,
	}); err != nil {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "credential store failed")
	}
	s.logger.Info("Credential stored", "user_id", userID, "provider", provider)
	return nil
}

// DeleteCredential removes a stored key. Deleting a key that does not exist
// is a no-op.
func (s *Service) DeleteCredential(ctx context.Context, userID int64, provider string) error {
	err := s.store.Credentials().Delete(ctx, userID, provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "credential delete failed")
	}
	if err == nil {
		s.logger.Info("Credential deleted", "user_id", userID, "provider", provider)
	}
	return nil
}

// budgetFor returns the user's budget row, creating it with the configured
// defaults on first use.
func (s *Service) budgetFor(ctx context.Context, userID int64) (*models.UserBudget, error) {
	b, err := s.store.Budgets().GetByUser(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "budget lookup failed")
	}

	now := time.Now()
	b, err = s.store.Budgets().Create(ctx, &models.UserBudget{
		UserID:      userID,
		WindowStart: models.MonthWindowStart(now),
		PeriodCap:   s.cfg.Budget.PeriodCap,
		PerCallCap:  s.cfg.Budget.PerCallCap,
		WindowSpend: decimal.Zero,
		LastResetAt: now,
	})
	if err == nil {
		return b, nil
	}
	if errors.Is(err, store.ErrIntegrityViolation) || errors.Is(err, store.ErrConflict) {
		// Lost the first-use race; the winner's row is authoritative.
		if b, err = s.store.Budgets().GetByUser(ctx, userID); err == nil {
			return b, nil
		}
	}
	return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "budget create failed")
}

// credentialFor resolves the api key for a call. A stored BYOK credential
// wins over the provider's managed key env var.
func (s *Service) credentialFor(ctx context.Context, userID int64, provider string, pc *config.ProviderConfig) (key, source string, err error) {
	cred, err := s.store.Credentials().GetByUserProvider(ctx, userID, provider)
	switch {
	case err == nil:
		plain, err := s.keyring.Open(cred.Ciphertext)
		if err != nil {
			return "", "", fault.Wrap(err, fault.CategoryUpstream, fault.CodeNoCredential,
				"stored credential for provider %s is unreadable", provider)
		}
		return string(plain), "byok", nil
	case errors.Is(err, store.ErrNotFound):
		if pc.APIKeyEnv != "" {
			if v := os.Getenv(pc.APIKeyEnv); v != "" {
				return v, "managed", nil
			}
		}
		// Vector stores authenticate by address, not key.
		if pc.Type == config.ProviderTypeRedis {
			return "", "none", nil
		}
		return "", "", fault.New(fault.CategoryUpstream, fault.CodeNoCredential,
			"no credential for provider %s", provider)
	default:
		return "", "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "credential lookup failed")
	}
}

// callProvider executes the adapter behind the provider's circuit breaker.
// Idempotent shapes retry transient failures twice with exponential
// backoff; completions never retry because a timed-out completion may have
// billed upstream.
func (s *Service) callProvider(ctx context.Context, client providerClient, call *providerCall) (*providerOutput, error) {
	attempt := func() (*providerOutput, error) {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		out, err := s.breakers.get(call.req.Provider).Execute(func() (interface{}, error) {
			return client.invoke(cctx, call)
		})
		if err != nil {
			return nil, s.mapProviderError(call.req.Provider, err)
		}
		return out.(*providerOutput), nil
	}

	if !idempotent(call.req) {
		return attempt()
	}

	var out *providerOutput
	op := func() error {
		var err error
		out, err = attempt()
		if err == nil {
			return nil
		}
		if retryableCall(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) mapProviderError(provider string, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError,
			"provider %s circuit is open", provider)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderTimeout,
			"provider %s call exceeded %s", provider, s.timeout)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(err, fault.CategoryAgentRuntime, fault.CodeCancelled,
			"provider %s call cancelled", provider)
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	return fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError,
		"provider %s call failed", provider)
}

// retryableCall limits retries to failures that can heal within the backoff
// horizon. An open breaker stays open far longer than the retry budget.
func retryableCall(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return fault.IsCode(err, fault.CodeProviderError) || fault.IsCode(err, fault.CodeProviderTimeout)
}

func idempotent(req *Request) bool {
	return req.Family != models.FamilyLLMCompletion
}

func providerServes(t config.ProviderType, family models.ResourceFamily) bool {
	for _, f := range t.Families() {
		if f == family {
			return true
		}
	}
	return false
}

// settle appends the usage row and advances the window spend in one
// transaction, rolling the window over first when it has lapsed.
// Settlement serializes per user and survives the caller's cancellation;
// the call already happened upstream, so dropping the charge is worse than
// finishing late.
func (s *Service) settle(ctx context.Context, userID int64, row *models.UsageRow, cost decimal.Decimal) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	s.userMu.Lock(userID)
	defer s.userMu.Unlock(userID)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = s.store.RunInTx(sctx, func(r store.Repos) error {
			b, err := r.Budgets().GetByUser(sctx, userID)
			if err != nil {
				return err
			}
			now := time.Now()
			if b.NeedsRollover(now) {
				b.WindowStart = models.MonthWindowStart(now)
				b.WindowSpend = decimal.Zero
				b.LastResetAt = now
			}
			b.WindowSpend = b.WindowSpend.Add(cost)
			if _, err := r.Budgets().Update(sctx, b); err != nil {
				return err
			}
			_, err = r.Usage().Append(sctx, row)
			return err
		})
		if lastErr == nil || !errors.Is(lastErr, store.ErrConflict) {
			break
		}
		// A concurrent writer moved the budget row; reload and retry.
	}
	if lastErr != nil {
		return fault.Wrap(lastErr, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
			"usage settlement for user %d failed", userID)
	}
	return nil
}
