// Package dispatch turns operations against hired agents into tracked
// executions. It validates payloads against the agent's declared schemas,
// enforces the per-hiring concurrency cap, drives the invocation for every
// agent kind (sandbox subprocess, container exec, HTTP to the deployment)
// under a wall-clock budget, and finalizes each execution row with its
// output, error taxonomy and aggregated usage cost.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/hirebay/hirebay/pkg/admission"
	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/proxy"
	"github.com/hirebay/hirebay/pkg/sandbox"
	"github.com/hirebay/hirebay/pkg/store"
)

const (
	// heartbeatInterval paces the running-execution liveness stamp read by
	// the stale reaper.
	heartbeatInterval = 15 * time.Second

	// defaultLifecycleBudget bounds the optional initialize and cleanup
	// hooks when the runtime config leaves the budget unset.
	defaultLifecycleBudget = 30 * time.Second

	// maxResponseBytes caps an endpoint operation response, matching the
	// sandbox stdout cap.
	maxResponseBytes = 8 << 20

	finishTimeout = 10 * time.Second
)

// Deployer is the deployment controller surface the dispatcher needs.
type Deployer interface {
	EnsureDeployed(ctx context.Context, hiring *models.Hiring) (*models.Deployment, error)
}

// SandboxRunner executes function-sandboxed agents.
type SandboxRunner interface {
	Run(ctx context.Context, spec sandbox.RunSpec) ([]byte, error)
}

// Service is the execution dispatcher.
type Service struct {
	store     store.Store
	admission *admission.Service
	deployer  Deployer
	engine    container.Supervisor
	sandbox   SandboxRunner
	routes    *proxy.Table
	rc        *config.RuntimeConfig
	logger    *slog.Logger
	http      *http.Client

	mu      sync.Mutex
	slots   map[int64]*semaphore.Weighted
	cancels map[string]context.CancelFunc
}

// NewService creates the dispatcher
func NewService(st store.Store, adm *admission.Service, deployer Deployer, engine container.Supervisor, sb SandboxRunner, routes *proxy.Table, rc *config.RuntimeConfig) *Service {
	return &Service{
		store:     st,
		admission: adm,
		deployer:  deployer,
		engine:    engine,
		sandbox:   sb,
		routes:    routes,
		rc:        rc,
		logger:    slog.Default().With("component", "dispatch"),
		http:      &http.Client{},
		slots:     make(map[int64]*semaphore.Weighted),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Execute runs one operation against a hiring:
//  1. Resolve the hiring; cancelled hirings are terminated for good,
//     anything but active refuses dispatch.
//  2. Validate the input against the operation's declared schema.
//  3. Take a concurrency slot or fail fast.
//  4. Ensure the deployment is running, bounded by the deploy startup
//     budget.
//  5. Persist the pending execution row and mark it running.
//  6. Invoke by agent kind under the wall-clock budget.
//  7. Validate the output, aggregate usage cost, finalize the row.
//
// On a terminal failure the finalized row is returned alongside the fault so
// callers can surface the execution id.
func (s *Service) Execute(ctx context.Context, hiringID int64, operation string, input []byte) (*models.Execution, error) {
	h, agent, err := s.resolve(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	if h.Status == models.HiringStatusCancelled {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringTerminated, "hiring %d is cancelled", hiringID)
	}
	if !h.Active() {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringNotActive, "hiring %d is %s", hiringID, h.Status)
	}
	return s.run(ctx, h, agent, operation, input, 0, true)
}

// Initialize runs the agent's optional initialize hook with the hiring's
// stored config. Hirings whose agent declares no initialize operation
// succeed with a nil execution.
func (s *Service) Initialize(ctx context.Context, hiringID int64) (*models.Execution, error) {
	h, agent, err := s.resolve(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	if !h.Active() {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringNotActive, "hiring %d is %s", hiringID, h.Status)
	}
	if _, ok := agent.Manifest.Operations[models.OpInitialize]; !ok {
		return nil, nil
	}
	return s.run(ctx, h, agent, models.OpInitialize, lifecycleInput(h), s.lifecycleBudget(), true)
}

// Cleanup runs the agent's optional cleanup hook. It is invoked after a
// hiring is cancelled, so the deployment is used as-is if still live and
// never re-provisioned.
func (s *Service) Cleanup(ctx context.Context, hiringID int64) (*models.Execution, error) {
	h, agent, err := s.resolve(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	if _, ok := agent.Manifest.Operations[models.OpCleanup]; !ok {
		return nil, nil
	}
	return s.run(ctx, h, agent, models.OpCleanup, lifecycleInput(h), s.lifecycleBudget(), false)
}

// CancelExecution requests cooperative cancellation of a running execution.
// It reports whether the execution was found in flight; the row transitions
// to cancelled once the invocation unwinds.
func (s *Service) CancelExecution(execID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[execID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) resolve(ctx context.Context, hiringID int64) (*models.Hiring, *models.Agent, error) {
	h, err := s.store.Hirings().Get(ctx, hiringID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringNotActive, "hiring %d does not exist", hiringID)
	}
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring lookup failed")
	}
	agent, err := s.store.Agents().Get(ctx, h.AgentID)
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "agent lookup failed")
	}
	return h, agent, nil
}

// lifecycleInput is the payload handed to initialize and cleanup hooks: the
// hiring's stored config, or an empty object when none was given.
func lifecycleInput(h *models.Hiring) []byte {
	if len(h.Config) == 0 {
		return []byte(`{}`)
	}
	return h.Config
}

func (s *Service) run(ctx context.Context, h *models.Hiring, agent *models.Agent, operation string, input []byte, timeoutOverride time.Duration, ensure bool) (*models.Execution, error) {
	validated, err := s.admission.ValidateInput(ctx, agent.ID, operation, input)
	if err != nil {
		return nil, err
	}

	release := s.trySlot(h.ID)
	if release == nil {
		return nil, fault.New(fault.CategoryCapacity, fault.CodeHiringBusy,
			"hiring %d is at its cap of %d concurrent executions", h.ID, s.rc.MaxConcurrentExecutions)
	}
	defer release()

	var dep *models.Deployment
	if ensure {
		if dep, err = s.deployer.EnsureDeployed(ctx, h); err != nil {
			return nil, err
		}
	} else {
		// Post-cancellation hooks run against whatever is still live.
		dep, err = s.store.Deployments().GetLiveByHiring(ctx, h.ID)
		if errors.Is(err, store.ErrNotFound) {
			dep = nil
		} else if err != nil {
			return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "deployment lookup failed")
		}
		if dep == nil && agent.Kind != models.KindFunctionSandboxed {
			s.logger.Info("Skipping lifecycle hook, deployment already gone",
				"hiring_id", h.ID, "operation", operation)
			return nil, nil
		}
	}

	exec, err := s.store.Executions().Create(ctx, &models.Execution{
		ExecID:    uuid.NewString(),
		AgentID:   agent.ID,
		HiringID:  &h.ID,
		UserID:    h.UserID,
		Operation: operation,
		State:     models.ExecutionStatePending,
		Input:     models.JSONDoc(validated),
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "execution create failed")
	}

	started := time.Now().UTC()
	exec.State = models.ExecutionStateRunning
	exec.StartedAt = &started
	exec.HeartbeatAt = &started
	if exec, err = s.store.Executions().Update(ctx, exec); err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "execution update failed")
	}

	timeout := timeoutOverride
	if timeout <= 0 {
		timeout = s.executionTimeout(&agent.Manifest)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.registerCancel(exec.ExecID, cancel)
	stopBeat := make(chan struct{})
	beatDone := make(chan struct{})
	go s.heartbeat(exec.ID, stopBeat, beatDone)

	s.logger.Info("Execution started",
		"exec_id", exec.ExecID,
		"hiring_id", h.ID,
		"agent_id", agent.ID,
		"operation", operation,
		"kind", agent.Kind,
		"timeout", timeout)

	output, invErr := s.invoke(runCtx, agent, dep, exec, validated, timeout)

	close(stopBeat)
	<-beatDone
	s.unregisterCancel(exec.ExecID)
	cancel()

	return s.finalize(exec, started, output, invErr)
}

// finalize writes the terminal row. It never uses the caller's context: the
// work already happened and the record must not be lost to a late cancel.
func (s *Service) finalize(exec *models.Execution, started time.Time, output []byte, invErr error) (*models.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	state := models.ExecutionStateCompleted
	var failure *fault.Fault
	if invErr == nil {
		validated, err := s.admission.ValidateOutput(ctx, exec.AgentID, exec.Operation, output)
		if err != nil {
			invErr = err
		} else {
			output = validated
		}
	}
	if invErr != nil {
		if !errors.As(invErr, &failure) {
			failure = fault.Wrap(invErr, fault.CategoryAgentRuntime, fault.CodeAgentError, "invocation failed")
			invErr = failure
		}
		switch failure.Code {
		case fault.CodeTimeout:
			state = models.ExecutionStateTimedOut
		case fault.CodeCancelled:
			state = models.ExecutionStateCancelled
		default:
			state = models.ExecutionStateFailed
		}
	}

	cost, err := s.store.Usage().SumByExecution(ctx, exec.ID)
	if err != nil {
		s.logger.Warn("Usage aggregation failed, cost_total left zero", "exec_id", exec.ExecID, "error", err)
		cost = decimal.Zero
	}

	now := time.Now().UTC()
	final, err := s.updateTerminal(ctx, exec.ID, func(e *models.Execution) {
		e.State = state
		e.CompletedAt = &now
		e.DurationMS = now.Sub(started).Milliseconds()
		e.CostTotal = cost
		if state == models.ExecutionStateCompleted {
			e.Output = models.JSONDoc(output)
		} else {
			e.ErrorCategory = string(failure.Category)
			e.ErrorCode = string(failure.Code)
			e.ErrorMessage = failure.Message
			if failure.Path != "" {
				e.ErrorMessage = failure.Path + ": " + failure.Message
			}
		}
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "execution finalize failed")
	}

	if invErr != nil {
		s.logger.Warn("Execution finished",
			"exec_id", final.ExecID, "state", state, "duration_ms", final.DurationMS, "error", invErr)
		return final, invErr
	}
	s.logger.Info("Execution finished",
		"exec_id", final.ExecID, "state", state, "duration_ms", final.DurationMS, "cost", cost)
	return final, nil
}

// updateTerminal retries the read-modify-write over heartbeat races.
func (s *Service) updateTerminal(ctx context.Context, id int64, mutate func(*models.Execution)) (*models.Execution, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		e, err := s.store.Executions().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(e)
		updated, err := s.store.Executions().Update(ctx, e)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) invoke(ctx context.Context, agent *models.Agent, dep *models.Deployment, exec *models.Execution, payload []byte, timeout time.Duration) ([]byte, error) {
	switch agent.Kind {
	case models.KindFunctionSandboxed:
		return s.sandbox.Run(ctx, sandbox.RunSpec{
			ExecID:     exec.ExecID,
			BundlePath: agent.BundlePath,
			EntryPoint: agent.Manifest.EntryPoint,
			Hints:      agent.Manifest.Resources,
			Payload:    payload,
			Timeout:    timeout,
		})
	case models.KindFunctionContainerized:
		if dep == nil || dep.ContainerID == "" {
			return nil, fault.New(fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning,
				"hiring %d has no running container", derefID(exec.HiringID))
		}
		// The per-execution identity travels as process environment; the
		// base images ship coreutils.
		cmd := append([]string{"env", "EXECUTION_ID=" + exec.ExecID}, container.EntryCommand(agent.Manifest.EntryPoint)...)
		return s.engine.Exec(ctx, container.Handle{ContainerID: dep.ContainerID}, cmd, payload, timeout)
	case models.KindEndpointServer, models.KindPersistentStateful:
		if dep == nil {
			return nil, fault.New(fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning,
				"hiring %d has no running deployment", derefID(exec.HiringID))
		}
		return s.post(ctx, agent, dep, exec, payload, timeout)
	}
	return nil, fault.New(fault.CategoryValidation, fault.CodeManifestInvalid, "unknown agent kind %q", agent.Kind)
}

// post forwards the operation to the deployment's declared path through the
// proxy's route table.
func (s *Service) post(ctx context.Context, agent *models.Agent, dep *models.Deployment, exec *models.Execution, payload []byte, timeout time.Duration) ([]byte, error) {
	route, ok := s.routes.Lookup(dep.ID)
	if !ok {
		return nil, fault.New(fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning,
			"deployment %d has no route installed", dep.ID)
	}
	target := "http://" + route.Endpoint + agent.Manifest.Deployment.OperationPath(exec.Operation)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeUpstreamError, "operation request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execution-Id", exec.ExecID)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, s.mapTransportError(ctx, cctx, err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, s.mapTransportError(ctx, cctx, err, timeout)
	}
	if len(body) > maxResponseBytes {
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"operation response exceeded %d bytes", maxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		if f := propagatedFault(body); f != nil {
			return nil, f
		}
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"operation returned %d: %s", resp.StatusCode, tail(body, 2048))
	}
	return body, nil
}

// propagatedFault recovers a fault envelope from a failed endpoint response.
// Agents that relay a gateway refusal verbatim keep its taxonomy, so a budget
// ceiling lands on the execution row as capacity rather than a generic agent
// error. Bodies that do not parse as a known envelope return nil.
func propagatedFault(body []byte) *fault.Fault {
	var env struct {
		Error struct {
			Category fault.Category `json:"category"`
			Code     fault.Code     `json:"code"`
			Message  string         `json:"message"`
			Path     string         `json:"path"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if !fault.KnownCategory(env.Error.Category) || env.Error.Code == "" {
		return nil
	}
	return &fault.Fault{
		Category: env.Error.Category,
		Code:     env.Error.Code,
		Message:  env.Error.Message,
		Path:     env.Error.Path,
	}
}

// mapTransportError distinguishes the budget expiring from a cooperative
// cancel from the endpoint actually failing.
func (s *Service) mapTransportError(ctx, cctx context.Context, err error, timeout time.Duration) error {
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "execution exceeded %s", timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fault.New(fault.CategoryAgentRuntime, fault.CodeCancelled, "execution cancelled")
	}
	return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeUpstreamError, "operation request failed")
}

// heartbeat stamps the running row so the stale reaper never kills live
// work. Conflicts are ignored; the next tick retries with a fresh read.
func (s *Service) heartbeat(execID int64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if e, err := s.store.Executions().Get(ctx, execID); err == nil && e.State == models.ExecutionStateRunning {
				now := time.Now().UTC()
				e.HeartbeatAt = &now
				_, _ = s.store.Executions().Update(ctx, e)
			}
			cancel()
		}
	}
}

func (s *Service) lifecycleBudget() time.Duration {
	if s.rc.CleanupOperationBudget > 0 {
		return s.rc.CleanupOperationBudget
	}
	return defaultLifecycleBudget
}

func (s *Service) executionTimeout(m *models.Manifest) time.Duration {
	t := s.rc.ExecutionTimeout
	if m.TimeoutSeconds > 0 {
		t = time.Duration(m.TimeoutSeconds) * time.Second
	}
	if max := s.rc.MaxExecutionTimeout; max > 0 && t > max {
		t = max
	}
	return t
}

func (s *Service) trySlot(hiringID int64) func() {
	s.mu.Lock()
	w, ok := s.slots[hiringID]
	if !ok {
		w = semaphore.NewWeighted(int64(s.rc.MaxConcurrentExecutions))
		s.slots[hiringID] = w
	}
	s.mu.Unlock()
	if !w.TryAcquire(1) {
		return nil
	}
	return func() { w.Release(1) }
}

func (s *Service) registerCancel(execID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[execID] = cancel
	s.mu.Unlock()
}

func (s *Service) unregisterCancel(execID string) {
	s.mu.Lock()
	delete(s.cancels, execID)
	s.mu.Unlock()
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
