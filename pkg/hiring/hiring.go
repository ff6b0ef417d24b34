// Package hiring owns the user-agent bindings: creating them against
// approved agents, suspending, resuming and cancelling them, and keeping
// their configuration consistent with the agent's declared contract. It
// coordinates with the deployment controller on deploy/undeploy and with the
// dispatcher for the optional initialize and cleanup hooks.
package hiring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hirebay/hirebay/pkg/admission"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// Deployer is the deployment controller surface the lifecycle manager needs.
type Deployer interface {
	EnsureDeployed(ctx context.Context, hiring *models.Hiring) (*models.Deployment, error)
	Undeploy(ctx context.Context, hiringID int64, grace time.Duration) error
}

// HookRunner runs the optional initialize and cleanup operations an agent
// may declare. The dispatcher implements it; both calls are no-ops for
// agents that never declared the hook.
type HookRunner interface {
	Initialize(ctx context.Context, hiringID int64) (*models.Execution, error)
	Cleanup(ctx context.Context, hiringID int64) (*models.Execution, error)
}

// Service is the hiring lifecycle manager.
type Service struct {
	store     store.Store
	admission *admission.Service
	deployer  Deployer
	hooks     HookRunner
	logger    *slog.Logger
}

// NewService creates the lifecycle manager
func NewService(st store.Store, adm *admission.Service, deployer Deployer, hooks HookRunner) *Service {
	return &Service{
		store:     st,
		admission: adm,
		deployer:  deployer,
		hooks:     hooks,
		logger:    slog.Default().With("component", "hiring"),
	}
}

// Hire binds a user to an approved agent. The configuration is validated
// against the agent's initialize input schema when one is declared. For
// deployable kinds the deployment is provisioned in the background and the
// hiring is returned immediately; callers may poll, or the first execute
// blocks on the deployment instead.
func (s *Service) Hire(ctx context.Context, userID, agentID int64, config []byte) (*models.Hiring, error) {
	agent, err := s.store.Agents().Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Hireable() {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeAgentNotApproved,
			"agent %d is %s and cannot be hired", agentID, agent.Status)
	}

	cfg, err := s.checkConfig(ctx, agent, config)
	if err != nil {
		return nil, err
	}

	h, err := s.store.Hirings().Create(ctx, &models.Hiring{
		AgentID: agentID,
		UserID:  &userID,
		Status:  models.HiringStatusActive,
		Config:  models.JSONDoc(cfg),
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring create failed")
	}

	s.logger.Info("Hiring created",
		"hiring_id", h.ID, "agent_id", agentID, "user_id", userID, "kind", agent.Kind)

	go s.provision(context.WithoutCancel(ctx), h, agent.Kind)
	return h, nil
}

// provision materializes the deployment and runs the initialize hook once
// it is up. Failures are logged, not surfaced: the hiring stays active and
// the next execute retries the deployment.
func (s *Service) provision(ctx context.Context, h *models.Hiring, kind models.AgentKind) {
	if kind.Deployable() {
		if _, err := s.deployer.EnsureDeployed(ctx, h); err != nil {
			s.logger.Warn("Background deployment failed", "hiring_id", h.ID, "error", err)
			return
		}
	}
	if _, err := s.hooks.Initialize(ctx, h.ID); err != nil {
		s.logger.Warn("Initialize hook failed", "hiring_id", h.ID, "error", err)
	}
}

// Suspend parks an active hiring and releases its deployment. Suspending an
// already-suspended hiring is a no-op.
func (s *Service) Suspend(ctx context.Context, hiringID int64) (*models.Hiring, error) {
	h, err := s.store.Hirings().Get(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	switch h.Status {
	case models.HiringStatusSuspended:
		return h, nil
	case models.HiringStatusCancelled:
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringTerminated, "hiring %d is cancelled", hiringID)
	}

	h.Status = models.HiringStatusSuspended
	updated, err := s.store.Hirings().Update(ctx, h)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring update failed")
	}
	s.logger.Info("Hiring suspended", "hiring_id", hiringID)

	if err := s.deployer.Undeploy(ctx, hiringID, 0); err != nil {
		s.logger.Warn("Undeploy after suspend failed, the reaper finishes it", "hiring_id", hiringID, "error", err)
	}
	return updated, nil
}

// Resume reactivates a suspended hiring and re-provisions its deployment in
// the background. Resuming an active hiring is a no-op.
func (s *Service) Resume(ctx context.Context, hiringID int64) (*models.Hiring, error) {
	h, err := s.store.Hirings().Get(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	switch h.Status {
	case models.HiringStatusActive:
		return h, nil
	case models.HiringStatusCancelled:
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringTerminated, "hiring %d is cancelled", hiringID)
	}

	h.Status = models.HiringStatusActive
	updated, err := s.store.Hirings().Update(ctx, h)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring update failed")
	}
	s.logger.Info("Hiring resumed", "hiring_id", hiringID)

	go func(ctx context.Context) {
		if _, err := s.deployer.EnsureDeployed(ctx, updated); err != nil {
			s.logger.Warn("Background redeploy failed", "hiring_id", hiringID, "error", err)
		}
	}(context.WithoutCancel(ctx))
	return updated, nil
}

// Cancel terminates a hiring for good:
//  1. The row turns cancelled, refusing all further dispatch.
//  2. The cleanup hook runs best-effort while the deployment is still up.
//  3. The deployment is released.
//
// Cancelling an already-cancelled hiring is a no-op; every other operation
// against it fails with HiringTerminated.
func (s *Service) Cancel(ctx context.Context, hiringID int64) (*models.Hiring, error) {
	h, err := s.store.Hirings().Get(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	if h.Status == models.HiringStatusCancelled {
		return h, nil
	}

	h.Status = models.HiringStatusCancelled
	updated, err := s.store.Hirings().Update(ctx, h)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring update failed")
	}
	s.logger.Info("Hiring cancelled", "hiring_id", hiringID)

	if _, err := s.hooks.Cleanup(context.WithoutCancel(ctx), hiringID); err != nil {
		s.logger.Warn("Cleanup hook failed", "hiring_id", hiringID, "error", err)
	}
	if err := s.deployer.Undeploy(ctx, hiringID, 0); err != nil {
		s.logger.Warn("Undeploy after cancel failed, the reaper finishes it", "hiring_id", hiringID, "error", err)
	}
	return updated, nil
}

// UpdateConfig replaces the hiring's configuration. The config is locked
// while a deployment is live; suspend first.
func (s *Service) UpdateConfig(ctx context.Context, hiringID int64, config []byte) (*models.Hiring, error) {
	h, err := s.store.Hirings().Get(ctx, hiringID)
	if err != nil {
		return nil, err
	}
	if h.Status == models.HiringStatusCancelled {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringTerminated, "hiring %d is cancelled", hiringID)
	}

	if _, err := s.store.Deployments().GetLiveByHiring(ctx, hiringID); err == nil {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeConfigLocked,
			"hiring %d has a live deployment; suspend it before changing config", hiringID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "deployment lookup failed")
	}

	agent, err := s.store.Agents().Get(ctx, h.AgentID)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "agent lookup failed")
	}
	cfg, err := s.checkConfig(ctx, agent, config)
	if err != nil {
		return nil, err
	}

	h.Config = models.JSONDoc(cfg)
	updated, err := s.store.Hirings().Update(ctx, h)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "hiring update failed")
	}
	s.logger.Info("Hiring config updated", "hiring_id", hiringID)
	return updated, nil
}

// checkConfig normalizes an absent config to an empty object and validates
// it against the agent's initialize input schema when one is declared.
func (s *Service) checkConfig(ctx context.Context, agent *models.Agent, config []byte) ([]byte, error) {
	if len(config) == 0 {
		config = []byte(`{}`)
	}
	if _, ok := agent.Manifest.Operations[models.OpInitialize]; ok {
		return s.admission.ValidateInput(ctx, agent.ID, models.OpInitialize, config)
	}
	if !json.Valid(config) {
		return nil, fault.Validation(fault.CodeSchemaViolation, "$", "config is not valid JSON")
	}
	return config, nil
}
