// Package cleanup is the runtime's janitor. One periodic task reaps
// deployments abandoned by suspended or cancelled hirings, removes labeled
// containers no deployment row claims, rolls user budget windows across
// calendar-month boundaries and fails executions whose worker stopped
// heartbeating.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

// budgetPage bounds one list call during the rollover sweep.
const budgetPage = 200

// liveStates are the deployment states the reaper considers occupied.
var liveStates = []models.DeploymentState{
	models.DeploymentStatePending,
	models.DeploymentStateBuilding,
	models.DeploymentStateStarting,
	models.DeploymentStateRunning,
	models.DeploymentStateUnhealthy,
	models.DeploymentStateStopping,
}

// Undeployer re-issues deployment stops. The deploy controller implements it.
type Undeployer interface {
	Undeploy(ctx context.Context, hiringID int64, grace time.Duration) error
}

// Service runs the periodic cleanup loop. Every task is idempotent and
// tolerates losing a race against the component that owns the row; work that
// fails is re-attempted on the next tick.
type Service struct {
	rc       *config.RuntimeConfig
	store    store.Store
	engine   container.Supervisor
	deployer Undeployer
	logger   *slog.Logger
	warnings *warnings.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the janitor
func NewService(rc *config.RuntimeConfig, st store.Store, engine container.Supervisor, deployer Undeployer) *Service {
	return &Service{
		rc:       rc,
		store:    st,
		engine:   engine,
		deployer: deployer,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// SetWarnings wires the optional warnings surface. Sweeps that find work
// record a notice there and clear it once a pass comes back clean.
func (s *Service) SetWarnings(w *warnings.Service) {
	s.warnings = w
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.rc.CleanupInterval,
		"stale_factor", s.rc.StaleExecutionFactor)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

// RunOnce performs a single sweep outside the loop. Startup recovery runs it
// before the API starts accepting work.
func (s *Service) RunOnce(ctx context.Context) {
	s.runAll(ctx)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.rc.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.reapAbandonedDeployments(ctx)
	s.reapOrphanContainers(ctx)
	s.rollBudgetWindows(ctx)
	s.failStaleExecutions(ctx)
}

// note records a sweep warning when the pass found work and clears it once a
// pass comes back clean.
func (s *Service) note(category string, found int, message string) {
	if s.warnings == nil {
		return
	}
	if found > 0 {
		s.warnings.Add(category, message, "", "")
		return
	}
	s.warnings.Clear(category, "")
}

// reapAbandonedDeployments re-issues the stop for deployments still live
// under a suspended or cancelled hiring, typically because the undeploy at
// transition time failed or the process died in between.
func (s *Service) reapAbandonedDeployments(ctx context.Context) {
	deps, err := s.store.Deployments().List(ctx, store.DeploymentFilter{States: liveStates})
	if err != nil {
		s.logger.Error("Cleanup: deployment scan failed", "error", err)
		return
	}

	reaped := 0
	for _, d := range deps {
		h, err := s.store.Hirings().Get(ctx, d.HiringID)
		if err != nil {
			s.logger.Warn("Cleanup: hiring lookup failed", "deployment_id", d.ID, "error", err)
			continue
		}
		if h.Status == models.HiringStatusActive {
			continue
		}
		if err := s.deployer.Undeploy(ctx, d.HiringID, 0); err != nil {
			s.logger.Warn("Cleanup: undeploy failed", "hiring_id", d.HiringID, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("Cleanup: stopped abandoned deployments", "count", reaped)
	}
}

// reapOrphanContainers removes labeled engine containers no deployment row
// claims: the row is gone, terminal, or points at a different container. A
// running container under a live row is always kept, since the controller
// writes the container id only after the engine start returns.
func (s *Service) reapOrphanContainers(ctx context.Context) {
	managed, err := s.engine.ListManaged(ctx)
	if err != nil {
		s.logger.Error("Cleanup: container discovery failed", "error", err)
		return
	}

	removed, orphaned := 0, 0
	for _, m := range managed {
		claimed, err := s.claimed(ctx, m)
		if err != nil {
			s.logger.Warn("Cleanup: deployment lookup failed", "container_id", m.ContainerID, "error", err)
			continue
		}
		if claimed {
			continue
		}
		orphaned++
		if err := s.engine.Remove(ctx, m.ContainerID); err != nil {
			s.logger.Warn("Cleanup: orphan remove failed", "container_id", m.ContainerID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Cleanup: removed orphan containers", "count", removed)
	}
	s.note(warnings.CategoryOrphanContainers, orphaned,
		fmt.Sprintf("%d containers had no live deployment row", orphaned))
}

// claimed reports whether a deployment row still owns the container.
func (s *Service) claimed(ctx context.Context, m container.Managed) (bool, error) {
	if m.DeploymentID == 0 {
		return false, nil
	}
	d, err := s.store.Deployments().Get(ctx, m.DeploymentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.State.Terminal() {
		return false, nil
	}
	if m.Running {
		// Live row, running container: the controller owns it even while
		// the row's container id lags behind a restart.
		return true, nil
	}
	return d.ContainerID == m.ContainerID, nil
}

// rollBudgetWindows resets windowSpend and advances windowStart for budgets
// whose calendar month lapsed. The gateway performs the same roll lazily at
// settlement; this sweep covers users with no traffic.
func (s *Service) rollBudgetWindows(ctx context.Context) {
	rolled := 0
	for offset := 0; ; offset += budgetPage {
		budgets, err := s.store.Budgets().List(ctx, budgetPage, offset)
		if err != nil {
			s.logger.Error("Cleanup: budget scan failed", "error", err)
			return
		}
		for _, b := range budgets {
			now := time.Now()
			if !b.NeedsRollover(now) {
				continue
			}
			b.WindowStart = models.MonthWindowStart(now)
			b.WindowSpend = decimal.Zero
			b.LastResetAt = now
			if _, err := s.store.Budgets().Update(ctx, b); err != nil {
				// A conflict means the gateway rolled it first.
				if !errors.Is(err, store.ErrConflict) {
					s.logger.Warn("Cleanup: budget rollover failed", "user_id", b.UserID, "error", err)
				}
				continue
			}
			rolled++
		}
		if len(budgets) < budgetPage {
			break
		}
	}
	if rolled > 0 {
		s.logger.Info("Cleanup: rolled budget windows", "count", rolled)
	}
}

// failStaleExecutions marks executions abandoned by their worker as failed:
// running rows whose heartbeat fell beyond staleFactor times the execution
// timeout, and pending rows of the same age that never started.
func (s *Service) failStaleExecutions(ctx context.Context) {
	horizon := time.Duration(s.rc.StaleExecutionFactor) * s.rc.ExecutionTimeout
	cutoff := time.Now().Add(-horizon)

	stale, err := s.store.Executions().List(ctx, store.ExecutionFilter{RunningBefore: cutoff})
	if err != nil {
		s.logger.Error("Cleanup: stale execution scan failed", "error", err)
		return
	}
	pending, err := s.store.Executions().List(ctx, store.ExecutionFilter{
		States: []models.ExecutionState{models.ExecutionStatePending},
	})
	if err != nil {
		s.logger.Error("Cleanup: pending execution scan failed", "error", err)
		return
	}
	for _, e := range pending {
		if e.CreatedAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}

	marked := 0
	for _, e := range stale {
		now := time.Now()
		e.State = models.ExecutionStateFailed
		e.CompletedAt = &now
		if e.StartedAt != nil {
			e.DurationMS = now.Sub(*e.StartedAt).Milliseconds()
		}
		e.ErrorCategory = string(fault.CategoryInfrastructure)
		e.ErrorCode = string(fault.CodeStale)
		e.ErrorMessage = "abandoned by its worker; no progress within " + horizon.String()
		if _, err := s.store.Executions().Update(ctx, e); err != nil {
			// A conflict means the dispatcher finalized it after the scan.
			if !errors.Is(err, store.ErrConflict) {
				s.logger.Warn("Cleanup: stale mark failed", "exec_id", e.ExecID, "error", err)
			}
			continue
		}
		marked++
	}
	if marked > 0 {
		s.logger.Info("Cleanup: failed stale executions", "count", marked, "horizon", horizon)
	}
	s.note(warnings.CategoryStaleExecutions, marked,
		fmt.Sprintf("%d executions abandoned by their worker were failed", marked))
}
