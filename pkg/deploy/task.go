package deploy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
)

const (
	defaultStopGrace    = 10 * time.Second
	startupPollInterval = 2 * time.Second
	probeAttemptTimeout = 5 * time.Second
)

type eventKind int

const (
	// eventProvision drives a fresh deployment to running.
	eventProvision eventKind = iota
	// eventProbeOK and eventProbeFail are idempotent probe outcomes.
	eventProbeOK
	eventProbeFail
	// eventStop undeploys; reply is answered once the row settles.
	eventStop
)

type event struct {
	kind   eventKind
	reason string
	grace  time.Duration
	reply  chan error

	// container is the id the probe actually hit. A restart can land
	// between a probe and its result; the stale result must not count
	// against the replacement container.
	container string
}

// probeTarget is what the prober needs to check one deployment. It is nil
// whenever the deployment is not in a probeable state.
type probeTarget struct {
	containerID string
	endpoint    string
	healthPath  string
}

// waitResult is delivered to EnsureDeployed callers when a deployment
// settles in running or a terminal state. err carries the original fault
// for terminal failures.
type waitResult struct {
	state models.DeploymentState
	err   error
}

// task is the single writer for one deployment. Every mutation goes
// through its inbox; probe results may be dropped when the inbox is full
// since the next tick repeats them.
type task struct {
	id    int64
	inbox chan event
	done  chan struct{}
	probe atomic.Pointer[probeTarget]

	mu      sync.Mutex
	settled *waitResult
	waiters []chan waitResult
}

func newTask(id int64) *task {
	return &task{
		id:    id,
		inbox: make(chan event, 16),
		done:  make(chan struct{}),
	}
}

// post appends an event without blocking. Only probe events are posted
// this way; dropping one is harmless.
func (t *task) post(ev event) bool {
	select {
	case t.inbox <- ev:
		return true
	default:
		return false
	}
}

// await registers for the next settle notification. A terminal settle that
// already happened is delivered immediately; a running settle is not
// re-announced, so callers must re-check the stored state after
// registering.
func (t *task) await() chan waitResult {
	ch := make(chan waitResult, 1)
	t.mu.Lock()
	if t.settled != nil {
		ch <- *t.settled
	} else {
		t.waiters = append(t.waiters, ch)
	}
	t.mu.Unlock()
	return ch
}

// settle wakes every waiter with the state the deployment landed in.
// Terminal results are remembered so waiters arriving afterwards still
// receive the original fault.
func (t *task) settle(state models.DeploymentState, err error) {
	t.mu.Lock()
	if state.Terminal() && t.settled == nil {
		t.settled = &waitResult{state: state, err: err}
	}
	ws := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range ws {
		ch <- waitResult{state: state, err: err}
	}
}

// healthState is the task-local probe bookkeeping behind the unhealthy
// threshold and the restart budget.
type healthState struct {
	consecutive        int
	firstFail          time.Time
	restartWindowStart time.Time
}

// provisionSpec carries the immutable inputs a task needs to build, start,
// and restart its deployment.
type provisionSpec struct {
	bundlePath string
	digest     string
	entryPoint string
	kind       models.AgentKind
	port       int
	healthPath string
	hints      *models.ResourceHints
	env        []string
}

// runTask consumes the deployment's inbox until the row is terminal or the
// controller shuts down. The deployment row has exactly one writer: this
// goroutine.
func (c *Controller) runTask(t *task, d *models.Deployment, spec provisionSpec) {
	defer c.wg.Done()
	defer close(t.done)
	defer c.removeTask(t.id)

	log := c.logger.With("deployment_id", t.id, "hiring_id", d.HiringID)
	var health healthState

	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case ev := <-t.inbox:
			switch ev.kind {
			case eventProvision:
				d = c.handleProvision(t, d, spec, log)
			case eventProbeOK:
				d = c.handleProbeOK(t, d, ev, &health, log)
			case eventProbeFail:
				d = c.handleProbeFail(t, d, ev, spec, &health, log)
			case eventStop:
				d = c.handleStop(t, d, ev.grace, log)
				if ev.reply != nil {
					ev.reply <- nil
				}
			}
			if d.State.Terminal() {
				return
			}
		}
	}
}

// handleProvision drives pending → building → starting → running. The
// caller's deployStartup budget never interrupts it; failures settle the
// row in failed and wake every waiter.
func (c *Controller) handleProvision(t *task, d *models.Deployment, spec provisionSpec, log *slog.Logger) *models.Deployment {
	// 1. Build the image, idempotent by bundle digest and kind profile.
	var err error
	if d, err = c.transition(d, models.DeploymentStateBuilding, ""); err != nil {
		return c.abort(t, d, err, log)
	}
	tag, err := c.sup.Build(c.lifeCtx, container.BuildSpec{
		BundlePath: spec.bundlePath,
		Digest:     spec.digest,
		Kind:       spec.kind,
		EntryPoint: spec.entryPoint,
		Port:       spec.port,
	})
	if err != nil {
		return c.abort(t, d, err, log)
	}

	// 2. Start the container and wait out the first probe.
	d.ImageTag = tag
	if d, err = c.transition(d, models.DeploymentStateStarting, ""); err != nil {
		return c.abort(t, d, err, log)
	}
	return c.launch(t, d, spec, log)
}

// launch starts a container for a deployment already in starting and
// drives it to running through the startup probe window. Both fresh
// provisions and restarts end here.
func (c *Controller) launch(t *task, d *models.Deployment, spec provisionSpec, log *slog.Logger) *models.Deployment {
	res, err := c.sup.Start(c.lifeCtx, container.StartSpec{
		ImageTag:     d.ImageTag,
		DeploymentID: d.ID,
		HiringID:     d.HiringID,
		Kind:         spec.kind,
		Hints:        spec.hints,
		Env:          spec.env,
		Port:         spec.port,
	})
	if err != nil {
		return c.abort(t, d, err, log)
	}

	d.ContainerID = res.Handle.ContainerID
	d.InternalEndpoint = res.Handle.Endpoint
	d.ResourceCaps = res.Caps
	d.RoutePrefix = models.RoutePrefixFor(d.ID)
	if d, err = c.update(d); err != nil {
		c.releaseContainer(res.Handle.ContainerID)
		return c.abort(t, d, err, log)
	}

	if err := c.awaitFirstProbe(res.Handle, spec.healthPath); err != nil {
		c.releaseContainer(d.ContainerID)
		return c.abort(t, d, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed,
			"deployment %d saw no healthy probe within %s", d.ID, c.rc.StartupProbeBudget), log)
	}

	now := time.Now()
	d.LastProbeAt = &now
	d.LastProbeOK = true
	if d, err = c.transition(d, models.DeploymentStateRunning, ""); err != nil {
		c.releaseContainer(d.ContainerID)
		return c.abort(t, d, err, log)
	}
	if spec.kind.Endpoint() {
		c.routes.Set(d.ID, d.InternalEndpoint)
	}
	t.probe.Store(&probeTarget{containerID: d.ContainerID, endpoint: d.InternalEndpoint, healthPath: spec.healthPath})
	t.settle(models.DeploymentStateRunning, nil)
	log.Info("Deployment running",
		"container_id", d.ContainerID,
		"endpoint", d.InternalEndpoint,
		"image", d.ImageTag)
	return d
}

// awaitFirstProbe polls until the container answers or the startup budget
// expires. The last probe error becomes the failure reason.
func (c *Controller) awaitFirstProbe(h container.Handle, healthPath string) error {
	deadline := time.Now().Add(c.rc.StartupProbeBudget)
	for {
		pctx, cancel := context.WithTimeout(c.lifeCtx, probeAttemptTimeout)
		err := c.sup.Probe(pctx, h, healthPath)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-c.lifeCtx.Done():
			return c.lifeCtx.Err()
		case <-time.After(startupPollInterval):
		}
	}
}

// handleProbeOK clears the failure run and recovers an unhealthy
// deployment back to running.
func (c *Controller) handleProbeOK(t *task, d *models.Deployment, ev event, health *healthState, log *slog.Logger) *models.Deployment {
	if d.State != models.DeploymentStateRunning && d.State != models.DeploymentStateUnhealthy {
		return d
	}
	if ev.container != "" && ev.container != d.ContainerID {
		return d
	}
	health.consecutive = 0
	now := time.Now()
	d.LastProbeAt = &now
	d.LastProbeOK = true

	if d.State == models.DeploymentStateUnhealthy {
		var err error
		if d, err = c.transition(d, models.DeploymentStateRunning, "recovered"); err != nil {
			log.Error("Recovery transition failed", "error", err)
			return d
		}
		if d.Kind.Endpoint() {
			c.routes.Set(d.ID, d.InternalEndpoint)
		}
		t.settle(models.DeploymentStateRunning, nil)
		log.Info("Deployment recovered")
		return d
	}

	nd, err := c.update(d)
	if err != nil {
		log.Error("Probe stamp update failed", "error", err)
		return d
	}
	return nd
}

// handleProbeFail counts consecutive failures inside the unhealthy window
// and applies the restart policy at the threshold.
func (c *Controller) handleProbeFail(t *task, d *models.Deployment, ev event, spec provisionSpec, health *healthState, log *slog.Logger) *models.Deployment {
	if d.State != models.DeploymentStateRunning && d.State != models.DeploymentStateUnhealthy {
		// A probe raced with a transition; the result is stale.
		return d
	}
	if ev.container != "" && ev.container != d.ContainerID {
		return d
	}
	reason := ev.reason

	now := time.Now()
	if health.consecutive == 0 || now.Sub(health.firstFail) > c.rc.UnhealthyWindow {
		health.firstFail = now
		health.consecutive = 0
	}
	health.consecutive++
	d.LastProbeAt = &now
	d.LastProbeOK = false

	if d.State == models.DeploymentStateRunning {
		var err error
		if d, err = c.transition(d, models.DeploymentStateUnhealthy, reason); err != nil {
			log.Error("Unhealthy transition failed", "error", err)
			return d
		}
		c.routes.Drop(d.ID)
		log.Warn("Deployment unhealthy", "reason", reason, "consecutive", health.consecutive)
	} else {
		nd, err := c.update(d)
		if err != nil {
			log.Error("Probe stamp update failed", "error", err)
		} else {
			d = nd
		}
	}

	if health.consecutive < c.rc.UnhealthyThreshold {
		return d
	}

	// Threshold crossed: restart if the budget allows, fail for good
	// otherwise.
	health.consecutive = 0
	if health.restartWindowStart.IsZero() || now.Sub(health.restartWindowStart) > c.rc.RestartWindow {
		health.restartWindowStart = now
		d.RestartCount = 0
	}
	if int(d.RestartCount) >= c.rc.MaxRestarts {
		c.releaseContainer(d.ContainerID)
		return c.abort(t, d, fault.New(fault.CategoryInfrastructure, fault.CodeUnhealthyThresholdExceeded,
			"deployment %d exhausted %d restarts within %s", d.ID, c.rc.MaxRestarts, c.rc.RestartWindow), log)
	}
	return c.restart(t, d, spec, log)
}

// restart replaces the container behind an unhealthy deployment and drives
// it back to running.
func (c *Controller) restart(t *task, d *models.Deployment, spec provisionSpec, log *slog.Logger) *models.Deployment {
	d.RestartCount++
	var err error
	if d, err = c.transition(d, models.DeploymentStateStarting, "restarting"); err != nil {
		log.Error("Restart transition failed", "error", err)
		return d
	}
	t.probe.Store(nil)
	log.Info("Restarting deployment", "restart_count", d.RestartCount)

	c.releaseContainer(d.ContainerID)
	d.ContainerID = ""
	d.InternalEndpoint = ""
	return c.launch(t, d, spec, log)
}

// handleStop settles the deployment in stopped. It keeps going past store
// errors; stopping always succeeds from the caller's point of view.
func (c *Controller) handleStop(t *task, d *models.Deployment, grace time.Duration, log *slog.Logger) *models.Deployment {
	if d.State.Terminal() {
		return d
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}
	t.probe.Store(nil)
	c.routes.Drop(d.ID)

	// The engine and the store are still needed once shutdown begins.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.lifeCtx), grace+30*time.Second)
	defer cancel()

	if d.State != models.DeploymentStateStopping {
		d.State = models.DeploymentStateStopping
		d.StatusReason = "undeploy"
		if nd, err := c.store.Deployments().Update(ctx, d); err == nil {
			d = nd
		} else {
			log.Error("Stopping transition failed", "error", err)
		}
	}
	if d.ContainerID != "" {
		h := container.Handle{ContainerID: d.ContainerID, Endpoint: d.InternalEndpoint}
		c.sup.Stop(ctx, h, grace)
		if err := c.sup.Remove(ctx, d.ContainerID); err != nil {
			log.Debug("Container remove failed", "error", err)
		}
	}

	d.State = models.DeploymentStateStopped
	d.StatusReason = ""
	if nd, err := c.store.Deployments().Update(ctx, d); err == nil {
		d = nd
	} else {
		log.Error("Stopped transition failed", "error", err)
	}
	t.settle(models.DeploymentStateStopped, nil)
	log.Info("Deployment stopped")
	return d
}

// abort settles a deployment in failed. A store error here is logged and
// shadowed by the original cause; waiters always unblock.
func (c *Controller) abort(t *task, d *models.Deployment, cause error, log *slog.Logger) *models.Deployment {
	t.probe.Store(nil)
	c.routes.Drop(d.ID)

	d.State = models.DeploymentStateFailed
	d.StatusReason = cause.Error()
	nd, err := c.store.Deployments().Update(c.lifeCtx, d)
	if err != nil {
		log.Error("Deployment failed and the failure could not be persisted", "cause", cause, "error", err)
		nd = d
	} else {
		log.Error("Deployment failed", "error", cause)
	}
	t.settle(models.DeploymentStateFailed, cause)
	return nd
}

// transition persists a state change after checking the edge is legal.
func (c *Controller) transition(d *models.Deployment, to models.DeploymentState, reason string) (*models.Deployment, error) {
	if !d.State.CanTransition(to) {
		return d, fault.New(fault.CategoryLifecycle, fault.CodeIllegalTransition,
			"deployment %d cannot go %s from %s", d.ID, to, d.State)
	}
	d.State = to
	d.StatusReason = reason
	return c.update(d)
}

func (c *Controller) update(d *models.Deployment) (*models.Deployment, error) {
	nd, err := c.store.Deployments().Update(c.lifeCtx, d)
	if err != nil {
		return d, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
			"deployment %d update failed", d.ID)
	}
	return nd, nil
}

// releaseContainer best-effort stops and removes a container outside the
// regular stop path.
func (c *Controller) releaseContainer(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.lifeCtx), defaultStopGrace+30*time.Second)
	defer cancel()
	c.sup.Stop(ctx, container.Handle{ContainerID: containerID}, defaultStopGrace)
	if err := c.sup.Remove(ctx, containerID); err != nil {
		c.logger.Debug("Container remove failed", "container_id", containerID, "error", err)
	}
}
