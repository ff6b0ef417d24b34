// Package deploy owns the deployment state machine. Every deployment is
// driven by exactly one controller task consuming a serialized inbox;
// probes, restarts, and stops arrive as events. Readers go straight to the
// store; the proxy route table is updated on every transition in and out
// of running.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/proxy"
	"github.com/hirebay/hirebay/pkg/store"
)

// Controller supervises deployments: one serialized task per deployment, a
// shared health prober, and ownership of the proxy route table.
type Controller struct {
	store      store.Store
	sup        container.Supervisor
	routes     *proxy.Table
	rc         config.RuntimeConfig
	gatewayURL string
	logger     *slog.Logger

	// hiringMu serializes deployment creation per hiring so a replacement
	// is only created after its predecessor reaches stopped.
	hiringMu *kmutex.Kmutex

	lifeCtx context.Context
	halt    context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[int64]*task
}

// NewController wires the controller. gatewayURL is handed to agent
// containers as their only sanctioned egress.
func NewController(st store.Store, sup container.Supervisor, routes *proxy.Table, rc *config.RuntimeConfig, gatewayURL string) *Controller {
	cfg := *config.DefaultRuntimeConfig()
	if rc != nil {
		cfg = *rc
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = config.DefaultRuntimeConfig().ProbeInterval
	}
	lifeCtx, halt := context.WithCancel(context.Background())
	return &Controller{
		store:      st,
		sup:        sup,
		routes:     routes,
		rc:         cfg,
		gatewayURL: gatewayURL,
		logger:     slog.With("component", "deploy"),
		hiringMu:   kmutex.New(),
		lifeCtx:    lifeCtx,
		halt:       halt,
		tasks:      make(map[int64]*task),
	}
}

// Start launches the health prober.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.probeLoop()
	c.logger.Info("Deployment controller started", "probe_interval", c.rc.ProbeInterval)
}

// Stop halts the prober and every task. Containers keep running and are
// re-adopted by Recover on the next start.
func (c *Controller) Stop(ctx context.Context) error {
	c.halt()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureDeployed returns the hiring's running deployment, provisioning one
// when none exists.
//
// 1. A running deployment returns immediately.
// 2. A live deployment in any other state is awaited.
// 3. Otherwise one is created and its task drives it to running. Creation
//    is serialized per hiring, so re-activation waits for a stopping
//    predecessor to reach stopped before the replacement appears.
//
// The caller blocks at most deployStartup and then receives DeployTimeout;
// the controller task finishes its transition regardless.
func (c *Controller) EnsureDeployed(ctx context.Context, hiring *models.Hiring) (*models.Deployment, error) {
	if hiring == nil || !hiring.Active() {
		var id int64
		if hiring != nil {
			id = hiring.ID
		}
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeHiringNotActive, "hiring %d is not active", id)
	}

	if d, err := c.liveDeployment(ctx, hiring.ID); err != nil {
		return nil, err
	} else if d != nil && d.State == models.DeploymentStateRunning {
		return d, nil
	}

	if c.rc.DeployStartup <= 0 {
		return nil, fault.New(fault.CategoryInfrastructure, fault.CodeDeployTimeout,
			"hiring %d: deploy startup budget is zero", hiring.ID)
	}
	deadline := time.Now().Add(c.rc.DeployStartup)

	for {
		if time.Now().After(deadline) {
			return nil, fault.New(fault.CategoryInfrastructure, fault.CodeDeployTimeout,
				"hiring %d: deployment not running within %s", hiring.ID, c.rc.DeployStartup)
		}

		d, err := c.liveDeployment(ctx, hiring.ID)
		if err != nil {
			return nil, err
		}
		if d == nil {
			if d, err = c.createDeployment(ctx, hiring); err != nil {
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrIntegrityViolation) {
					// Lost a creation race; await the winner's row.
					continue
				}
				return nil, err
			}
		}
		if d.State == models.DeploymentStateRunning {
			return d, nil
		}

		res, err := c.awaitDeployment(ctx, d, deadline)
		if err != nil {
			return nil, err
		}
		switch {
		case res.state == models.DeploymentStateRunning:
			fresh, err := c.store.Deployments().Get(ctx, d.ID)
			if err != nil {
				return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
					"deployment %d reload failed", d.ID)
			}
			return fresh, nil
		case res.state == models.DeploymentStateStopped:
			// The hiring's slot is free again; create a replacement.
			continue
		default:
			if res.err != nil {
				return nil, res.err
			}
			return nil, fault.New(fault.CategoryInfrastructure, fault.CodeStartFailed,
				"deployment %d settled in %s", d.ID, res.state)
		}
	}
}

// Undeploy stops the hiring's live deployment and returns once the row
// reaches stopped. No live deployment is a no-op.
func (c *Controller) Undeploy(ctx context.Context, hiringID int64, grace time.Duration) error {
	d, err := c.liveDeployment(ctx, hiringID)
	if err != nil || d == nil {
		return err
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}

	t, ok := c.taskOf(d.ID)
	if !ok {
		return c.stopWithoutTask(ctx, d, grace)
	}
	reply := make(chan error, 1)
	select {
	case t.inbox <- event{kind: eventStop, grace: grace, reply: reply}:
	case <-t.done:
		// The task settled the row in the meantime.
		return nil
	case <-ctx.Done():
		return fault.Wrap(ctx.Err(), fault.CategoryInfrastructure, fault.CodeDeployTimeout,
			"undeploy of hiring %d interrupted", hiringID)
	}
	select {
	case <-reply:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(ctx.Err(), fault.CategoryInfrastructure, fault.CodeDeployTimeout,
			"undeploy of hiring %d interrupted", hiringID)
	}
}

// ReportUnhealthy injects a probe failure from outside the prober, for
// example a dispatcher that saw a forward error. Reports against unknown
// deployments are dropped.
func (c *Controller) ReportUnhealthy(deploymentID int64, reason string) {
	if t, ok := c.taskOf(deploymentID); ok {
		t.post(event{kind: eventProbeFail, reason: reason})
	}
}

// List reads deployments. Readers never touch the tasks.
func (c *Controller) List(ctx context.Context, f store.DeploymentFilter) ([]*models.Deployment, error) {
	return c.store.Deployments().List(ctx, f)
}

// Logs tails the deployment's container log. Deployments without a
// container have no log.
func (c *Controller) Logs(ctx context.Context, deploymentID int64, tail int) ([]string, error) {
	d, err := c.store.Deployments().Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.ContainerID == "" {
		return nil, nil
	}
	return c.sup.Logs(ctx, container.Handle{ContainerID: d.ContainerID, Endpoint: d.InternalEndpoint}, tail)
}

// Recover reconciles rows a previous process instance left behind:
// surviving containers are re-adopted, half-provisioned rows fail, and
// stopping rows finish stopping. Call once at startup before traffic.
func (c *Controller) Recover(ctx context.Context) error {
	live, err := c.store.Deployments().List(ctx, store.DeploymentFilter{States: []models.DeploymentState{
		models.DeploymentStatePending,
		models.DeploymentStateBuilding,
		models.DeploymentStateStarting,
		models.DeploymentStateRunning,
		models.DeploymentStateUnhealthy,
		models.DeploymentStateStopping,
	}})
	if err != nil {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "recovery listing failed")
	}
	managed, err := c.sup.ListManaged(ctx)
	if err != nil {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "managed container listing failed")
	}
	byDeployment := make(map[int64]container.Managed, len(managed))
	for _, m := range managed {
		if m.DeploymentID != 0 {
			byDeployment[m.DeploymentID] = m
		}
	}

	for _, d := range live {
		switch d.State {
		case models.DeploymentStateRunning, models.DeploymentStateUnhealthy:
			if !d.Kind.Deployable() {
				// Sandboxed rows hold no container; nothing to adopt.
				continue
			}
			m, ok := byDeployment[d.ID]
			if ok && m.Running && d.ContainerID != "" {
				if err := c.adopt(ctx, d); err != nil {
					c.logger.Error("Adoption failed", "deployment_id", d.ID, "error", err)
					c.failRow(ctx, d, "adoption failed: "+err.Error())
				}
			} else {
				if ok {
					_ = c.sup.Remove(ctx, m.ContainerID)
				}
				c.failRow(ctx, d, "container missing after process restart")
			}
		case models.DeploymentStatePending, models.DeploymentStateBuilding, models.DeploymentStateStarting:
			if m, ok := byDeployment[d.ID]; ok {
				c.sup.Stop(ctx, container.Handle{ContainerID: m.ContainerID}, defaultStopGrace)
				_ = c.sup.Remove(ctx, m.ContainerID)
			}
			c.failRow(ctx, d, "interrupted by process restart")
		case models.DeploymentStateStopping:
			if m, ok := byDeployment[d.ID]; ok {
				c.sup.Stop(ctx, container.Handle{ContainerID: m.ContainerID}, defaultStopGrace)
				_ = c.sup.Remove(ctx, m.ContainerID)
			}
			d.State = models.DeploymentStateStopped
			d.StatusReason = ""
			if _, err := c.store.Deployments().Update(ctx, d); err != nil {
				c.logger.Error("Recovery update failed", "deployment_id", d.ID, "error", err)
			}
		}
	}
	return nil
}

// adopt resumes supervision of a deployment whose container survived a
// process restart.
func (c *Controller) adopt(ctx context.Context, d *models.Deployment) error {
	agent, err := c.store.Agents().Get(ctx, d.AgentID)
	if err != nil {
		return err
	}
	spec := c.specFor(agent, d)
	t := c.spawnTask(d, spec)
	t.probe.Store(&probeTarget{containerID: d.ContainerID, endpoint: d.InternalEndpoint, healthPath: spec.healthPath})
	if d.State == models.DeploymentStateRunning && d.Kind.Endpoint() {
		c.routes.Set(d.ID, d.InternalEndpoint)
	}
	c.logger.Info("Deployment re-adopted", "deployment_id", d.ID, "container_id", d.ContainerID)
	return nil
}

func (c *Controller) failRow(ctx context.Context, d *models.Deployment, reason string) {
	d.State = models.DeploymentStateFailed
	d.StatusReason = reason
	if _, err := c.store.Deployments().Update(ctx, d); err != nil {
		c.logger.Error("Recovery update failed", "deployment_id", d.ID, "error", err)
		return
	}
	c.logger.Warn("Deployment failed during recovery", "deployment_id", d.ID, "reason", reason)
}

// createDeployment allocates the row and spawns its task. Per-hiring
// serialization closes the window between a stopping predecessor reaching
// stopped and its replacement being created.
func (c *Controller) createDeployment(ctx context.Context, hiring *models.Hiring) (*models.Deployment, error) {
	c.hiringMu.Lock(hiring.ID)
	defer c.hiringMu.Unlock(hiring.ID)

	if d, err := c.liveDeployment(ctx, hiring.ID); err != nil {
		return nil, err
	} else if d != nil {
		// A racer created it; the caller awaits it.
		return d, nil
	}

	agent, err := c.store.Agents().Get(ctx, hiring.AgentID)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
			"agent %d load failed", hiring.AgentID)
	}

	d := &models.Deployment{
		HiringID: hiring.ID,
		AgentID:  agent.ID,
		Kind:     agent.Kind,
		State:    models.DeploymentStatePending,
	}
	if !agent.Kind.Deployable() {
		// Sandboxed agents run per execution; the row is bookkeeping only.
		d.State = models.DeploymentStateRunning
		d.StatusReason = "sandboxed kind; executes per request"
		created, err := c.store.Deployments().Create(ctx, d)
		if err != nil {
			return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
				"deployment create failed for hiring %d", hiring.ID)
		}
		c.logger.Info("Deployment ready", "deployment_id", created.ID, "hiring_id", hiring.ID, "kind", agent.Kind)
		return created, nil
	}

	created, err := c.store.Deployments().Create(ctx, d)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
			"deployment create failed for hiring %d", hiring.ID)
	}
	spec := c.specFor(agent, created)
	t := c.spawnTask(created, spec)
	t.post(event{kind: eventProvision})
	c.logger.Info("Deployment created", "deployment_id", created.ID, "hiring_id", hiring.ID, "kind", agent.Kind)
	return created, nil
}

// awaitDeployment blocks until the deployment settles in running or a
// terminal state, the budget deadline passes, or the caller gives up.
func (c *Controller) awaitDeployment(ctx context.Context, d *models.Deployment, deadline time.Time) (waitResult, error) {
	t, ok := c.taskOf(d.ID)
	if !ok {
		// No task owns the row, so it cannot move; report what it is.
		if d.State.Terminal() || d.State == models.DeploymentStateRunning {
			return waitResult{state: d.State}, nil
		}
		return waitResult{}, fault.New(fault.CategoryInfrastructure, fault.CodeStartFailed,
			"deployment %d is %s with no controller task", d.ID, d.State)
	}

	ch := t.await()
	// A settle that beat the registration is already buffered and carries
	// the original fault; prefer it over reconstructing from the row.
	select {
	case res := <-ch:
		return res, nil
	default:
	}
	// Close the race with a running transition that beat the registration.
	if cur, err := c.store.Deployments().Get(ctx, d.ID); err == nil {
		if cur.State == models.DeploymentStateRunning || cur.State.Terminal() {
			return waitResult{state: cur.State, err: rowFault(cur)}, nil
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-t.done:
		cur, err := c.store.Deployments().Get(ctx, d.ID)
		if err != nil {
			return waitResult{}, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
				"deployment %d reload failed", d.ID)
		}
		return waitResult{state: cur.State, err: rowFault(cur)}, nil
	case <-timer.C:
		return waitResult{}, fault.New(fault.CategoryInfrastructure, fault.CodeDeployTimeout,
			"deployment %d did not reach running within %s", d.ID, c.rc.DeployStartup)
	case <-ctx.Done():
		return waitResult{}, fault.Wrap(ctx.Err(), fault.CategoryInfrastructure, fault.CodeDeployTimeout,
			"wait for deployment %d interrupted", d.ID)
	}
}

// rowFault reconstructs the failure for a row read back in failed state.
func rowFault(d *models.Deployment) error {
	if d.State != models.DeploymentStateFailed {
		return nil
	}
	return fault.New(fault.CategoryInfrastructure, fault.CodeStartFailed, "%s", d.StatusReason)
}

// stopWithoutTask settles rows that have no task: sandboxed deployments
// and leftovers from an unclean recovery.
func (c *Controller) stopWithoutTask(ctx context.Context, d *models.Deployment, grace time.Duration) error {
	c.routes.Drop(d.ID)
	if d.ContainerID != "" {
		h := container.Handle{ContainerID: d.ContainerID, Endpoint: d.InternalEndpoint}
		c.sup.Stop(ctx, h, grace)
		if err := c.sup.Remove(ctx, d.ContainerID); err != nil {
			c.logger.Debug("Container remove failed", "container_id", d.ContainerID, "error", err)
		}
	}
	if d.State != models.DeploymentStateStopping {
		d.State = models.DeploymentStateStopping
		d.StatusReason = "undeploy"
		nd, err := c.store.Deployments().Update(ctx, d)
		if err != nil {
			return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
				"deployment %d update failed", d.ID)
		}
		d = nd
	}
	d.State = models.DeploymentStateStopped
	d.StatusReason = ""
	if _, err := c.store.Deployments().Update(ctx, d); err != nil {
		return fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
			"deployment %d update failed", d.ID)
	}
	c.logger.Info("Deployment stopped", "deployment_id", d.ID, "hiring_id", d.HiringID)
	return nil
}

func (c *Controller) liveDeployment(ctx context.Context, hiringID int64) (*models.Deployment, error) {
	d, err := c.store.Deployments().GetLiveByHiring(ctx, hiringID)
	if err == nil {
		return d, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable,
		"live deployment lookup for hiring %d failed", hiringID)
}

// specFor assembles the task's immutable inputs from the agent row.
func (c *Controller) specFor(agent *models.Agent, d *models.Deployment) provisionSpec {
	spec := provisionSpec{
		bundlePath: agent.BundlePath,
		digest:     agent.CodeDigest,
		entryPoint: agent.Manifest.EntryPoint,
		kind:       agent.Kind,
		hints:      agent.Manifest.Resources,
	}
	if dep := agent.Manifest.Deployment; dep != nil {
		spec.port = dep.Port
		spec.healthPath = dep.HealthPath
	}
	spec.env = c.containerEnv(d, spec.port)
	return spec
}

// containerEnv is the closed set of variables an agent container receives.
func (c *Controller) containerEnv(d *models.Deployment, port int) []string {
	env := []string{
		"HIRING_ID=" + strconv.FormatInt(d.HiringID, 10),
		"AGENT_ID=" + strconv.FormatInt(d.AgentID, 10),
		"DEPLOYMENT_ID=" + strconv.FormatInt(d.ID, 10),
		"GATEWAY_URL=" + c.gatewayURL,
	}
	if port > 0 {
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	return env
}

func (c *Controller) spawnTask(d *models.Deployment, spec provisionSpec) *task {
	t := newTask(d.ID)
	c.mu.Lock()
	c.tasks[d.ID] = t
	c.mu.Unlock()
	c.wg.Add(1)
	go c.runTask(t, d, spec)
	return t
}

func (c *Controller) removeTask(id int64) {
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

func (c *Controller) taskOf(id int64) (*task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Controller) snapshotTasks() []*task {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		ts = append(ts, t)
	}
	return ts
}

func (c *Controller) probeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.rc.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

// probeAll fans out one probe per probeable deployment; results land in
// each task's inbox as idempotent events.
func (c *Controller) probeAll() {
	for _, t := range c.snapshotTasks() {
		pt := t.probe.Load()
		if pt == nil {
			continue
		}
		c.wg.Add(1)
		go func(t *task, pt *probeTarget) {
			defer c.wg.Done()
			pctx, cancel := context.WithTimeout(c.lifeCtx, probeAttemptTimeout)
			defer cancel()
			err := c.sup.Probe(pctx, container.Handle{ContainerID: pt.containerID, Endpoint: pt.endpoint}, pt.healthPath)
			if err != nil {
				t.post(event{kind: eventProbeFail, reason: err.Error(), container: pt.containerID})
			} else {
				t.post(event{kind: eventProbeOK, container: pt.containerID})
			}
		}(t, pt)
	}
}
