package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
)

// ExecCall records one Fake.Exec invocation.
type ExecCall struct {
	ContainerID string
	Cmd         []string
	Payload     []byte
	Timeout     time.Duration
}

// Fake is an in-memory Supervisor for controller and dispatcher tests. The
// zero behavior builds, starts and probes successfully and echoes exec
// payloads; failures are injected through the setters, which are safe to
// call while controller goroutines run.
type Fake struct {
	mu sync.Mutex

	buildErr error
	startErr error
	probeErr error
	execHook func(ctx context.Context, cmd []string, payload []byte) ([]byte, error)
	endpoint string

	caps *config.CapsConfig

	seq      int64
	builds   []BuildSpec
	starts   []StartSpec
	execs    []ExecCall
	stops    []string
	removals []string
	live     map[string]bool
	deployOf map[string]int64
}

var _ Supervisor = (*Fake)(nil)

// NewFake returns a Fake reporting 127.0.0.1:0 as the endpoint of every
// endpoint-kind start.
func NewFake() *Fake {
	return &Fake{
		endpoint: "127.0.0.1:0",
		caps:     config.DefaultCapsConfig(),
		live:     make(map[string]bool),
		deployOf: make(map[string]int64),
	}
}

// FailBuilds makes every subsequent Build return err; nil restores success.
func (f *Fake) FailBuilds(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildErr = err
}

// FailStarts makes every subsequent Start return err; nil restores success.
func (f *Fake) FailStarts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailProbes makes every subsequent Probe return err; nil restores health.
func (f *Fake) FailProbes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

// OnExec installs the hook serving Exec calls.
func (f *Fake) OnExec(hook func(ctx context.Context, cmd []string, payload []byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execHook = hook
}

// SetEndpoint changes the endpoint reported for endpoint-kind starts,
// typically an httptest server address.
func (f *Fake) SetEndpoint(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpoint
}

func (f *Fake) Build(ctx context.Context, spec BuildSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, spec)
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return ImageTagFor(spec.Digest, spec.Kind), nil
}

func (f *Fake) Start(ctx context.Context, spec StartSpec) (StartResult, error) {
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec)
	if f.startErr != nil {
		return StartResult{}, f.startErr
	}

	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.live[id] = true
	f.deployOf[id] = spec.DeploymentID

	caps, _ := f.caps.Resolve(spec.Kind, spec.Hints)
	endpoint := ""
	if spec.Kind.Endpoint() {
		endpoint = f.endpoint
	}
	return StartResult{Handle: Handle{ContainerID: id, Endpoint: endpoint}, Caps: caps}, nil
}

func (f *Fake) Probe(ctx context.Context, h Handle, healthPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return f.probeErr
	}
	if h.ContainerID != "" && !f.live[h.ContainerID] {
		return fmt.Errorf("container %s is not running", h.ContainerID)
	}
	return nil
}

func (f *Fake) Exec(ctx context.Context, h Handle, cmd []string, payload []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	hook := f.execHook
	f.execs = append(f.execs, ExecCall{ContainerID: h.ContainerID, Cmd: cmd, Payload: payload, Timeout: timeout})
	f.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if hook == nil {
		return payload, nil
	}
	out, err := hook(ctx, cmd, payload)
	switch {
	case errors.Is(err, context.Canceled) || (err == nil && errors.Is(ctx.Err(), context.Canceled)):
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeCancelled, "execution cancelled")
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() != nil):
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "execution exceeded %s", timeout)
	}
	return out, err
}

func (f *Fake) Stop(ctx context.Context, h Handle, grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h.ContainerID)
	if _, ok := f.live[h.ContainerID]; ok {
		f.live[h.ContainerID] = false
	}
}

func (f *Fake) Logs(ctx context.Context, h Handle, tail int) ([]string, error) {
	return []string{"fake container log"}, nil
}

func (f *Fake) ListManaged(ctx context.Context) ([]Managed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Managed, 0, len(f.live))
	for id, running := range f.live {
		out = append(out, Managed{ContainerID: id, DeploymentID: f.deployOf[id], Running: running})
	}
	return out, nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, containerID)
	delete(f.live, containerID)
	delete(f.deployOf, containerID)
	return nil
}

// Builds returns a copy of the recorded build specs.
func (f *Fake) Builds() []BuildSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BuildSpec(nil), f.builds...)
}

// Starts returns a copy of the recorded start specs.
func (f *Fake) Starts() []StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StartSpec(nil), f.starts...)
}

// Execs returns a copy of the recorded exec calls.
func (f *Fake) Execs() []ExecCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecCall(nil), f.execs...)
}

// Stops returns the container ids Stop was called with, in order.
func (f *Fake) Stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// Removals returns the container ids Remove was called with, in order.
func (f *Fake) Removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removals...)
}

// Running reports whether the fake considers the container live.
func (f *Fake) Running(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[containerID]
}
