package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/moby/go-archive"
	"golang.org/x/sync/semaphore"

	"github.com/hirebay/hirebay/pkg/bundle"
	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
)

const (
	defaultBaseImage  = "python:3.12-slim"
	buildLogTailLines = 40
	probeBodyLimit    = 4096

	// GNU timeout exit codes inside the container.
	execExitTimeout = 124
	execExitKilled  = 137
)

// EngineConfig configures the Docker-backed supervisor. BaseImage must
// provide coreutils and the interpreters EntryCommand selects.
type EngineConfig struct {
	BaseImage           string
	MaxConcurrentBuilds int
	MaxConcurrentStarts int
}

// DockerSupervisor drives a Docker engine reached through the standard
// client environment (DOCKER_HOST and friends).
type DockerSupervisor struct {
	cli       *client.Client
	caps      *config.CapsConfig
	logger    *slog.Logger
	httpc     *http.Client
	baseImage string
	buildSem  *semaphore.Weighted
	startSem  *semaphore.Weighted
}

var _ Supervisor = (*DockerSupervisor)(nil)

// NewDockerSupervisor connects to the engine and verifies it responds.
func NewDockerSupervisor(ctx context.Context, caps *config.CapsConfig, ec EngineConfig) (*DockerSupervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create container engine client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container engine unreachable: %w", err)
	}

	if ec.BaseImage == "" {
		ec.BaseImage = defaultBaseImage
	}
	if ec.MaxConcurrentBuilds <= 0 {
		ec.MaxConcurrentBuilds = 2
	}
	if ec.MaxConcurrentStarts <= 0 {
		ec.MaxConcurrentStarts = 8
	}

	return &DockerSupervisor{
		cli:       cli,
		caps:      caps,
		logger:    slog.With("component", "container"),
		httpc:     &http.Client{Timeout: 10 * time.Second},
		baseImage: ec.BaseImage,
		buildSem:  semaphore.NewWeighted(int64(ec.MaxConcurrentBuilds)),
		startSem:  semaphore.NewWeighted(int64(ec.MaxConcurrentStarts)),
	}, nil
}

// Close releases the engine client.
func (s *DockerSupervisor) Close() error {
	return s.cli.Close()
}

// Build produces the image for a bundle digest, reusing an existing tag.
//
// Steps:
//  1. Return early when the tag already exists (idempotent by digest)
//  2. Acquire a build slot, re-checking the tag after the wait
//  3. Extract the bundle and generate the Dockerfile
//  4. Run the engine build, keeping a bounded log tail for failures
func (s *DockerSupervisor) Build(ctx context.Context, spec BuildSpec) (string, error) {
	tag := ImageTagFor(spec.Digest, spec.Kind)

	exists, err := s.imageExists(ctx, tag)
	if err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "image lookup failed")
	}
	if exists {
		s.logger.Debug("Image already built", "tag", tag)
		return tag, nil
	}

	if err := s.buildSem.Acquire(ctx, 1); err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "wait for build slot aborted")
	}
	defer s.buildSem.Release(1)

	// A concurrent build of the same digest may have finished while we
	// waited for a slot.
	if exists, err := s.imageExists(ctx, tag); err == nil && exists {
		return tag, nil
	}

	workDir, err := os.MkdirTemp("", "hirebay-build-*")
	if err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "failed to create build workspace")
	}
	defer os.RemoveAll(workDir)

	b, err := bundle.Load(spec.BundlePath)
	if err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "stored bundle unreadable")
	}
	if err := b.Extract(workDir); err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "bundle extract failed")
	}
	dockerfile := renderDockerfile(s.baseImage, spec)
	if err := os.WriteFile(filepath.Join(workDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "failed to write Dockerfile")
	}

	buildCtx, err := archive.TarWithOptions(workDir, &archive.TarOptions{})
	if err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "failed to tar build context")
	}
	defer buildCtx.Close()

	resp, err := s.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed, "image build request failed")
	}
	defer resp.Body.Close()

	tail := newLineTail(buildLogTailLines)
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, tail, 0, false, nil); err != nil {
		return "", fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeBuildFailed,
			"image build failed: %s", tail.String())
	}

	s.logger.Info("Image built", "tag", tag, "kind", spec.Kind)
	return tag, nil
}

func (s *DockerSupervisor) imageExists(ctx context.Context, tag string) (bool, error) {
	list, err := s.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// Start runs a container under effective caps. Requested caps above the
// system maxima are clamped, not rejected.
func (s *DockerSupervisor) Start(ctx context.Context, spec StartSpec) (StartResult, error) {
	caps, clamped := s.caps.Resolve(spec.Kind, spec.Hints)
	if clamped {
		s.logger.Warn("Requested resource caps exceed system maxima, clamping",
			"deployment_id", spec.DeploymentID,
			"memory_bytes", caps.MemoryBytes,
			"cpu_quota", caps.CPUQuota,
			"pids_limit", caps.PIDsLimit)
	}

	if err := s.startSem.Acquire(ctx, 1); err != nil {
		return StartResult{}, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "wait for start slot aborted")
	}
	defer s.startSem.Release(1)

	labels := map[string]string{
		LabelManaged:    "true",
		LabelDeployment: strconv.FormatInt(spec.DeploymentID, 10),
		LabelHiring:     strconv.FormatInt(spec.HiringID, 10),
	}
	cfg := &container.Config{
		Image:  spec.ImageTag,
		Env:    spec.Env,
		Labels: labels,
	}
	pids := caps.PIDsLimit
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     caps.MemoryBytes,
			MemorySwap: caps.MemoryBytes,
			NanoCPUs:   int64(caps.CPUQuota * 1e9),
			PidsLimit:  &pids,
		},
	}
	if spec.Kind.Endpoint() {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		// Ephemeral host port on loopback; only the proxy reaches it.
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}}
	}

	name := fmt.Sprintf("hirebay-d%d-%d", spec.DeploymentID, time.Now().UnixNano())
	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return StartResult{}, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "container create failed")
	}
	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = s.Remove(context.WithoutCancel(ctx), created.ID)
		return StartResult{}, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "container start failed")
	}

	endpoint := ""
	if spec.Kind.Endpoint() {
		endpoint, err = s.publishedEndpoint(ctx, created.ID, spec.Port)
		if err != nil {
			s.Stop(context.WithoutCancel(ctx), Handle{ContainerID: created.ID}, 0)
			_ = s.Remove(context.WithoutCancel(ctx), created.ID)
			return StartResult{}, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "container port not published")
		}
	}

	s.logger.Info("Container started",
		"deployment_id", spec.DeploymentID,
		"container_id", shortID(created.ID),
		"endpoint", endpoint,
		"memory_bytes", caps.MemoryBytes,
		"cpu_quota", caps.CPUQuota,
		"pids_limit", caps.PIDsLimit)

	return StartResult{Handle: Handle{ContainerID: created.ID, Endpoint: endpoint}, Caps: caps}, nil
}

func (s *DockerSupervisor) publishedEndpoint(ctx context.Context, containerID string, port int) (string, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return "", fmt.Errorf("port %d/tcp has no host binding", port)
	}
	return net.JoinHostPort(bindings[0].HostIP, bindings[0].HostPort), nil
}

// Probe checks the published health endpoint when one exists, the engine's
// liveness state otherwise. A nil return means healthy.
func (s *DockerSupervisor) Probe(ctx context.Context, h Handle, healthPath string) error {
	if h.Endpoint != "" && healthPath != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+h.Endpoint+healthPath, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("health endpoint unreachable: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}

	inspect, err := s.cli.ContainerInspect(ctx, h.ContainerID)
	if err != nil {
		return fmt.Errorf("container inspect failed: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container %s is not running", shortID(h.ContainerID))
	}
	return nil
}

// Exec runs cmd inside the container, feeding payload on stdin and capturing
// demultiplexed stdout. The budget is enforced twice: GNU timeout wraps the
// command in-container, and the attached connection is cut at the deadline.
func (s *DockerSupervisor) Exec(ctx context.Context, h Handle, cmd []string, payload []byte, timeout time.Duration) ([]byte, error) {
	argv := cmd
	if timeout > 0 {
		secs := int64((timeout + time.Second - 1) / time.Second)
		argv = append([]string{"timeout", "-k", "2", strconv.FormatInt(secs, 10)}, cmd...)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}

	created, err := s.cli.ContainerExecCreate(ctx, h.ContainerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning, "exec create failed")
	}

	hijack, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning, "exec attach failed")
	}
	defer hijack.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader)
		copied <- err
	}()

	if _, err := hijack.Conn.Write(payload); err != nil {
		return nil, fault.Wrap(err, fault.CategoryAgentRuntime, fault.CodeAgentError, "write to entry point stdin failed")
	}
	if err := hijack.CloseWrite(); err != nil {
		s.logger.Debug("Exec stdin close failed", "container_id", shortID(h.ContainerID), "error", err)
	}

	select {
	case err := <-copied:
		if err != nil {
			return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning, "exec stream broke")
		}
	case <-ctx.Done():
		hijack.Close()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeCancelled, "execution cancelled")
		}
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "execution exceeded %s", timeout)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeDeploymentNotRunning, "exec inspect failed")
	}
	switch inspect.ExitCode {
	case 0:
		return stdout.Bytes(), nil
	case execExitTimeout, execExitKilled:
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "execution exceeded %s", timeout)
	default:
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"entry point exited %d: %s", inspect.ExitCode, tailOf(stderr.String(), 2048))
	}
}

// Stop stops the container, killing it after grace. Missing or already
// stopped containers are success.
func (s *DockerSupervisor) Stop(ctx context.Context, h Handle, grace time.Duration) {
	if h.ContainerID == "" {
		return
	}
	secs := int(grace / time.Second)
	if err := s.cli.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &secs}); err != nil {
		s.logger.Debug("Container stop failed, treating as stopped",
			"container_id", shortID(h.ContainerID), "error", err)
	}
}

// Logs returns up to tail trailing log lines, stdout and stderr interleaved.
func (s *DockerSupervisor) Logs(ctx context.Context, h Handle, tail int) ([]string, error) {
	if tail <= 0 {
		tail = 100
	}
	rc, err := s.cli.ContainerLogs(ctx, h.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("container log stream: %w", err)
	}
	out := strings.TrimRight(buf.String(), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ListManaged enumerates every container carrying the runtime's labels.
func (s *DockerSupervisor) ListManaged(ctx context.Context) ([]Managed, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	out := make([]Managed, 0, len(list))
	for _, c := range list {
		id, _ := strconv.ParseInt(c.Labels[LabelDeployment], 10, 64)
		out = append(out, Managed{
			ContainerID:  c.ID,
			DeploymentID: id,
			Running:      c.State == "running",
		})
	}
	return out, nil
}

// Remove force-removes a container; a missing container is success.
func (s *DockerSupervisor) Remove(ctx context.Context, containerID string) error {
	err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// lineTail is an io.Writer keeping the last n lines written through it.
type lineTail struct {
	mu   sync.Mutex
	n    int
	done []string
	part strings.Builder
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			t.push(t.part.String())
			t.part.Reset()
			continue
		}
		t.part.WriteByte(b)
	}
	return len(p), nil
}

func (t *lineTail) push(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	t.done = append(t.done, line)
	if len(t.done) > t.n {
		t.done = t.done[len(t.done)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.part.Len() > 0 {
		t.push(t.part.String())
		t.part.Reset()
	}
	return strings.Join(t.done, "\n")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
