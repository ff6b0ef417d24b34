// Package sandbox runs function-sandboxed agents as supervised OS
// subprocesses: per-execution scratch directory, rlimit equivalents of the
// container caps, payload on stdin, JSON captured from stdout.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hirebay/hirebay/pkg/bundle"
	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
)

const (
	maxStdoutBytes = 8 << 20
	maxStderrBytes = 64 << 10

	// killDelay bounds how long a killed process group may linger before
	// Wait gives up on its pipes.
	killDelay = 2 * time.Second
)

// Runner executes sandboxed entry points. Safe for concurrent use.
type Runner struct {
	caps       *config.CapsConfig
	logger     *slog.Logger
	scratchDir string
	gatewayURL string
}

// NewRunner creates a Runner placing per-execution scratch directories under
// scratchDir. gatewayURL is handed to the agent process; it is the only
// network egress the contract allows.
func NewRunner(caps *config.CapsConfig, scratchDir, gatewayURL string) *Runner {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Runner{
		caps:       caps,
		logger:     slog.With("component", "sandbox"),
		scratchDir: scratchDir,
		gatewayURL: gatewayURL,
	}
}

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	ExecID     string
	BundlePath string
	EntryPoint string
	// Hints are the manifest's requested caps; nil means kind defaults.
	Hints   *models.ResourceHints
	Env     []string
	Payload []byte
	Timeout time.Duration
}

// Run executes the entry point once and returns its stdout.
//
// Steps:
//  1. Extract the bundle into a fresh scratch directory
//  2. Start the entry point with payload on stdin and rlimit caps applied
//  3. Enforce the wall-clock budget, killing the process group on expiry
//  4. Map the outcome to stdout bytes, Timeout, Cancelled or AgentError
func (r *Runner) Run(ctx context.Context, spec RunSpec) ([]byte, error) {
	scratch, err := os.MkdirTemp(r.scratchDir, "hirebay-exec-*")
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "failed to create scratch directory")
	}
	defer os.RemoveAll(scratch)

	b, err := bundle.Load(spec.BundlePath)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "stored bundle unreadable")
	}
	if err := b.Extract(scratch); err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "bundle extract failed")
	}

	caps, clamped := r.caps.Resolve(models.KindFunctionSandboxed, spec.Hints)
	if clamped {
		r.logger.Warn("Requested resource caps exceed system maxima, clamping",
			"exec_id", spec.ExecID,
			"memory_bytes", caps.MemoryBytes,
			"cpu_quota", caps.CPUQuota,
			"pids_limit", caps.PIDsLimit)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	argv := entryArgv(scratch, spec.EntryPoint)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Stdin = bytes.NewReader(spec.Payload)

	stdout := &boundedBuffer{limit: maxStdoutBytes}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.Env = append([]string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"EXECUTION_ID=" + spec.ExecID,
		"GATEWAY_URL=" + r.gatewayURL,
	}, spec.Env...)

	// Entry points may fork; the whole group dies together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killDelay

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStartFailed, "entry point start failed")
	}
	applyLimits(cmd.Process.Pid, caps, spec.Timeout, r.logger)

	waitErr := cmd.Wait()
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeTimeout, "execution exceeded %s", spec.Timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeCancelled, "execution cancelled")
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
				"entry point exited %d: %s", exitErr.ExitCode(), stderr.Tail(2048))
		}
		return nil, fault.Wrap(waitErr, fault.CategoryAgentRuntime, fault.CodeAgentError, "entry point failed")
	}

	if stdout.overflow {
		return nil, fault.New(fault.CategoryAgentRuntime, fault.CodeAgentError,
			"entry point output exceeded %d bytes", maxStdoutBytes)
	}
	return stdout.Bytes(), nil
}

// entryArgv resolves the interpreter for an entry point inside the scratch
// directory, mirroring the in-container command selection.
func entryArgv(dir, entryPoint string) []string {
	abs := filepath.Join(dir, filepath.FromSlash(entryPoint))
	switch filepath.Ext(entryPoint) {
	case ".py":
		return []string{"python", abs}
	case ".js", ".mjs":
		return []string{"node", abs}
	case ".sh":
		return []string{"sh", abs}
	default:
		return []string{abs}
	}
}

// applyLimits applies rlimit equivalents of the container caps right after
// start. RLIMIT_NPROC is per-uid, so the PID cap bounds runaway forking
// rather than counting exactly; the CPU budget is the quota fraction of the
// wall-clock budget.
func applyLimits(pid int, caps models.ResourceCaps, timeout time.Duration, logger *slog.Logger) {
	set := func(resource int, v uint64) {
		if err := unix.Prlimit(pid, resource, &unix.Rlimit{Cur: v, Max: v}, nil); err != nil {
			logger.Debug("Failed to apply rlimit", "pid", pid, "resource", resource, "error", err)
		}
	}
	if caps.MemoryBytes > 0 {
		set(unix.RLIMIT_AS, uint64(caps.MemoryBytes))
	}
	if caps.PIDsLimit > 0 {
		set(unix.RLIMIT_NPROC, uint64(caps.PIDsLimit))
	}
	if caps.CPUQuota > 0 && timeout > 0 {
		secs := uint64(math.Ceil(caps.CPUQuota * timeout.Seconds()))
		if secs == 0 {
			secs = 1
		}
		set(unix.RLIMIT_CPU, secs)
	}
}

// boundedBuffer caps captured output, swallowing the excess so the child
// never blocks on a full pipe.
type boundedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Tail returns up to n trailing bytes, trimmed, for error messages.
func (b *boundedBuffer) Tail(n int) string {
	s := strings.TrimSpace(b.buf.String())
	if len(s) > n {
		s = s[len(s)-n:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
