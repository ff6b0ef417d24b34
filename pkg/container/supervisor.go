// Package container is the engine facade the deployment controller and the
// execution dispatcher drive: image builds keyed by bundle digest, container
// starts under clamped resource caps, health probes, in-container execs with
// a wall-clock budget, and label-based discovery of everything the runtime
// ever started.
package container

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hirebay/hirebay/pkg/models"
)

// Container labels. Every image and container the runtime creates carries
// LabelManaged so orphans survive a process crash and can be reaped later.
const (
	LabelManaged    = "io.hirebay.managed"
	LabelDeployment = "io.hirebay.deployment"
	LabelHiring     = "io.hirebay.hiring"
)

// Handle identifies one supervised container.
type Handle struct {
	ContainerID string
	// Endpoint is the published host:port, endpoint kinds only.
	Endpoint string
}

// BuildSpec describes one image build request.
type BuildSpec struct {
	// BundlePath locates the stored zip archive on disk.
	BundlePath string
	// Digest is the bundle content digest ("sha256:<hex>").
	Digest     string
	Kind       models.AgentKind
	EntryPoint string
	// Port is the server port for endpoint kinds, zero otherwise.
	Port int
}

// StartSpec describes one container start request.
type StartSpec struct {
	ImageTag     string
	DeploymentID int64
	HiringID     int64
	Kind         models.AgentKind
	// Hints are the manifest's requested caps; nil means kind defaults.
	Hints *models.ResourceHints
	Env   []string
	// Port is the container port to publish for endpoint kinds.
	Port int
}

// StartResult is the started container plus the caps it actually runs under
// after defaulting and clamping.
type StartResult struct {
	Handle Handle
	Caps   models.ResourceCaps
}

// Managed is one engine container carrying the runtime's labels, discovered
// independently of the store.
type Managed struct {
	ContainerID  string
	DeploymentID int64
	Running      bool
}

// Supervisor is the container engine surface. Implementations must be safe
// for concurrent use; the controller runs one task per deployment.
type Supervisor interface {
	// Build produces a reusable image for the bundle, tagged by content
	// digest and resource profile. Idempotent by tag.
	Build(ctx context.Context, spec BuildSpec) (string, error)

	// Start runs a container from a built image under effective caps.
	Start(ctx context.Context, spec StartSpec) (StartResult, error)

	// Probe reports nil when the container is healthy. For endpoint kinds
	// healthPath is GET against the published endpoint; otherwise the
	// engine's liveness state decides.
	Probe(ctx context.Context, h Handle, healthPath string) error

	// Exec runs cmd inside the container with payload on stdin and returns
	// captured stdout. The wall-clock budget is enforced both in-container
	// and on the attached connection.
	Exec(ctx context.Context, h Handle, cmd []string, payload []byte, timeout time.Duration) ([]byte, error)

	// Stop gracefully stops the container, killing it after grace. It never
	// fails; a missing or already-stopped container is success.
	Stop(ctx context.Context, h Handle, grace time.Duration)

	// Logs returns up to tail trailing log lines.
	Logs(ctx context.Context, h Handle, tail int) ([]string, error)

	// ListManaged enumerates every container carrying the runtime's labels,
	// including stopped ones.
	ListManaged(ctx context.Context) ([]Managed, error)

	// Remove force-removes a container. Missing containers are success.
	Remove(ctx context.Context, containerID string) error
}

// ImageTagFor derives the deterministic image tag for a bundle digest and
// agent kind. Rebuilding the same digest under the same profile is a no-op.
func ImageTagFor(digest string, kind models.AgentKind) string {
	hex := strings.TrimPrefix(digest, "sha256:")
	return fmt.Sprintf("hirebay/agent:%s-%s", hex, profileFor(kind))
}

// profileFor collapses kinds into build profiles. Endpoint kinds share a
// server image (the entry point is the container command); containerized
// functions get a paused image the dispatcher execs into.
func profileFor(kind models.AgentKind) string {
	if kind.Endpoint() {
		return "srv"
	}
	return "fn"
}

// EntryCommand returns the argv that runs an entry point, selected by file
// extension. Unknown extensions are executed directly and rely on a shebang.
func EntryCommand(entryPoint string) []string {
	abs := "/app/" + strings.TrimPrefix(entryPoint, "/")
	switch path.Ext(entryPoint) {
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

// renderDockerfile emits the generated build file. The bundle is copied to
// /app; endpoint kinds run their entry point as the container command,
// containerized functions idle until an exec arrives.
func renderDockerfile(baseImage string, spec BuildSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseImage)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . /app\n")
	fmt.Fprintf(&b, "RUN chmod +x %q || true\n", "/app/"+strings.TrimPrefix(spec.EntryPoint, "/"))
	if spec.Kind.Endpoint() {
		if spec.Port > 0 {
			fmt.Fprintf(&b, "EXPOSE %d\n", spec.Port)
		}
		fmt.Fprintf(&b, "CMD [%s]\n", quoteArgv(EntryCommand(spec.EntryPoint)))
	} else {
		b.WriteString("CMD [\"sleep\", \"infinity\"]\n")
	}
	return b.String()
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return strings.Join(quoted, ", ")
}
