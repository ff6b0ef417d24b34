package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/docker/go-units"
	"github.com/shopspring/decimal"
)

// Reserved operation names. Every manifest declares at least OpExecute;
// OpInitialize and OpCleanup are optional lifecycle hooks invoked by the
// dispatcher on hire and on cancellation.
const (
	OpExecute    = "execute"
	OpInitialize = "initialize"
	OpCleanup    = "cleanup"
)

// PricingPlan is the billing model declared by the agent manifest.
type PricingPlan string

const (
	PricingFree          PricingPlan = "free"
	PricingPerInvocation PricingPlan = "per-invocation"
	PricingPeriodic      PricingPlan = "periodic"
)

// Valid reports whether p is a known pricing plan.
func (p PricingPlan) Valid() bool {
	switch p {
	case PricingFree, PricingPerInvocation, PricingPeriodic:
		return true
	}
	return false
}

// Pricing is the plan plus its fixed-point price. Price must be zero for a
// free plan and non-negative otherwise.
type Pricing struct {
	Plan  PricingPlan     `json:"plan"`
	Price decimal.Decimal `json:"price"`
}

// OperationSchemas holds the raw JSON Schema documents of one operation.
// Schemas stay raw here; compilation and keyword policing happen at
// admission time.
type OperationSchemas struct {
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

// DeploymentSpec is the endpoint-kind section of a manifest describing how
// the containerized server is reached.
type DeploymentSpec struct {
	Port           int               `json:"port"`
	HealthPath     string            `json:"health_path"`
	OperationPaths map[string]string `json:"operation_paths,omitempty"`
}

// OperationPath returns the HTTP path serving the named operation,
// defaulting to "/" + operation when no explicit mapping exists.
func (d *DeploymentSpec) OperationPath(operation string) string {
	if d != nil && d.OperationPaths != nil {
		if p, ok := d.OperationPaths[operation]; ok {
			return p
		}
	}
	return "/" + operation
}

// ResourceHints are the manifest's requested caps. Zero values mean "use the
// kind's defaults". The supervisor clamps requests to system maxima.
type ResourceHints struct {
	MemoryBytes int64   `json:"memory,omitempty"`
	CPUQuota    float64 `json:"cpu,omitempty"`
	PIDsLimit   int64   `json:"pids,omitempty"`
}

// resourceHintsWire accepts the human form of the memory field ("256MiB")
// alongside the numeric byte count the struct marshals back to.
type resourceHintsWire struct {
	Memory json.RawMessage `json:"memory"`
	CPU    float64         `json:"cpu"`
	PIDs   int64           `json:"pids"`
}

func (r *ResourceHints) UnmarshalJSON(data []byte) error {
	var wire resourceHintsWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	r.CPUQuota = wire.CPU
	r.PIDsLimit = wire.PIDs
	r.MemoryBytes = 0
	if len(wire.Memory) == 0 || string(wire.Memory) == "null" {
		return nil
	}
	if wire.Memory[0] == '"' {
		var s string
		if err := json.Unmarshal(wire.Memory, &s); err != nil {
			return err
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return fmt.Errorf("invalid memory hint %q: %w", s, err)
		}
		r.MemoryBytes = n
		return nil
	}
	return json.Unmarshal(wire.Memory, &r.MemoryBytes)
}

// Manifest is the declarative contract an agent is admitted under. Approved
// manifests are immutable; new behavior means a new (name, version).
type Manifest struct {
	Name         string                      `json:"name"`
	Version      string                      `json:"version"`
	Kind         AgentKind                   `json:"kind"`
	EntryPoint   string                      `json:"entry_point"`
	Operations   map[string]OperationSchemas `json:"operations"`
	Requirements []ResourceFamily            `json:"requirements,omitempty"`
	Resources    *ResourceHints              `json:"resources,omitempty"`
	// TimeoutSeconds is the requested per-execution wall-clock budget.
	// Zero means the system default; the dispatcher clamps requests to the
	// system maximum.
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Pricing        Pricing         `json:"pricing"`
	Deployment     *DeploymentSpec `json:"deployment,omitempty"`
	ConfigNotes    string          `json:"config_notes,omitempty"`
}

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// ParseManifest decodes manifest JSON strictly: unknown keys anywhere in the
// document (outside the raw schema blobs) are rejected.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, err
	}
	// Trailing content after the JSON document is a malformed manifest.
	if dec.More() {
		return Manifest{}, fmt.Errorf("trailing data after manifest document")
	}
	return m, nil
}

// Validate performs the structural shape check. Schema keyword policing and
// duplicate detection happen at admission.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if !semverRe.MatchString(m.Version) {
		return fmt.Errorf("manifest: version %q is not a semantic version", m.Version)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("manifest: unknown kind %q", m.Kind)
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("manifest: entry_point is required")
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("manifest: at least one operation is required")
	}
	if _, ok := m.Operations[OpExecute]; !ok {
		return fmt.Errorf("manifest: operation %q is required", OpExecute)
	}
	for name, op := range m.Operations {
		if name == "" {
			return fmt.Errorf("manifest: operation with empty name")
		}
		if len(op.InputSchema) == 0 {
			return fmt.Errorf("manifest: operation %q has no inputSchema", name)
		}
		if len(op.OutputSchema) == 0 {
			return fmt.Errorf("manifest: operation %q has no outputSchema", name)
		}
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("manifest: timeout_seconds must not be negative")
	}
	if !m.Pricing.Plan.Valid() {
		return fmt.Errorf("manifest: unknown pricing plan %q", m.Pricing.Plan)
	}
	if m.Pricing.Price.IsNegative() {
		return fmt.Errorf("manifest: pricing price must not be negative")
	}
	if m.Pricing.Plan == PricingFree && !m.Pricing.Price.IsZero() {
		return fmt.Errorf("manifest: free plan must not carry a price")
	}
	for _, fam := range m.Requirements {
		if !fam.Valid() {
			return fmt.Errorf("manifest: unknown resource requirement %q", fam)
		}
	}
	if m.Kind.Endpoint() {
		if m.Deployment == nil {
			return fmt.Errorf("manifest: kind %q requires a deployment section", m.Kind)
		}
		if m.Deployment.Port <= 0 || m.Deployment.Port > 65535 {
			return fmt.Errorf("manifest: deployment port %d out of range", m.Deployment.Port)
		}
		if m.Deployment.HealthPath == "" {
			return fmt.Errorf("manifest: deployment health_path is required")
		}
		for op, path := range m.Deployment.OperationPaths {
			if _, ok := m.Operations[op]; !ok {
				return fmt.Errorf("manifest: operation_paths references undeclared operation %q", op)
			}
			if path == "" || path[0] != '/' {
				return fmt.Errorf("manifest: operation path for %q must start with /", op)
			}
		}
	} else if m.Deployment != nil {
		return fmt.Errorf("manifest: kind %q must not carry a deployment section", m.Kind)
	}
	return nil
}

// InputSchema returns the raw input schema for operation, if declared.
func (m *Manifest) InputSchema(operation string) (json.RawMessage, bool) {
	op, ok := m.Operations[operation]
	if !ok {
		return nil, false
	}
	return op.InputSchema, true
}

// OutputSchema returns the raw output schema for operation, if declared.
func (m *Manifest) OutputSchema(operation string) (json.RawMessage, bool) {
	op, ok := m.Operations[operation]
	if !ok {
		return nil, false
	}
	return op.OutputSchema, true
}

// Value stores the manifest as a JSON document.
func (m Manifest) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan restores the manifest from its stored JSON document.
func (m *Manifest) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = Manifest{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Manifest", src)
	}
}
