package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"

	"github.com/hirebay/hirebay/pkg/models"
)

// CapsConfig holds per-kind default resource caps and the system maxima
// every request is clamped to.
type CapsConfig struct {
	Defaults map[models.AgentKind]models.ResourceCaps

	MaxMemoryBytes int64
	MaxCPUQuota    float64
	MaxPIDsLimit   int64
}

// CapsYAMLConfig is the caps section of hirebay.yaml. Memory values accept
// human units ("512MiB").
type CapsYAMLConfig struct {
	MaxMemory string  `yaml:"max_memory"`
	MaxCPU    float64 `yaml:"max_cpu"`
	MaxPIDs   int64   `yaml:"max_pids"`
}

// DefaultCapsConfig returns the built-in per-kind caps.
func DefaultCapsConfig() *CapsConfig {
	return &CapsConfig{
		Defaults: map[models.AgentKind]models.ResourceCaps{
			models.KindFunctionSandboxed:     {MemoryBytes: 128 * units.MiB, CPUQuota: 0.25, PIDsLimit: 50},
			models.KindFunctionContainerized: {MemoryBytes: 128 * units.MiB, CPUQuota: 0.25, PIDsLimit: 50},
			models.KindEndpointServer:        {MemoryBytes: 1 * units.GiB, CPUQuota: 1.0, PIDsLimit: 100},
			models.KindPersistentStateful:    {MemoryBytes: 512 * units.MiB, CPUQuota: 0.75, PIDsLimit: 75},
		},
		MaxMemoryBytes: 2 * units.GiB,
		MaxCPUQuota:    2.0,
		MaxPIDsLimit:   256,
	}
}

// resolveCapsConfig layers YAML over built-ins, then environment variables.
// DEFAULT_* variables replace the corresponding default across all kinds;
// MAX_* variables move the system maxima.
func resolveCapsConfig(y *CapsYAMLConfig) (*CapsConfig, error) {
	cfg := DefaultCapsConfig()

	if y != nil {
		if y.MaxMemory != "" {
			n, err := units.RAMInBytes(y.MaxMemory)
			if err != nil {
				return nil, fmt.Errorf("%w: caps.max_memory %q: %v", ErrInvalidValue, y.MaxMemory, err)
			}
			cfg.MaxMemoryBytes = n
		}
		if y.MaxCPU > 0 {
			cfg.MaxCPUQuota = y.MaxCPU
		}
		if y.MaxPIDs > 0 {
			cfg.MaxPIDsLimit = y.MaxPIDs
		}
	}

	if v := os.Getenv("DEFAULT_MEMORY_LIMIT"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return nil, fmt.Errorf("%w: DEFAULT_MEMORY_LIMIT=%q: %v", ErrInvalidValue, v, err)
		}
		for kind, caps := range cfg.Defaults {
			caps.MemoryBytes = n
			cfg.Defaults[kind] = caps
		}
	}
	if v := os.Getenv("DEFAULT_CPU_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("%w: DEFAULT_CPU_LIMIT=%q must be a positive number", ErrInvalidValue, v)
		}
		for kind, caps := range cfg.Defaults {
			caps.CPUQuota = f
			cfg.Defaults[kind] = caps
		}
	}
	if v := os.Getenv("DEFAULT_PIDS_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: DEFAULT_PIDS_LIMIT=%q must be a positive integer", ErrInvalidValue, v)
		}
		for kind, caps := range cfg.Defaults {
			caps.PIDsLimit = n
			cfg.Defaults[kind] = caps
		}
	}
	if v := os.Getenv("MAX_MEMORY_LIMIT"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return nil, fmt.Errorf("%w: MAX_MEMORY_LIMIT=%q: %v", ErrInvalidValue, v, err)
		}
		cfg.MaxMemoryBytes = n
	}
	if v := os.Getenv("MAX_CPU_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("%w: MAX_CPU_LIMIT=%q must be a positive number", ErrInvalidValue, v)
		}
		cfg.MaxCPUQuota = f
	}

	return cfg, nil
}

// Resolve computes the effective caps for an agent kind: manifest hints
// where present, kind defaults otherwise, everything clamped to the system
// maxima. The second return reports whether any requested value was reduced.
func (c *CapsConfig) Resolve(kind models.AgentKind, hints *models.ResourceHints) (models.ResourceCaps, bool) {
	caps := c.Defaults[kind]
	if hints != nil {
		if hints.MemoryBytes > 0 {
			caps.MemoryBytes = hints.MemoryBytes
		}
		if hints.CPUQuota > 0 {
			caps.CPUQuota = hints.CPUQuota
		}
		if hints.PIDsLimit > 0 {
			caps.PIDsLimit = hints.PIDsLimit
		}
	}

	clamped := false
	if caps.MemoryBytes > c.MaxMemoryBytes {
		caps.MemoryBytes = c.MaxMemoryBytes
		clamped = true
	}
	if caps.CPUQuota > c.MaxCPUQuota {
		caps.CPUQuota = c.MaxCPUQuota
		clamped = true
	}
	if caps.PIDsLimit > c.MaxPIDsLimit {
		caps.PIDsLimit = c.MaxPIDsLimit
		clamped = true
	}
	return caps, clamped
}
