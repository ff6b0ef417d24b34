package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RuntimeConfig bounds every blocking point of the runtime. Values come from
// built-in defaults, overridden by the runtime section of hirebay.yaml,
// overridden by environment variables.
type RuntimeConfig struct {
	// DeployStartup caps how long EnsureDeployed blocks for a deployment to
	// reach running or terminal failure.
	DeployStartup time.Duration `yaml:"-"`

	// StartupProbeBudget caps the window between container start and the
	// first successful probe.
	StartupProbeBudget time.Duration `yaml:"-"`

	// ExecutionTimeout is the default wall-clock budget per execution;
	// manifests may request less, never more than MaxExecutionTimeout.
	ExecutionTimeout    time.Duration `yaml:"-"`
	MaxExecutionTimeout time.Duration `yaml:"-"`

	// ProxyRequestTimeout bounds one forwarded request.
	ProxyRequestTimeout time.Duration `yaml:"-"`

	// ProviderTimeout bounds one gateway provider call.
	ProviderTimeout time.Duration `yaml:"-"`

	// ProbeInterval is the health probe cadence for running deployments.
	ProbeInterval time.Duration `yaml:"-"`

	// UnhealthyThreshold failed probes within UnhealthyWindow flip a running
	// deployment to unhealthy.
	UnhealthyThreshold int           `yaml:"-"`
	UnhealthyWindow    time.Duration `yaml:"-"`

	// MaxRestarts within RestartWindow before a deployment fails for good.
	MaxRestarts   int           `yaml:"-"`
	RestartWindow time.Duration `yaml:"-"`

	// MaxConcurrentBuilds and MaxConcurrentStarts throttle the container
	// engine across all deployments.
	MaxConcurrentBuilds int `yaml:"-"`
	MaxConcurrentStarts int `yaml:"-"`

	// MaxConcurrentExecutions is the per-hiring in-flight cap; excess
	// dispatches fail fast.
	MaxConcurrentExecutions int `yaml:"-"`

	// ProxyPort is the public listener port; ProxyDeploymentRequests is the
	// per-deployment concurrent forward cap.
	ProxyPort               int `yaml:"-"`
	ProxyDeploymentRequests int `yaml:"-"`

	// CleanupInterval is the reaper cadence; CleanupOperationBudget bounds
	// the agent's optional cleanup operation on cancellation.
	CleanupInterval        time.Duration `yaml:"-"`
	CleanupOperationBudget time.Duration `yaml:"-"`

	// StaleExecutionFactor times ExecutionTimeout marks a heartbeat-less
	// running execution as failed.
	StaleExecutionFactor int `yaml:"-"`
}

// RuntimeYAMLConfig is the runtime section of hirebay.yaml. Durations are
// whole seconds, matching the environment variable units.
type RuntimeYAMLConfig struct {
	DeployStartupSeconds       int `yaml:"deploy_startup_seconds"`
	StartupProbeBudgetSeconds  int `yaml:"startup_probe_budget_seconds"`
	ExecutionTimeoutSeconds    int `yaml:"execution_timeout_seconds"`
	MaxExecutionTimeoutSeconds int `yaml:"max_execution_timeout_seconds"`
	ProxyRequestTimeoutSeconds int `yaml:"proxy_request_timeout_seconds"`
	ProviderTimeoutSeconds     int `yaml:"provider_timeout_seconds"`
	ProbeIntervalSeconds       int `yaml:"probe_interval_seconds"`
	UnhealthyThreshold         int `yaml:"unhealthy_threshold"`
	UnhealthyWindowSeconds     int `yaml:"unhealthy_window_seconds"`
	MaxRestarts                int `yaml:"max_restarts"`
	RestartWindowSeconds       int `yaml:"restart_window_seconds"`
	MaxConcurrentBuilds        int `yaml:"max_concurrent_builds"`
	MaxConcurrentStarts        int `yaml:"max_concurrent_starts"`
	MaxConcurrentExecutions    int `yaml:"max_concurrent_executions"`
	ProxyPort                  int `yaml:"proxy_port"`
	ProxyDeploymentRequests    int `yaml:"proxy_deployment_requests"`
	CleanupIntervalSeconds     int `yaml:"cleanup_interval_seconds"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		DeployStartup:           120 * time.Second,
		StartupProbeBudget:      60 * time.Second,
		ExecutionTimeout:        300 * time.Second,
		MaxExecutionTimeout:     600 * time.Second,
		ProxyRequestTimeout:     120 * time.Second,
		ProviderTimeout:         60 * time.Second,
		ProbeInterval:           10 * time.Second,
		UnhealthyThreshold:      3,
		UnhealthyWindow:         60 * time.Second,
		MaxRestarts:             3,
		RestartWindow:           10 * time.Minute,
		MaxConcurrentBuilds:     2,
		MaxConcurrentStarts:     8,
		MaxConcurrentExecutions: 32,
		ProxyPort:               8090,
		ProxyDeploymentRequests: 32,
		CleanupInterval:         30 * time.Second,
		CleanupOperationBudget:  30 * time.Second,
		StaleExecutionFactor:    2,
	}
}

// resolveRuntimeConfig layers YAML over built-ins, then environment
// variables over both.
func resolveRuntimeConfig(y *RuntimeYAMLConfig) (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	if y != nil {
		applySeconds := func(dst *time.Duration, secs int) {
			if secs > 0 {
				*dst = time.Duration(secs) * time.Second
			}
		}
		applySeconds(&cfg.DeployStartup, y.DeployStartupSeconds)
		applySeconds(&cfg.StartupProbeBudget, y.StartupProbeBudgetSeconds)
		applySeconds(&cfg.ExecutionTimeout, y.ExecutionTimeoutSeconds)
		applySeconds(&cfg.MaxExecutionTimeout, y.MaxExecutionTimeoutSeconds)
		applySeconds(&cfg.ProxyRequestTimeout, y.ProxyRequestTimeoutSeconds)
		applySeconds(&cfg.ProviderTimeout, y.ProviderTimeoutSeconds)
		applySeconds(&cfg.ProbeInterval, y.ProbeIntervalSeconds)
		applySeconds(&cfg.UnhealthyWindow, y.UnhealthyWindowSeconds)
		applySeconds(&cfg.RestartWindow, y.RestartWindowSeconds)
		applySeconds(&cfg.CleanupInterval, y.CleanupIntervalSeconds)
		if y.UnhealthyThreshold > 0 {
			cfg.UnhealthyThreshold = y.UnhealthyThreshold
		}
		if y.MaxRestarts > 0 {
			cfg.MaxRestarts = y.MaxRestarts
		}
		if y.MaxConcurrentBuilds > 0 {
			cfg.MaxConcurrentBuilds = y.MaxConcurrentBuilds
		}
		if y.MaxConcurrentStarts > 0 {
			cfg.MaxConcurrentStarts = y.MaxConcurrentStarts
		}
		if y.MaxConcurrentExecutions > 0 {
			cfg.MaxConcurrentExecutions = y.MaxConcurrentExecutions
		}
		if y.ProxyPort > 0 {
			cfg.ProxyPort = y.ProxyPort
		}
		if y.ProxyDeploymentRequests > 0 {
			cfg.ProxyDeploymentRequests = y.ProxyDeploymentRequests
		}
	}

	var err error
	if cfg.DeployStartup, err = envSeconds("DEPLOY_STARTUP_SECONDS", cfg.DeployStartup); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeout, err = envSeconds("EXECUTION_TIMEOUT_SECONDS", cfg.ExecutionTimeout); err != nil {
		return nil, err
	}
	if cfg.ProxyPort, err = envInt("PROXY_PORT", cfg.ProxyPort); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentBuilds, err = envInt("MAX_CONCURRENT_BUILDS", cfg.MaxConcurrentBuilds); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentStarts, err = envInt("MAX_CONCURRENT_STARTS", cfg.MaxConcurrentStarts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(key string, current int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q must be a positive integer", ErrInvalidValue, key, val)
	}
	return n, nil
}

func envSeconds(key string, current time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(current/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
