package config

import (
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateRuntime(); err != nil {
		return fmt.Errorf("runtime validation failed: %w", err)
	}

	if err := v.validateCaps(); err != nil {
		return fmt.Errorf("caps validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateRateCard(); err != nil {
		return fmt.Errorf("rate card validation failed: %w", err)
	}

	if err := v.validateBudget(); err != nil {
		return fmt.Errorf("budget validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateRuntime() error {
	r := v.cfg.Runtime
	durations := map[string]int64{
		"deploy_startup":        int64(r.DeployStartup),
		"startup_probe_budget":  int64(r.StartupProbeBudget),
		"execution_timeout":     int64(r.ExecutionTimeout),
		"max_execution_timeout": int64(r.MaxExecutionTimeout),
		"proxy_request_timeout": int64(r.ProxyRequestTimeout),
		"provider_timeout":      int64(r.ProviderTimeout),
		"probe_interval":        int64(r.ProbeInterval),
		"unhealthy_window":      int64(r.UnhealthyWindow),
		"restart_window":        int64(r.RestartWindow),
		"cleanup_interval":      int64(r.CleanupInterval),
	}
	for field, d := range durations {
		if d <= 0 {
			return NewValidationError("runtime", field, "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	if r.ExecutionTimeout > r.MaxExecutionTimeout {
		return NewValidationError("runtime", "execution_timeout", "",
			fmt.Errorf("%w: exceeds max_execution_timeout", ErrInvalidValue))
	}

	counts := map[string]int{
		"unhealthy_threshold":       r.UnhealthyThreshold,
		"max_restarts":              r.MaxRestarts,
		"max_concurrent_builds":     r.MaxConcurrentBuilds,
		"max_concurrent_starts":     r.MaxConcurrentStarts,
		"max_concurrent_executions": r.MaxConcurrentExecutions,
		"proxy_deployment_requests": r.ProxyDeploymentRequests,
		"stale_execution_factor":    r.StaleExecutionFactor,
	}
	for field, n := range counts {
		if n <= 0 {
			return NewValidationError("runtime", field, "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	if r.ProxyPort <= 0 || r.ProxyPort > 65535 {
		return NewValidationError("runtime", "proxy_port", "",
			fmt.Errorf("%w: %d out of range", ErrInvalidValue, r.ProxyPort))
	}
	return nil
}

func (v *ConfigValidator) validateCaps() error {
	c := v.cfg.Caps
	if c.MaxMemoryBytes <= 0 || c.MaxCPUQuota <= 0 || c.MaxPIDsLimit <= 0 {
		return NewValidationError("caps", "maxima", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	for kind, caps := range c.Defaults {
		if caps.MemoryBytes <= 0 || caps.CPUQuota <= 0 || caps.PIDsLimit <= 0 {
			return NewValidationError("caps", string(kind), "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if caps.MemoryBytes > c.MaxMemoryBytes || caps.CPUQuota > c.MaxCPUQuota || caps.PIDsLimit > c.MaxPIDsLimit {
			return NewValidationError("caps", string(kind), "",
				fmt.Errorf("%w: default exceeds system maximum", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for name, p := range v.cfg.Providers.GetAll() {
		if !p.Type.IsValid() {
			return NewValidationError("provider", name, "type", fmt.Errorf("%w: %s", ErrInvalidValue, p.Type))
		}
		switch p.Type {
		case ProviderTypeAnthropic, ProviderTypeOpenAI:
			if p.Model == "" {
				return NewValidationError("provider", name, "model", ErrMissingRequiredField)
			}
			if p.APIKeyEnv == "" {
				return NewValidationError("provider", name, "api_key_env", ErrMissingRequiredField)
			}
		case ProviderTypeRedis:
			if p.Addr == "" {
				return NewValidationError("provider", name, "addr", ErrMissingRequiredField)
			}
		case ProviderTypeWebSearch:
			if p.BaseURL == "" {
				return NewValidationError("provider", name, "base_url", ErrMissingRequiredField)
			}
		}
		if p.RequestsPerMinute < 0 {
			return NewValidationError("provider", name, "requests_per_minute",
				fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	}
	return nil
}

// validateRateCard checks every registered provider has a price for each
// call shape its type can serve, so a gateway call can never meter unpriced
// units.
func (v *ConfigValidator) validateRateCard() error {
	card := v.cfg.RateCard
	if card.Currency == "" {
		return NewValidationError("rate_card", card.Version, "currency", ErrMissingRequiredField)
	}

	operationsByFamily := map[string][]string{
		"llm-completion": {GatewayOpComplete},
		"llm-embedding":  {GatewayOpEmbed},
		"vector-op":      {GatewayOpUpsert, GatewayOpQuery},
		"web-search":     {GatewayOpSearch},
	}

	for name, p := range v.cfg.Providers.GetAll() {
		for _, family := range p.Type.Families() {
			for _, op := range operationsByFamily[string(family)] {
				if _, err := card.Lookup(family, name, op); err != nil {
					return NewValidationError("rate_card", card.Version, "",
						fmt.Errorf("provider %q has no %s/%s rate: %w", name, family, op, ErrRateNotFound))
				}
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateBudget() error {
	b := v.cfg.Budget
	if b.PeriodCap.IsNegative() || b.PerCallCap.IsNegative() {
		return NewValidationError("budgets", "defaults", "",
			fmt.Errorf("%w: caps must not be negative", ErrInvalidValue))
	}
	if b.PerCallCap.GreaterThan(b.PeriodCap) {
		return NewValidationError("budgets", "defaults", "",
			fmt.Errorf("%w: per_call_cap exceeds period_cap", ErrInvalidValue))
	}
	return nil
}
