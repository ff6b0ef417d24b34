package config

// Config is the umbrella configuration object returned by Initialize() and
// threaded through the runtime. Registries are read-only after startup.
type Config struct {
	configDir string

	// Runtime bounds every blocking point (timeouts, caps, intervals).
	Runtime *RuntimeConfig

	// Caps holds per-kind resource defaults and system maxima.
	Caps *CapsConfig

	// Providers is the registry of gateway providers.
	Providers *ProviderRegistry

	// RateCard is the active price list, selected by RATE_CARD_VERSION.
	RateCard *RateCard

	// Budget seeds new user budgets.
	Budget BudgetDefaults
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Providers int
	Rates     int
}

// Stats returns configuration statistics for logging
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Providers != nil {
		s.Providers = c.Providers.Len()
	}
	if c.RateCard != nil {
		s.Rates = c.RateCard.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetProvider retrieves a provider configuration by name.
// Convenience wrapper around Providers.Get().
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.Providers.Get(name)
}
