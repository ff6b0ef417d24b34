package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HirebayYAMLConfig represents the complete hirebay.yaml file structure
type HirebayYAMLConfig struct {
	Runtime   *RuntimeYAMLConfig            `yaml:"runtime"`
	Caps      *CapsYAMLConfig               `yaml:"caps"`
	Providers map[string]*ProviderConfig    `yaml:"providers"`
	RateCards map[string]RateCardYAMLConfig `yaml:"rate_cards"`
	Budgets   *BudgetYAMLConfig             `yaml:"budgets"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load hirebay.yaml from configDir (optional; built-ins apply without it)
//  2. Expand environment variables
//  3. Merge built-in + user-defined providers and rate cards
//  4. Resolve runtime and caps (built-ins ← YAML ← environment)
//  5. Select the active rate card via RATE_CARD_VERSION
//  6. Build the provider registry
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"rates", stats.Rates,
		"rate_card_version", cfg.RateCard.Version)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	// 1. Load hirebay.yaml; a missing file means built-ins plus environment.
	yamlCfg, err := loadHirebayYAML(configDir)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("No hirebay.yaml found, using built-in configuration", "config_dir", configDir)
			yamlCfg = &HirebayYAMLConfig{}
		} else {
			return nil, NewLoadError("hirebay.yaml", err)
		}
	}

	// 2. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 3. Merge built-in + user-defined components (user overrides built-in)
	providers, err := mergeProviders(builtin.Providers, yamlCfg.Providers)
	if err != nil {
		return nil, err
	}
	rateCards, err := mergeRateCards(builtin.RateCards, yamlCfg.RateCards)
	if err != nil {
		return nil, err
	}

	// 4. Resolve runtime and caps with environment overrides
	runtime, err := resolveRuntimeConfig(yamlCfg.Runtime)
	if err != nil {
		return nil, err
	}
	caps, err := resolveCapsConfig(yamlCfg.Caps)
	if err != nil {
		return nil, err
	}

	// 5. Select the active rate card
	version := getEnvOrDefault("RATE_CARD_VERSION", builtin.DefaultRateCardVersion)
	rateCard, ok := rateCards[version]
	if !ok {
		return nil, NewValidationError("rate_card", version, "",
			fmt.Errorf("%w: RATE_CARD_VERSION names an unknown card", ErrInvalidValue))
	}

	// 6. Resolve budget defaults
	budget := builtin.Budget
	if yamlCfg.Budgets != nil {
		if yamlCfg.Budgets.PeriodCap != "" {
			if budget.PeriodCap, err = parsePrice(yamlCfg.Budgets.PeriodCap); err != nil {
				return nil, NewValidationError("budgets", "period_cap", "", err)
			}
		}
		if yamlCfg.Budgets.PerCallCap != "" {
			if budget.PerCallCap, err = parsePrice(yamlCfg.Budgets.PerCallCap); err != nil {
				return nil, NewValidationError("budgets", "per_call_cap", "", err)
			}
		}
	}

	return &Config{
		configDir: configDir,
		Runtime:   runtime,
		Caps:      caps,
		Providers: NewProviderRegistry(providers),
		RateCard:  rateCard,
		Budget:    budget,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

func loadHirebayYAML(configDir string) (*HirebayYAMLConfig, error) {
	path := filepath.Join(configDir, "hirebay.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	var config HirebayYAMLConfig
	config.Providers = make(map[string]*ProviderConfig)
	config.RateCards = make(map[string]RateCardYAMLConfig)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}
