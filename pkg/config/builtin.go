package config

import (
	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/models"
)

// DefaultRateCardVersion is used when RATE_CARD_VERSION is unset.
const DefaultRateCardVersion = "v1"

// BuiltinConfig holds the in-code configuration the YAML file layers over.
type BuiltinConfig struct {
	Providers              map[string]*ProviderConfig
	RateCards              map[string]*RateCard
	DefaultRateCardVersion string
	Budget                 BudgetDefaults
}

// BudgetDefaults seed UserBudget rows created on a user's first gateway call.
type BudgetDefaults struct {
	PeriodCap  decimal.Decimal
	PerCallCap decimal.Decimal
}

// BudgetYAMLConfig is the budgets section of hirebay.yaml. Caps are decimal
// strings.
type BudgetYAMLConfig struct {
	PeriodCap  string `yaml:"period_cap"`
	PerCallCap string `yaml:"per_call_cap"`
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// GetBuiltinConfig returns the built-in providers and rate cards. User YAML
// overrides win key by key.
func GetBuiltinConfig() *BuiltinConfig {
	return &BuiltinConfig{
		Providers: map[string]*ProviderConfig{
			"anthropic": {
				Type:      ProviderTypeAnthropic,
				Model:     "claude-sonnet-4-5",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
			"openai": {
				Type:      ProviderTypeOpenAI,
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			"redis-local": {
				Type: ProviderTypeRedis,
				Addr: "localhost:6379",
			},
			"websearch": {
				Type:      ProviderTypeWebSearch,
				BaseURL:   "https://serpapi.com/search",
				APIKeyEnv: "SERPAPI_API_KEY",
			},
		},
		RateCards: map[string]*RateCard{
			DefaultRateCardVersion: NewRateCard(DefaultRateCardVersion, "USD", map[RateKey]Rate{
				{Family: models.FamilyLLMCompletion, Provider: "anthropic", Operation: GatewayOpComplete}: {
					PerInputUnit:  d("0.000003"),
					PerOutputUnit: d("0.000015"),
				},
				{Family: models.FamilyLLMCompletion, Provider: "openai", Operation: GatewayOpComplete}: {
					PerInputUnit:  d("0.0000025"),
					PerOutputUnit: d("0.00001"),
				},
				{Family: models.FamilyLLMEmbedding, Provider: "openai", Operation: GatewayOpEmbed}: {
					PerInputUnit:  d("0.00000002"),
					PerOutputUnit: d("0"),
				},
				{Family: models.FamilyVectorOp, Provider: "redis-local", Operation: GatewayOpUpsert}: {
					PerInputUnit:  d("0.00001"),
					PerOutputUnit: d("0"),
				},
				{Family: models.FamilyVectorOp, Provider: "redis-local", Operation: GatewayOpQuery}: {
					PerInputUnit:  d("0.00005"),
					PerOutputUnit: d("0"),
				},
				{Family: models.FamilyWebSearch, Provider: "websearch", Operation: GatewayOpSearch}: {
					PerInputUnit:  d("0.005"),
					PerOutputUnit: d("0"),
				},
			}),
		},
		DefaultRateCardVersion: DefaultRateCardVersion,
		Budget: BudgetDefaults{
			PeriodCap:  d("25"),
			PerCallCap: d("1"),
		},
	}
}
