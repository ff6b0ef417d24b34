package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/models"
)

// Canonical gateway operation names priced by the rate card.
const (
	GatewayOpComplete = "complete"
	GatewayOpEmbed    = "embed"
	GatewayOpUpsert   = "upsert"
	GatewayOpQuery    = "query"
	GatewayOpSearch   = "search"
)

// Rate prices one (family, provider, operation) shape per metered unit.
// Fixed-point decimals; float64 never touches money.
type Rate struct {
	PerInputUnit  decimal.Decimal
	PerOutputUnit decimal.Decimal
}

// RateKey addresses one rate card entry.
type RateKey struct {
	Family    models.ResourceFamily
	Provider  string
	Operation string
}

// RateCard is the authoritative price list for one version. Lookups are
// read-only after construction.
type RateCard struct {
	Version  string
	Currency string
	rates    map[RateKey]Rate
}

// NewRateCard builds a card from explicit entries.
func NewRateCard(version, currency string, rates map[RateKey]Rate) *RateCard {
	copied := make(map[RateKey]Rate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &RateCard{Version: version, Currency: currency, rates: copied}
}

// Lookup returns the rate for a call shape.
func (c *RateCard) Lookup(family models.ResourceFamily, provider, operation string) (Rate, error) {
	r, ok := c.rates[RateKey{Family: family, Provider: provider, Operation: operation}]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s/%s (card %s)", ErrRateNotFound, family, provider, operation, c.Version)
	}
	return r, nil
}

// Price computes the cost of metered units under this card.
func (c *RateCard) Price(family models.ResourceFamily, provider, operation string, inputUnits, outputUnits int64) (decimal.Decimal, error) {
	r, err := c.Lookup(family, provider, operation)
	if err != nil {
		return decimal.Decimal{}, err
	}
	in := r.PerInputUnit.Mul(decimal.NewFromInt(inputUnits))
	out := r.PerOutputUnit.Mul(decimal.NewFromInt(outputUnits))
	return in.Add(out), nil
}

// Len returns the number of priced call shapes.
func (c *RateCard) Len() int {
	return len(c.rates)
}

// RateYAMLConfig is one rate entry inside a hirebay.yaml rate card. Prices
// are strings parsed into decimals so YAML never coerces them through
// floats.
type RateYAMLConfig struct {
	Family        models.ResourceFamily `yaml:"family"`
	Provider      string                `yaml:"provider"`
	Operation     string                `yaml:"operation"`
	PerInputUnit  string                `yaml:"per_input_unit"`
	PerOutputUnit string                `yaml:"per_output_unit"`
}

// RateCardYAMLConfig is one named card inside hirebay.yaml.
type RateCardYAMLConfig struct {
	Currency string           `yaml:"currency"`
	Rates    []RateYAMLConfig `yaml:"rates"`
}

// mergeRateCards layers YAML cards over the built-in cards: a YAML card with
// a known version overrides entries per call shape, an unknown version adds
// a whole new card.
func mergeRateCards(builtin map[string]*RateCard, yamlCards map[string]RateCardYAMLConfig) (map[string]*RateCard, error) {
	merged := make(map[string]*RateCard, len(builtin))
	for version, card := range builtin {
		rates := make(map[RateKey]Rate, len(card.rates))
		for k, v := range card.rates {
			rates[k] = v
		}
		merged[version] = &RateCard{Version: card.Version, Currency: card.Currency, rates: rates}
	}

	for version, y := range yamlCards {
		card, ok := merged[version]
		if !ok {
			card = &RateCard{Version: version, Currency: y.Currency, rates: make(map[RateKey]Rate)}
			merged[version] = card
		}
		if y.Currency != "" {
			card.Currency = y.Currency
		}
		for _, entry := range y.Rates {
			if !entry.Family.Valid() {
				return nil, NewValidationError("rate_card", version, "family",
					fmt.Errorf("%w: %q", ErrInvalidValue, entry.Family))
			}
			if entry.Provider == "" || entry.Operation == "" {
				return nil, NewValidationError("rate_card", version, "provider/operation", ErrMissingRequiredField)
			}
			in, err := parsePrice(entry.PerInputUnit)
			if err != nil {
				return nil, NewValidationError("rate_card", version, "per_input_unit", err)
			}
			out, err := parsePrice(entry.PerOutputUnit)
			if err != nil {
				return nil, NewValidationError("rate_card", version, "per_output_unit", err)
			}
			card.rates[RateKey{Family: entry.Family, Provider: entry.Provider, Operation: entry.Operation}] = Rate{
				PerInputUnit:  in,
				PerOutputUnit: out,
			}
		}
	}
	return merged, nil
}

// parsePrice parses a non-negative decimal price; empty means zero.
func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidValue, s)
	}
	if p.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative price %q", ErrInvalidValue, s)
	}
	return p, nil
}
