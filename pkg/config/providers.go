package config

import (
	"fmt"
	"sync"

	"github.com/hirebay/hirebay/pkg/models"
)

// ProviderType selects the gateway adapter implementation.
type ProviderType string

const (
	// ProviderTypeAnthropic is the Anthropic Messages API
	ProviderTypeAnthropic ProviderType = "anthropic"
	// ProviderTypeOpenAI is the OpenAI-compatible chat/embeddings API
	ProviderTypeOpenAI ProviderType = "openai"
	// ProviderTypeRedis is a Redis vector index
	ProviderTypeRedis ProviderType = "redis"
	// ProviderTypeWebSearch is an HTTP web-search API
	ProviderTypeWebSearch ProviderType = "websearch"
)

// IsValid checks if the provider type is known
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeAnthropic, ProviderTypeOpenAI, ProviderTypeRedis, ProviderTypeWebSearch:
		return true
	}
	return false
}

// Families returns the resource families the provider type can serve.
func (t ProviderType) Families() []models.ResourceFamily {
	switch t {
	case ProviderTypeAnthropic:
		return []models.ResourceFamily{models.FamilyLLMCompletion}
	case ProviderTypeOpenAI:
		return []models.ResourceFamily{models.FamilyLLMCompletion, models.FamilyLLMEmbedding}
	case ProviderTypeRedis:
		return []models.ResourceFamily{models.FamilyVectorOp}
	case ProviderTypeWebSearch:
		return []models.ResourceFamily{models.FamilyWebSearch}
	}
	return nil
}

// ProviderConfig defines one registered provider
type ProviderConfig struct {
	// Provider type (required)
	Type ProviderType `yaml:"type"`

	// Default model or endpoint identifier (LLM and embedding providers)
	Model string `yaml:"model,omitempty"`

	// Environment variable holding the managed API key. User BYOK
	// credentials take precedence per call.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint/base URL
	BaseURL string `yaml:"base_url,omitempty"`

	// Redis address for vector providers
	Addr string `yaml:"addr,omitempty"`

	// RequestsPerMinute overrides the family's default per-user rate limit
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// ProviderRegistry stores provider configurations in memory with
// thread-safe access
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new provider registry
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name (thread-safe)
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// GetAll returns all provider configurations (thread-safe, returns copy)
func (r *ProviderRegistry) GetAll() map[string]*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// Has checks if a provider exists in the registry (thread-safe)
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[name]
	return exists
}

// Len returns the number of providers in the registry (thread-safe)
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
