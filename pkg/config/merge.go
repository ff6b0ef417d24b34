package config

import (
	"fmt"

	"dario.cat/mergo"
)

// mergeProviders overlays user-defined providers onto the built-ins. A user
// provider with a built-in's name keeps the built-in's values for any field
// it leaves unset, so overriding just api_key_env or model works.
func mergeProviders(builtin, user map[string]*ProviderConfig) (map[string]*ProviderConfig, error) {
	merged := make(map[string]*ProviderConfig, len(builtin)+len(user))
	for name, p := range builtin {
		cp := *p
		merged[name] = &cp
	}

	for name, p := range user {
		if p == nil {
			continue
		}
		cp := *p
		if base, ok := merged[name]; ok {
			// Fill unset fields from the built-in definition.
			if err := mergo.Merge(&cp, *base); err != nil {
				return nil, fmt.Errorf("failed to merge provider %q: %w", name, err)
			}
		}
		merged[name] = &cp
	}
	return merged, nil
}
