// Package warnings keeps non-fatal runtime notices in memory for the
// health surface. Warnings are transient and reset on restart.
package warnings

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning categories.
const (
	// CategoryProviderBreaker marks an open circuit to a resource provider.
	CategoryProviderBreaker = "provider_breaker"

	// CategoryOrphanContainers marks managed containers removed without a
	// live deployment row to claim them.
	CategoryOrphanContainers = "orphan_containers"

	// CategoryStaleExecutions marks executions failed for missing heartbeats.
	CategoryStaleExecutions = "stale_executions"
)

// Warning is one non-fatal system issue.
type Warning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Service manages in-memory warnings. Thread-safe.
type Service struct {
	mu       sync.RWMutex
	warnings map[string]*Warning
}

// NewService creates an empty warnings service
func NewService() *Service {
	return &Service{warnings: make(map[string]*Warning)}
}

// Add records a warning and returns its id. A warning with the same
// category and scope is replaced, so a recurring condition never piles up.
func (s *Service) Add(category, message, details, scope string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.Scope == scope {
			delete(s.warnings, id)
			break
		}
	}

	id := uuid.New().String()
	s.warnings[id] = &Warning{
		ID:        id,
		Category:  category,
		Message:   message,
		Details:   details,
		Scope:     scope,
		CreatedAt: time.Now(),
	}
	return id
}

// List returns value copies of all active warnings.
func (s *Service) List() []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// Clear removes the warning matching category and scope, reporting whether
// one was present. Called when the underlying condition recovers.
func (s *Service) Clear(category, scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.Scope == scope {
			delete(s.warnings, id)
			return true
		}
	}
	return false
}
