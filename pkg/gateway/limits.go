package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hirebay/hirebay/pkg/models"
)

// Per-user request rates by family, applied when the provider config does
// not override them.
const (
	llmRequestsPerMinute    = 60
	searchRequestsPerMinute = 100
	vectorRequestsPerMinute = 300
)

func defaultRPM(family models.ResourceFamily) int {
	switch family {
	case models.FamilyLLMCompletion, models.FamilyLLMEmbedding:
		return llmRequestsPerMinute
	case models.FamilyWebSearch:
		return searchRequestsPerMinute
	case models.FamilyVectorOp:
		return vectorRequestsPerMinute
	}
	return llmRequestsPerMinute
}

type limiterKey struct {
	userID   int64
	provider string
}

// limiterPool hands out one token bucket per (user, provider). Buckets
// refill continuously at the per-minute rate and allow bursting up to a
// full minute's quota.
type limiterPool struct {
	mu sync.Mutex
	m  map[limiterKey]*rate.Limiter
}

func newLimiterPool() *limiterPool {
	return &limiterPool{m: make(map[limiterKey]*rate.Limiter)}
}

func (p *limiterPool) allow(userID int64, provider string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	k := limiterKey{userID: userID, provider: provider}
	p.mu.Lock()
	l, ok := p.m[k]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		p.m[k] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// breakerPool keeps one circuit breaker per provider name. Five consecutive
// failures open the circuit for thirty seconds; a context cancellation does
// not count against the provider.
type breakerPool struct {
	mu      sync.Mutex
	m       map[string]*gobreaker.CircuitBreaker
	onState func(provider string, from, to gobreaker.State)
}

func newBreakerPool() *breakerPool {
	return &breakerPool{m: make(map[string]*gobreaker.CircuitBreaker)}
}

func (p *breakerPool) get(provider string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.m[provider]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    provider,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: p.notify,
		})
		p.m[provider] = cb
	}
	return cb
}

// notify reads the hook under the pool lock so it also reaches breakers
// created before the hook was installed.
func (p *breakerPool) notify(provider string, from, to gobreaker.State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(provider, from, to)
	}
}

func (p *breakerPool) setOnState(fn func(provider string, from, to gobreaker.State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}
