// Package resilience provides rate limiting and circuit breaker patterns for
// protecting webhook destinations from overload and cascading failures.
//
// This package uses:
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team.
//     Chosen for its simplicity, efficiency, and official support.
//   - github.com/sony/gobreaker: Circuit breaker implementation by Sony.
//     Chosen for its battle-tested reliability and clean API.
package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains per-destination rate limiters.
// It uses lazy initialization with double-checked locking for thread safety.
// Each destination gets its own independent rate limiter to prevent
// one destination from affecting others.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the rate limiter for a destination, creating one if needed.
// Uses double-checked locking pattern for optimal concurrent performance.
func (m *RateLimiterManager) GetLimiter(destination string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[destination]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[destination]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[destination] = limiter
	return limiter
}

// Allow reports whether a request for the destination is allowed right now.
// Returns false if the rate limit has been exceeded.
func (m *RateLimiterManager) Allow(destination string) bool {
	return m.GetLimiter(destination).Allow()
}
