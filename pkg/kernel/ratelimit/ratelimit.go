// Package ratelimit provides the process-wide politeness limiter: one token
// bucket per remote host, shared by the evidence fetcher and every
// acquisition strategy.
//
// The per-key limiter map follows the visitor-map idiom from the upstream
// HTTP middleware this package was adapted from.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the bucket parameters applied to every host.
type Config struct {
	Capacity      int     // burst size; must be > 0
	RefillPerSec  float64 // tokens per second; must be > 0
	InitialTokens int     // starting fill; must be in [0, Capacity]
}

// HostLimiter hands out one token bucket per host.
type HostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	cfg     Config
}

// New validates cfg and builds a HostLimiter. Capacity and RefillPerSec must
// be strictly positive; InitialTokens must lie within [0, Capacity].
func New(cfg Config) (*HostLimiter, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RefillPerSec <= 0 {
		return nil, fmt.Errorf("ratelimit: refill_rate must be positive, got %g", cfg.RefillPerSec)
	}
	if cfg.InitialTokens < 0 || cfg.InitialTokens > cfg.Capacity {
		return nil, fmt.Errorf("ratelimit: initial_tokens %d outside [0, %d]", cfg.InitialTokens, cfg.Capacity)
	}
	return &HostLimiter{buckets: make(map[string]*rate.Limiter), cfg: cfg}, nil
}

func (h *HostLimiter) bucket(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buckets[host]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(h.cfg.RefillPerSec), h.cfg.Capacity)
	if drain := h.cfg.Capacity - h.cfg.InitialTokens; drain > 0 {
		b.AllowN(time.Now(), drain)
	}
	h.buckets[host] = b
	return b
}

// Wait blocks until the host's bucket grants a token or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.bucket(host).Wait(ctx)
}

// Allow reports whether a token is immediately available for host.
func (h *HostLimiter) Allow(host string) bool {
	return h.bucket(host).Allow()
}
