package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalGuard is an in-process Guard for single-instance deployments.
type LocalGuard struct {
	mu      sync.Mutex
	items   map[string]time.Time
	metrics *GuardMetrics
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewLocalGuard creates a guard. Expired keys are swept every cleanupInterval;
// a zero interval disables the sweeper and expiry is only checked on Acquire.
func NewLocalGuard(cleanupInterval time.Duration, metrics *GuardMetrics) *LocalGuard {
	g := &LocalGuard{
		items:   make(map[string]time.Time),
		metrics: metrics,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go g.cleanupLoop(cleanupInterval)
	}
	return g
}

// Acquire implements Guard.
func (g *LocalGuard) Acquire(_ context.Context, key string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt, ok := g.items[key]; ok && now.Before(expiresAt) {
		err := fmt.Errorf("%s: %w", key, ErrInFlight)
		g.metrics.observe(err)
		return err
	}
	g.items[key] = now.Add(ttl)
	g.metrics.observe(nil)
	return nil
}

// Release implements Guard.
func (g *LocalGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.items, key)
	return nil
}

// Len returns the number of keys currently tracked, expired or not.
func (g *LocalGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// cleanupLoop periodically removes expired keys
func (g *LocalGuard) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCh:
			return
		}
	}
}

func (g *LocalGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, expiresAt := range g.items {
		if !now.Before(expiresAt) {
			delete(g.items, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (g *LocalGuard) Stop() {
	g.once.Do(func() { close(g.stopCh) })
}
