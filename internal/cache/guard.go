// Package cache holds the short-lived shared state used to de-duplicate
// webhook deliveries.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrInFlight is returned by Acquire when another run holds the key.
var ErrInFlight = errors.New("already in flight")

// Guard marks a key as being processed for a limited time.
type Guard interface {
	// Acquire claims key for ttl. It returns ErrInFlight if the key is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release drops the claim early.
	Release(ctx context.Context, key string) error
}

// GuardMetrics tracks guard outcomes
type GuardMetrics struct {
	acquired prometheus.Counter
	rejected prometheus.Counter
	errors   prometheus.Counter
}

// NewGuardMetrics registers the guard counters on reg. A nil reg leaves them unregistered.
func NewGuardMetrics(reg prometheus.Registerer) *GuardMetrics {
	factory := promauto.With(reg)
	return &GuardMetrics{
		acquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailingest_guard_acquired_total",
			Help: "Total number of delivery keys claimed",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailingest_guard_rejected_total",
			Help: "Total number of deliveries rejected because the key was in flight",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailingest_guard_errors_total",
			Help: "Total number of guard backend errors",
		}),
	}
}

func (m *GuardMetrics) observe(err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.acquired.Inc()
	case errors.Is(err, ErrInFlight):
		m.rejected.Inc()
	default:
		m.errors.Inc()
	}
}

// NopGuard never rejects.
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string, time.Duration) error { return nil }
func (NopGuard) Release(context.Context, string) error                { return nil }
