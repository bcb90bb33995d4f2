package mailqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/onetool-io/mailingest/internal/email/inbound/postmaster"
	"github.com/onetool-io/mailingest/internal/logging"
)

const (
	defaultBlock       = 5 * time.Second
	defaultMaxAttempts = 3
	errorPause         = time.Second
)

// Pool runs workers that drain the queue into a postmaster.Handler.
type Pool struct {
	queue       Queue
	handler     postmaster.Handler
	workers     int
	block       time.Duration
	maxAttempts int
	logger      logrus.FieldLogger
}

// PoolOption customizes Pool.
type PoolOption func(*Pool)

func WithPoolLogger(logger logrus.FieldLogger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBlock sets how long a worker waits for an item before polling again.
func WithBlock(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.block = d
		}
	}
}

// WithMaxAttempts bounds how often an event with a retryable failure is requeued.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func NewPool(queue Queue, handler postmaster.Handler, workers int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		queue:       queue,
		handler:     handler,
		workers:     workers,
		block:       defaultBlock,
		maxAttempts: defaultMaxAttempts,
		logger:      logging.Log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for n := 0; n < p.workers; n++ {
		worker := n
		g.Go(func() error {
			p.loop(ctx, p.logger.WithField("worker", worker))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, log logrus.FieldLogger) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := p.queue.Dequeue(ctx, p.block)
		switch {
		case err == nil:
			p.process(ctx, log, item)
		case errors.Is(err, ErrEmpty):
		case ctx.Err() != nil:
			return
		default:
			log.WithError(err).Error("failed to dequeue inbound event")
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorPause):
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, log logrus.FieldLogger, item *Item) {
	log = log.WithFields(logrus.Fields{
		"email_id":   item.Event.EmailID,
		"request_id": item.RequestID,
		"attempt":    item.Attempts + 1,
	})

	res := p.handler.Ingest(ctx, &item.Event)
	if res.Success || !Retryable(res.Reason) {
		log.WithFields(logrus.Fields{
			"success": res.Success,
			"reason":  res.Reason,
		}).Info("queued event processed")
		return
	}

	item.Attempts++
	if item.Attempts >= p.maxAttempts {
		log.WithField("reason", res.Reason).Error("giving up on queued event")
		return
	}
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), item); err != nil {
		log.WithError(err).Error("failed to requeue inbound event")
		return
	}
	log.WithField("reason", res.Reason).Warn("queued event requeued")
}

// Retryable reports whether redelivering an event with this result reason may succeed.
func Retryable(reason string) bool {
	switch reason {
	case postmaster.ReasonContentFetch, postmaster.ReasonPersist, postmaster.ReasonInFlight:
		return true
	}
	return false
}
