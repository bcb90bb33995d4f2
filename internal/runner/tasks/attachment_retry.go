package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/email/inbound/postmaster"
	"github.com/onetool-io/mailingest/internal/logging"
	"github.com/onetool-io/mailingest/internal/models"
	"github.com/onetool-io/mailingest/internal/runner"
	"github.com/onetool-io/mailingest/internal/utils"
)

// AttachmentRetryTaskName is the registry name of the attachment retry task.
const AttachmentRetryTaskName = "attachment-retry"

const (
	defaultSchedule    = "@every 1m"
	defaultMaxAttempts = 5
	defaultBatchSize   = 50
	defaultBaseDelay   = time.Minute
	defaultTimeout     = 5 * time.Minute
)

type failureStore interface {
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.AttachmentFailure, error)
	MarkAttempt(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	MarkResolved(ctx context.Context, id string, at time.Time) error
}

type messageFinder interface {
	GetByID(ctx context.Context, id string) (*models.EmailMessage, error)
}

type attachmentStorer interface {
	StoreAttachment(ctx context.Context, msg *models.EmailMessage, d models.AttachmentDescriptor) (*models.EmailAttachment, bool, error)
}

// AttachmentRetryTask fetches attachments whose first download failed.
type AttachmentRetryTask struct {
	failures failureStore
	messages messageFinder
	storer   attachmentStorer
	cfg      config.AttachmentRetryConfig
	logger   logrus.FieldLogger
	now      func() time.Time
}

// RetryStats summarizes one run.
type RetryStats struct {
	Due      int
	Resolved int
	Pending  int
	Errors   int
}

// NewAttachmentRetryTask creates the task. Zero config values fall back to defaults.
func NewAttachmentRetryTask(failures failureStore, messages messageFinder, storer attachmentStorer, cfg config.AttachmentRetryConfig, logger logrus.FieldLogger) *AttachmentRetryTask {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.Log
	}
	return &AttachmentRetryTask{
		failures: failures,
		messages: messages,
		storer:   storer,
		cfg:      cfg,
		logger:   logger.WithField("task", AttachmentRetryTaskName),
		now:      time.Now,
	}
}

var _ runner.Task = (*AttachmentRetryTask)(nil)

func (t *AttachmentRetryTask) Name() string { return AttachmentRetryTaskName }

func (t *AttachmentRetryTask) Schedule() string { return t.cfg.Schedule }

func (t *AttachmentRetryTask) Timeout() time.Duration { return t.cfg.Timeout }

// Run processes one batch of due failures.
func (t *AttachmentRetryTask) Run(ctx context.Context) error {
	_, err := t.RunBatch(ctx)
	return err
}

// RunBatch processes one batch of due failures and reports what happened.
func (t *AttachmentRetryTask) RunBatch(ctx context.Context) (RetryStats, error) {
	var stats RetryStats

	due, err := t.failures.ListDue(ctx, t.now().UTC(), t.cfg.MaxAttempts, t.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list due attachments: %w", err)
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	var firstErr error
	for idx := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		resolved, err := t.retry(ctx, &due[idx])
		switch {
		case err != nil:
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
		case resolved:
			stats.Resolved++
		default:
			stats.Pending++
		}
	}

	t.logger.WithFields(logrus.Fields{
		"due":      stats.Due,
		"resolved": stats.Resolved,
		"pending":  stats.Pending,
		"errors":   stats.Errors,
	}).Info("attachment retry batch finished")

	// Individual attachment errors are bookkept on their rows; only storage
	// errors fail the run.
	return stats, firstErr
}

// retry reports resolved=true when the attachment is stored now.
func (t *AttachmentRetryTask) retry(ctx context.Context, f *models.AttachmentFailure) (bool, error) {
	log := t.logger.WithFields(logrus.Fields{
		"email_message_id": f.EmailMessageID,
		"attachment_id":    f.ProviderAttachmentID,
		"attempt":          f.Attempts + 1,
	})

	msg, err := t.messages.GetByID(ctx, f.EmailMessageID)
	if err != nil {
		return false, fmt.Errorf("load message %s: %w", f.EmailMessageID, err)
	}

	if _, _, storeErr := t.storer.StoreAttachment(ctx, msg, f.Descriptor()); storeErr != nil {
		attempts := f.Attempts + 1
		next := t.now().UTC().Add(postmaster.RetryBackoff(t.cfg.BaseDelay, attempts))
		if attempts >= t.cfg.MaxAttempts {
			log.WithError(storeErr).Error("giving up on attachment")
		} else {
			log.WithError(storeErr).WithField("next_attempt_at", next).Warn("attachment retry failed")
		}
		if err := t.failures.MarkAttempt(ctx, f.ID, utils.Truncate(storeErr.Error(), 1000), next); err != nil {
			return false, fmt.Errorf("mark attempt %s: %w", f.ID, err)
		}
		return false, nil
	}

	if err := t.failures.MarkResolved(ctx, f.ID, t.now().UTC()); err != nil {
		return false, fmt.Errorf("resolve %s: %w", f.ID, err)
	}
	log.Info("attachment recovered")
	return true, nil
}
