package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const failureColumns = `id, email_message_id, organization_id, external_email_id, provider_attachment_id,
	filename, content_type, content_disposition, content_id, last_error, attempts,
	next_attempt_at, resolved_at, created_at`

// AttachmentFailureRepository tracks attachments that still need to be fetched.
type AttachmentFailureRepository struct {
	db *sqlx.DB
}

func NewAttachmentFailureRepository(db *sqlx.DB) *AttachmentFailureRepository {
	return &AttachmentFailureRepository{db: db}
}

// Record stores a failed attachment. If the attachment already has an open
// failure row, its attempt counter and error are updated instead.
func (r *AttachmentFailureRepository) Record(ctx context.Context, f *models.AttachmentFailure) error {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.Attempts <= 0 {
		f.Attempts = 1
	}
	if f.NextAttemptAt.IsZero() {
		f.NextAttemptAt = now
	}

	query := r.db.Rebind(`
		INSERT INTO email_attachment_failures (` + failureColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		f.ID, f.EmailMessageID, f.OrganizationID, f.ExternalEmailID, f.ProviderAttachmentID,
		f.Filename, f.ContentType, f.ContentDisposition, f.ContentID, f.LastError, f.Attempts,
		f.NextAttemptAt, f.ResolvedAt, f.CreatedAt)
	err = wrap(err, "record attachment failure")
	if !errors.Is(err, ErrDuplicate) {
		return err
	}

	update := r.db.Rebind(`
		UPDATE email_attachment_failures
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, resolved_at = NULL
		WHERE email_message_id = ? AND provider_attachment_id = ?`)
	_, err = r.db.ExecContext(ctx, update, f.LastError, f.NextAttemptAt, f.EmailMessageID, f.ProviderAttachmentID)
	return wrap(err, "update attachment failure")
}

// ListDue returns unresolved failures whose next attempt is at or before now
// and that have been tried fewer than maxAttempts times.
func (r *AttachmentFailureRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.AttachmentFailure, error) {
	var out []models.AttachmentFailure
	query := r.db.Rebind(`
		SELECT ` + failureColumns + `
		FROM email_attachment_failures
		WHERE resolved_at IS NULL AND next_attempt_at <= ? AND attempts < ?
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, query, now.UTC(), maxAttempts, limit); err != nil {
		return nil, wrap(err, "list due attachment failures")
	}
	return out, nil
}

// ListOpen returns every unresolved failure of a message.
func (r *AttachmentFailureRepository) ListOpen(ctx context.Context, messageID string) ([]models.AttachmentFailure, error) {
	var out []models.AttachmentFailure
	query := r.db.Rebind(`
		SELECT ` + failureColumns + `
		FROM email_attachment_failures
		WHERE email_message_id = ? AND resolved_at IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &out, query, messageID); err != nil {
		return nil, wrap(err, "list open attachment failures")
	}
	return out, nil
}

// MarkAttempt records another failed try.
func (r *AttachmentFailureRepository) MarkAttempt(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	query := r.db.Rebind(`
		UPDATE email_attachment_failures
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, lastError, nextAttemptAt.UTC(), id)
	if err != nil {
		return wrap(err, "mark attachment failure attempt")
	}
	return requireRow(res, "mark attachment failure attempt")
}

func (r *AttachmentFailureRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`UPDATE email_attachment_failures SET resolved_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return wrap(err, "resolve attachment failure")
	}
	return requireRow(res, "resolve attachment failure")
}
