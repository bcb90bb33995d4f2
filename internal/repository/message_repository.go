package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const messageColumns = `id, organization_id, client_id, external_id, message_id, direction,
	thread_id, in_reply_to, references_json, subject, normalized_subject,
	body_text, body_html, preview, from_name, from_email, to_name, to_email,
	has_attachments, status, sent_at, delivered_at, created_at`

// MessageRepository stores conversation messages. Rows are written once.
type MessageRepository struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a single message.
func (r *MessageRepository) Create(ctx context.Context, m *models.EmailMessage) error {
	return insertMessage(ctx, r.db, m)
}

// CreateWithActivity writes the message and its timeline activity in one
// transaction. When a message with the same external id already exists the
// stored row is returned with created=false and nothing is written.
func (r *MessageRepository) CreateWithActivity(ctx context.Context, m *models.EmailMessage, a *models.Activity) (stored *models.EmailMessage, created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !created {
			_ = tx.Rollback()
		}
	}()

	if err = insertMessage(ctx, tx, m); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, false, err
		}
		_ = tx.Rollback()
		existing, getErr := r.GetByExternalID(ctx, m.ExternalID)
		if getErr != nil {
			return nil, false, fmt.Errorf("resolve duplicate message %s: %w", m.ExternalID, getErr)
		}
		return existing, false, nil
	}

	if a != nil {
		if a.EntityID == "" {
			a.EntityID = m.ClientID
		}
		if a.Metadata == nil {
			a.Metadata = models.ActivityMeta{}
		}
		a.Metadata["email_message_id"] = m.ID
		if err = insertActivity(ctx, tx, a); err != nil {
			return nil, false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit message: %w", err)
	}
	return m, true, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.EmailMessage, error) {
	return r.getOne(ctx, "get email message", `WHERE id = ?`, id)
}

// GetByExternalID looks a message up by the provider's email id.
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*models.EmailMessage, error) {
	return r.getOne(ctx, "get email message by external id", `WHERE external_id = ?`, externalID)
}

// FindByThreadID returns any message of the organization carrying threadID.
func (r *MessageRepository) FindByThreadID(ctx context.Context, orgID, threadID string) (*models.EmailMessage, error) {
	return r.getOne(ctx, "find email message by thread",
		`WHERE organization_id = ? AND thread_id = ? ORDER BY sent_at ASC, id ASC LIMIT 1`, orgID, threadID)
}

// LatestBySubject returns the client's most recently sent message with the given
// normalized subject.
func (r *MessageRepository) LatestBySubject(ctx context.Context, clientID, normalizedSubject string) (*models.EmailMessage, error) {
	return r.getOne(ctx, "find email message by subject",
		`WHERE client_id = ? AND normalized_subject = ? ORDER BY sent_at DESC, created_at DESC LIMIT 1`,
		clientID, normalizedSubject)
}

// ListByThread returns the conversation oldest first.
func (r *MessageRepository) ListByThread(ctx context.Context, orgID, threadID string) ([]models.EmailMessage, error) {
	var out []models.EmailMessage
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM email_messages
		WHERE organization_id = ? AND thread_id = ?
		ORDER BY sent_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &out, query, orgID, threadID); err != nil {
		return nil, wrap(err, "list thread messages")
	}
	return out, nil
}

func (r *MessageRepository) CountByOrganization(ctx context.Context, orgID string) (int, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM email_messages WHERE organization_id = ?`)
	if err := r.db.GetContext(ctx, &n, query, orgID); err != nil {
		return 0, wrap(err, "count email messages")
	}
	return n, nil
}

func (r *MessageRepository) getOne(ctx context.Context, op, clause string, args ...interface{}) (*models.EmailMessage, error) {
	var m models.EmailMessage
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM email_messages ` + clause)
	if err := r.db.GetContext(ctx, &m, query, args...); err != nil {
		return nil, wrap(err, op)
	}
	return &m, nil
}

func insertMessage(ctx context.Context, ext sqlx.ExtContext, m *models.EmailMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.References == nil {
		m.References = models.StringList{}
	}
	query := ext.Rebind(`
		INSERT INTO email_messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := ext.ExecContext(ctx, query,
		m.ID, m.OrganizationID, m.ClientID, m.ExternalID, m.MessageID, m.Direction,
		m.ThreadID, m.InReplyTo, m.References, m.Subject, m.NormalizedSubject,
		m.BodyText, m.BodyHTML, m.Preview, m.FromName, m.FromEmail, m.ToName, m.ToEmail,
		m.HasAttachments, m.Status, m.SentAt, m.DeliveredAt, m.CreatedAt)
	return wrap(err, "create email message")
}
