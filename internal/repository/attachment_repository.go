package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const attachmentColumns = `id, email_message_id, organization_id, provider_attachment_id, filename,
	content_type, size, content_id, content_disposition, storage_backend, storage_key,
	checksum, received_at`

// AttachmentRepository stores metadata for attachment blobs kept in storage.
type AttachmentRepository struct {
	db *sqlx.DB
}

func NewAttachmentRepository(db *sqlx.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create inserts the metadata row. A second row for the same message and
// provider attachment id fails with ErrDuplicate.
func (r *AttachmentRepository) Create(ctx context.Context, a *models.EmailAttachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`
		INSERT INTO email_attachments (` + attachmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.EmailMessageID, a.OrganizationID, a.ProviderAttachmentID, a.Filename,
		a.ContentType, a.Size, a.ContentID, a.ContentDisposition, a.StorageBackend, a.StorageKey,
		a.Checksum, a.ReceivedAt)
	return wrap(err, "create email attachment")
}

func (r *AttachmentRepository) GetByProviderID(ctx context.Context, messageID, providerAttachmentID string) (*models.EmailAttachment, error) {
	var a models.EmailAttachment
	query := r.db.Rebind(`SELECT ` + attachmentColumns + ` FROM email_attachments
		WHERE email_message_id = ? AND provider_attachment_id = ?`)
	if err := r.db.GetContext(ctx, &a, query, messageID, providerAttachmentID); err != nil {
		return nil, wrap(err, "get email attachment")
	}
	return &a, nil
}

func (r *AttachmentRepository) ListByMessage(ctx context.Context, messageID string) ([]models.EmailAttachment, error) {
	var out []models.EmailAttachment
	query := r.db.Rebind(`SELECT ` + attachmentColumns + ` FROM email_attachments
		WHERE email_message_id = ?
		ORDER BY received_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &out, query, messageID); err != nil {
		return nil, wrap(err, "list email attachments")
	}
	return out, nil
}
