package connector

import (
	"context"
	"errors"

	"github.com/onetool-io/mailingest/internal/models"
)

var (
	// ErrNotFound is returned when the provider does not know the message or attachment.
	ErrNotFound = errors.New("not found at provider")
	// ErrTooLarge is returned when an attachment exceeds the configured size limit.
	ErrTooLarge = errors.New("attachment exceeds size limit")
	// ErrEmptyResponse is returned when the provider answered without a body.
	ErrEmptyResponse = errors.New("provider returned no data")
)

// ContentFetcher retrieves the body of a received message. Webhook events only
// carry metadata.
type ContentFetcher interface {
	FetchContent(ctx context.Context, emailID string) (*models.ReceivedContent, error)
}

// AttachmentFetcher retrieves the binary content of one attachment.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, emailID, attachmentID string) (*Attachment, error)
}

// Source is a mail provider that serves both bodies and attachments.
type Source interface {
	ContentFetcher
	AttachmentFetcher
}

// Attachment is a downloaded attachment. ContentType and Filename are what the
// provider reported and may be empty.
type Attachment struct {
	Content     []byte
	ContentType string
	Filename    string
}
