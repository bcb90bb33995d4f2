package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery states
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
)

// Organization owns a receiving address that routes inbound mail to it.
type Organization struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	ReceivingAddress string    `json:"receiving_address" db:"receiving_address"`
	OwnerUserID      string    `json:"owner_user_id" db:"owner_user_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ClientContact is a person at a client the organization corresponds with.
type ClientContact struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	ClientID       string    `json:"client_id" db:"client_id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// EmailMessage is one message of a client conversation.
type EmailMessage struct {
	ID                string     `json:"id" db:"id"`
	OrganizationID    string     `json:"organization_id" db:"organization_id"`
	ClientID          string     `json:"client_id" db:"client_id"`
	ExternalID        string     `json:"external_id" db:"external_id"` // provider email id
	MessageID         string     `json:"message_id" db:"message_id"`   // RFC Message-ID
	Direction         string     `json:"direction" db:"direction"`
	ThreadID          string     `json:"thread_id" db:"thread_id"`
	InReplyTo         *string    `json:"in_reply_to,omitempty" db:"in_reply_to"`
	References        StringList `json:"references" db:"references_json"`
	Subject           string     `json:"subject" db:"subject"`
	NormalizedSubject string     `json:"-" db:"normalized_subject"`
	BodyText          string     `json:"body_text" db:"body_text"`
	BodyHTML          string     `json:"body_html" db:"body_html"`
	Preview           string     `json:"preview" db:"preview"`
	FromName          string     `json:"from_name" db:"from_name"`
	FromEmail         string     `json:"from_email" db:"from_email"`
	ToName            string     `json:"to_name" db:"to_name"`
	ToEmail           string     `json:"to_email" db:"to_email"`
	HasAttachments    bool       `json:"has_attachments" db:"has_attachments"`
	Status            string     `json:"status" db:"status"`
	SentAt            time.Time  `json:"sent_at" db:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// EmailAttachment is the metadata row for a stored attachment blob.
type EmailAttachment struct {
	ID                   string    `json:"id" db:"id"`
	EmailMessageID       string    `json:"email_message_id" db:"email_message_id"`
	OrganizationID       string    `json:"organization_id" db:"organization_id"`
	ProviderAttachmentID string    `json:"provider_attachment_id" db:"provider_attachment_id"`
	Filename             string    `json:"filename" db:"filename"`
	ContentType          string    `json:"content_type" db:"content_type"`
	Size                 int64     `json:"size" db:"size"`
	ContentID            *string   `json:"content_id,omitempty" db:"content_id"`
	ContentDisposition   *string   `json:"content_disposition,omitempty" db:"content_disposition"`
	StorageBackend       string    `json:"storage_backend" db:"storage_backend"`
	StorageKey           string    `json:"storage_key" db:"storage_key"`
	Checksum             string    `json:"checksum" db:"checksum"`
	ReceivedAt           time.Time `json:"received_at" db:"received_at"`
}

// AttachmentFailure remembers an attachment that could not be fetched or stored
// so it can be retried later.
type AttachmentFailure struct {
	ID                   string     `json:"id" db:"id"`
	EmailMessageID       string     `json:"email_message_id" db:"email_message_id"`
	OrganizationID       string     `json:"organization_id" db:"organization_id"`
	ExternalEmailID      string     `json:"external_email_id" db:"external_email_id"`
	ProviderAttachmentID string     `json:"provider_attachment_id" db:"provider_attachment_id"`
	Filename             string     `json:"filename" db:"filename"`
	ContentType          string     `json:"content_type" db:"content_type"`
	ContentDisposition   *string    `json:"content_disposition,omitempty" db:"content_disposition"`
	ContentID            *string    `json:"content_id,omitempty" db:"content_id"`
	LastError            string     `json:"last_error" db:"last_error"`
	Attempts             int        `json:"attempts" db:"attempts"`
	NextAttemptAt        time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// Descriptor rebuilds the inbound descriptor the failure was recorded from.
func (f *AttachmentFailure) Descriptor() AttachmentDescriptor {
	d := AttachmentDescriptor{
		ID:          f.ProviderAttachmentID,
		Filename:    f.Filename,
		ContentType: f.ContentType,
	}
	if f.ContentDisposition != nil {
		d.ContentDisposition = *f.ContentDisposition
	}
	if f.ContentID != nil {
		d.ContentID = *f.ContentID
	}
	return d
}

// StringList is an ordered list of strings stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode string list: %w", err)
	}
	*l = out
	return nil
}
