package models

import (
	"encoding/json"
	"time"
)

// WebhookEventEmailReceived is the provider event type for inbound mail.
const WebhookEventEmailReceived = "email.received"

// WebhookEnvelope wraps an inbound event the way the mail provider delivers it.
type WebhookEnvelope struct {
	Type      string          `json:"type"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// InboundEvent carries the metadata of a received message. The body is not part
// of the event and has to be fetched separately.
type InboundEvent struct {
	EmailID     string                 `json:"emailId"`
	From        string                 `json:"from"`
	To          []string               `json:"to"`
	Subject     string                 `json:"subject"`
	MessageID   string                 `json:"messageId"`
	InReplyTo   string                 `json:"inReplyTo,omitempty"`
	References  []string               `json:"references,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
}

// PrimaryRecipient returns the first entry of To, or "" when To is empty.
func (e *InboundEvent) PrimaryRecipient() string {
	if e == nil || len(e.To) == 0 {
		return ""
	}
	return e.To[0]
}

// SeedID is the id a new conversation thread started by this event is keyed on.
func (e *InboundEvent) SeedID() string {
	if e == nil {
		return ""
	}
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.EmailID
}

// AttachmentDescriptor announces an attachment whose bytes live at the provider.
type AttachmentDescriptor struct {
	ID                 string `json:"id"`
	Filename           string `json:"filename"`
	ContentType        string `json:"content_type"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	ContentID          string `json:"content_id,omitempty"`
}

// ReceivedContent is the body of a received message as returned by the provider.
type ReceivedContent struct {
	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`
}
