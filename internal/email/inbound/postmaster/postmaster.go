// Package postmaster turns inbound mail events into stored client conversations.
package postmaster

import (
	"context"
	"errors"

	"github.com/onetool-io/mailingest/internal/models"
)

var (
	// ErrContentFetch means the message body could not be retrieved.
	ErrContentFetch = errors.New("content fetch failed")
	// ErrMalformedInput means the event cannot be attributed, e.g. it has no recipient.
	ErrMalformedInput = errors.New("malformed input")
	// ErrOrganizationNotFound means no organization owns the recipient address.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrUnknownSender means the sender is not a contact of the organization.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrAttachment marks a single attachment that could not be fetched or stored.
	ErrAttachment = errors.New("attachment failed")
	// ErrPersist means a database read or write failed.
	ErrPersist = errors.New("persist failed")
	// ErrInFlight means the same event is being processed by another run.
	ErrInFlight = errors.New("delivery already in progress")
)

// Reason codes reported in Result.Reason.
const (
	ReasonContentFetch   = "content_fetch_failed"
	ReasonMalformedInput = "malformed_input"
	ReasonOrgNotFound    = "organization_not_found"
	ReasonUnknownSender  = "unknown_sender"
	ReasonPersist        = "persist_failed"
	ReasonInFlight       = "in_flight"
	ReasonDuplicate      = "duplicate"
)

// State is a step of a single ingestion run.
type State string

const (
	StateReceived             State = "received"
	StateContentFetched       State = "content_fetched"
	StateMalformedInput       State = "malformed_input"
	StateOrgNotFound          State = "org_not_found"
	StateUnknownSender        State = "unknown_sender"
	StateMessagePersisted     State = "message_persisted"
	StateAttachmentsProcessed State = "attachments_processed"
)

// Attachment outcome statuses.
const (
	AttachmentStored  = "stored"
	AttachmentExisted = "existed"
	AttachmentFailed  = "failed"
)

// Result tracks what happened to an inbound event.
type Result struct {
	Success        bool                `json:"success"`
	EmailMessageID string              `json:"emailMessageId,omitempty"`
	OrgID          string              `json:"orgId,omitempty"`
	Error          string              `json:"error,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	ThreadID       string              `json:"threadId,omitempty"`
	Duplicate      bool                `json:"duplicate,omitempty"`
	State          State               `json:"state"`
	Attachments    []AttachmentOutcome `json:"attachments,omitempty"`

	err error
}

// Err returns the underlying error of a failed run, suitable for errors.Is.
func (r Result) Err() error {
	return r.err
}

// AttachmentOutcome reports one declared attachment, in declaration order.
type AttachmentOutcome struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FailedAttachments counts attachments that could not be stored.
func (r Result) FailedAttachments() int {
	n := 0
	for _, a := range r.Attachments {
		if a.Status == AttachmentFailed {
			n++
		}
	}
	return n
}

// Handler ingests one event. Implementations never return a zero Result and never panic.
type Handler interface {
	Ingest(ctx context.Context, event *models.InboundEvent) Result
}

// reasonFor maps an error to its reason code.
func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrContentFetch):
		return ReasonContentFetch
	case errors.Is(err, ErrMalformedInput):
		return ReasonMalformedInput
	case errors.Is(err, ErrOrganizationNotFound):
		return ReasonOrgNotFound
	case errors.Is(err, ErrUnknownSender):
		return ReasonUnknownSender
	case errors.Is(err, ErrInFlight):
		return ReasonInFlight
	default:
		return ReasonPersist
	}
}

// NewFailure builds the Result of a run that stopped at state because of err.
func NewFailure(state State, err error) Result {
	return failure(state, err)
}

func failure(state State, err error) Result {
	return Result{
		Success: false,
		Error:   err.Error(),
		Reason:  reasonFor(err),
		State:   state,
		err:     err,
	}
}
