// Package threading assigns inbound messages to client conversations.
package threading

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/models"
	"github.com/onetool-io/mailingest/internal/repository"
	"github.com/onetool-io/mailingest/internal/utils"
)

// MaxSubjectLength matches the width of the normalized_subject column.
const MaxSubjectLength = 255

var replyPrefix = regexp.MustCompile(`(?i)^re:\s*`)

// How a thread id was chosen.
const (
	MatchInReplyTo = "in_reply_to"
	MatchSubject   = "subject"
	MatchGap       = "conversation_gap"
	MatchNew       = "new_thread"
)

// Lookup is the read side of the message store the resolver needs. Both methods
// return repository.ErrNotFound when nothing matches.
type Lookup interface {
	FindByThreadID(ctx context.Context, orgID, threadID string) (*models.EmailMessage, error)
	LatestBySubject(ctx context.Context, clientID, normalizedSubject string) (*models.EmailMessage, error)
}

// Request carries what is known about an inbound message when its thread is resolved.
type Request struct {
	OrganizationID string
	ClientID       string
	InReplyTo      string
	Subject        string
	SeedID         string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	ThreadID string
	Match    string
}

// Resolver implements the reply/subject heuristics.
type Resolver struct {
	lookup Lookup
	logger logrus.FieldLogger
}

// NewResolver creates a resolver. A nil logger falls back to the standard logger.
func NewResolver(lookup Lookup, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{lookup: lookup, logger: logger}
}

// IsReply reports whether the subject starts with "Re:".
func IsReply(subject string) bool {
	return replyPrefix.MatchString(subject)
}

// NormalizeSubject removes a single leading "Re:" and the whitespace after it.
// The result is cut to MaxSubjectLength characters so that it compares equal to
// the stored column.
func NormalizeSubject(subject string) string {
	return utils.Truncate(replyPrefix.ReplaceAllString(subject, ""), MaxSubjectLength)
}

// Resolve picks the thread for a message. In order: a stored message whose
// thread id equals InReplyTo, then for replies the client's latest message with
// the same normalized subject, otherwise a new thread keyed by SeedID.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	log := r.logger.WithFields(logrus.Fields{
		"org_id":    req.OrganizationID,
		"client_id": req.ClientID,
		"seed_id":   req.SeedID,
	})

	inReplyTo := strings.TrimSpace(req.InReplyTo)
	if inReplyTo != "" {
		// In-Reply-To is compared against thread ids, not message ids, so a reply
		// to a non-root message falls through to the subject match.
		m, err := r.lookup.FindByThreadID(ctx, req.OrganizationID, inReplyTo)
		switch {
		case err == nil:
			return Resolution{ThreadID: m.ThreadID, Match: MatchInReplyTo}, nil
		case !errors.Is(err, repository.ErrNotFound):
			return Resolution{}, fmt.Errorf("resolve thread by in-reply-to: %w", err)
		}
	}

	if inReplyTo == "" && !IsReply(req.Subject) {
		return Resolution{ThreadID: req.SeedID, Match: MatchNew}, nil
	}

	m, err := r.lookup.LatestBySubject(ctx, req.ClientID, NormalizeSubject(req.Subject))
	switch {
	case err == nil:
		return Resolution{ThreadID: m.ThreadID, Match: MatchSubject}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Resolution{}, fmt.Errorf("resolve thread by subject: %w", err)
	}

	log.WithField("subject", req.Subject).Info("reply without a known conversation, starting a new thread")
	return Resolution{ThreadID: req.SeedID, Match: MatchGap}, nil
}
