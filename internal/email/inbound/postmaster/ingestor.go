package postmaster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/onetool-io/mailingest/internal/cache"
	"github.com/onetool-io/mailingest/internal/email/inbound/connector"
	"github.com/onetool-io/mailingest/internal/email/inbound/threading"
	"github.com/onetool-io/mailingest/internal/logging"
	"github.com/onetool-io/mailingest/internal/models"
	"github.com/onetool-io/mailingest/internal/repository"
	"github.com/onetool-io/mailingest/internal/storage"
	"github.com/onetool-io/mailingest/internal/utils"
)

const (
	defaultWorkers    = 4
	defaultGuardTTL   = 5 * time.Minute
	defaultRetryDelay = time.Minute
	defaultMimeType   = "application/octet-stream"
)

type OrganizationFinder interface {
	GetByReceivingAddress(ctx context.Context, address string) (*models.Organization, error)
}

type ContactFinder interface {
	FindByOrganizationAndEmail(ctx context.Context, orgID, email string) (*models.ClientContact, error)
}

// MessageStore reads and writes conversation messages.
type MessageStore interface {
	threading.Lookup
	GetByID(ctx context.Context, id string) (*models.EmailMessage, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.EmailMessage, error)
	CreateWithActivity(ctx context.Context, m *models.EmailMessage, a *models.Activity) (*models.EmailMessage, bool, error)
}

type AttachmentStore interface {
	Create(ctx context.Context, a *models.EmailAttachment) error
	GetByProviderID(ctx context.Context, messageID, providerAttachmentID string) (*models.EmailAttachment, error)
}

type ActivityWriter interface {
	Create(ctx context.Context, a *models.Activity) error
}

type FailureRecorder interface {
	Record(ctx context.Context, f *models.AttachmentFailure) error
}

// Stores bundles the persistence the Ingestor writes to.
type Stores struct {
	Organizations OrganizationFinder
	Contacts      ContactFinder
	Messages      MessageStore
	Attachments   AttachmentStore
	Activities    ActivityWriter
	Failures      FailureRecorder
}

// NewStores wires the SQL repositories.
func NewStores(db *sqlx.DB) Stores {
	return Stores{
		Organizations: repository.NewOrganizationRepository(db),
		Contacts:      repository.NewContactRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Attachments:   repository.NewAttachmentRepository(db),
		Activities:    repository.NewActivityRepository(db),
		Failures:      repository.NewAttachmentFailureRepository(db),
	}
}

// Ingestor runs the ingestion state machine for one event at a time. It is
// safe for concurrent use.
type Ingestor struct {
	source     connector.Source
	blobs      storage.Backend
	stores     Stores
	resolver   *threading.Resolver
	logger     logrus.FieldLogger
	metrics    *Metrics
	guard      cache.Guard
	guardTTL   time.Duration
	sanitizer  *utils.HTMLSanitizer
	workers    int
	retryDelay time.Duration
	now        func() time.Time
}

// Option customizes Ingestor.
type Option func(*Ingestor)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(i *Ingestor) {
		i.metrics = m
	}
}

// WithGuard rejects concurrent runs for the same provider email id. The claim
// expires after ttl even if a run never releases it.
func WithGuard(g cache.Guard, ttl time.Duration) Option {
	return func(i *Ingestor) {
		if g != nil {
			i.guard = g
		}
		if ttl > 0 {
			i.guardTTL = ttl
		}
	}
}

// WithSanitizer cleans the HTML body before it is stored.
func WithSanitizer(s *utils.HTMLSanitizer) Option {
	return func(i *Ingestor) {
		i.sanitizer = s
	}
}

// WithWorkers bounds how many attachments are fetched at once.
func WithWorkers(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithRetryDelay sets the base delay before a failed attachment is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.retryDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor builds an ingestor. The source must already be validated.
func NewIngestor(source connector.Source, blobs storage.Backend, stores Stores, opts ...Option) *Ingestor {
	i := &Ingestor{
		source:     source,
		blobs:      blobs,
		stores:     stores,
		logger:     logging.Log,
		guard:      cache.NopGuard{},
		guardTTL:   defaultGuardTTL,
		workers:    defaultWorkers,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.resolver = threading.NewResolver(stores.Messages, i.logger)
	return i
}

// RetryBackoff returns the wait before the next try after attempts failures.
func RetryBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(attempts*attempts)
}

func (i *Ingestor) clock() time.Time {
	return i.now().UTC()
}

// Ingest processes one inbound event. Failures are reported on the Result.
func (i *Ingestor) Ingest(ctx context.Context, event *models.InboundEvent) (res Result) {
	start := i.now()
	state := StateReceived
	log := i.logger
	if event != nil {
		log = log.WithField("email_id", event.EmailID)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("ingestion aborted")
			res = failure(state, fmt.Errorf("%w: panic: %v", ErrPersist, r))
		}
		i.metrics.observeResult(res, i.now().Sub(start).Seconds())
	}()

	if event == nil || strings.TrimSpace(event.EmailID) == "" {
		return failure(state, fmt.Errorf("%w: event has no email id", ErrMalformedInput))
	}

	if err := i.guard.Acquire(ctx, event.EmailID, i.guardTTL); err != nil {
		if errors.Is(err, cache.ErrInFlight) {
			log.Info("delivery already in progress")
			return failure(state, fmt.Errorf("%w: %s", ErrInFlight, event.EmailID))
		}
		log.WithError(err).Warn("delivery guard unavailable, continuing without it")
	} else {
		defer func() {
			if err := i.guard.Release(context.WithoutCancel(ctx), event.EmailID); err != nil {
				log.WithError(err).Warn("failed to release delivery guard")
			}
		}()
	}

	existing, err := i.stores.Messages.GetByExternalID(ctx, event.EmailID)
	switch {
	case err == nil:
		log.WithField("email_message_id", existing.ID).Info("event already ingested")
		return duplicate(existing)
	case !errors.Is(err, repository.ErrNotFound):
		return failure(state, fmt.Errorf("%w: %w", ErrPersist, err))
	}

	content, err := i.source.FetchContent(ctx, event.EmailID)
	if err != nil {
		log.WithError(err).Error("failed to fetch email content")
		return failure(state, fmt.Errorf("%w: %w", ErrContentFetch, err))
	}
	state = StateContentFetched

	recipient := strings.TrimSpace(event.PrimaryRecipient())
	if recipient == "" {
		log.Warn("event has no recipients")
		return failure(StateMalformedInput, fmt.Errorf("%w: no recipients", ErrMalformedInput))
	}
	to := utils.ParseAddress(recipient)

	org, err := i.stores.Organizations.GetByReceivingAddress(ctx, to.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.WithField("recipient", to.Email).Warn("no organization for recipient, dropping message")
			return failure(StateOrgNotFound, fmt.Errorf("%w: %s", ErrOrganizationNotFound, to.Email))
		}
		return failure(state, fmt.Errorf("%w: %w", ErrPersist, err))
	}
	log = log.WithField("org_id", org.ID)

	from := utils.ParseAddress(event.From)
	contact, err := i.stores.Contacts.FindByOrganizationAndEmail(ctx, org.ID, from.Email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return withOrg(failure(state, fmt.Errorf("%w: %w", ErrPersist, err)), org)
		}
		return withOrg(i.unknownSender(ctx, log, org, from, event), org)
	}

	thread, err := i.resolver.Resolve(ctx, threading.Request{
		OrganizationID: org.ID,
		ClientID:       contact.ClientID,
		InReplyTo:      event.InReplyTo,
		Subject:        event.Subject,
		SeedID:         event.SeedID(),
	})
	if err != nil {
		return withOrg(failure(state, fmt.Errorf("%w: %w", ErrPersist, err)), org)
	}

	msg, activity := i.buildMessage(event, content, org, contact, from, to, thread.ThreadID)
	stored, created, err := i.stores.Messages.CreateWithActivity(ctx, msg, activity)
	if err != nil {
		log.WithError(err).Error("failed to persist email message")
		return withOrg(failure(state, fmt.Errorf("%w: %w", ErrPersist, err)), org)
	}
	if !created {
		log.WithField("email_message_id", stored.ID).Info("event ingested concurrently")
		return duplicate(stored)
	}
	state = StateMessagePersisted

	log.WithFields(logrus.Fields{
		"email_message_id": stored.ID,
		"thread_id":        stored.ThreadID,
		"thread_match":     thread.Match,
	}).Info("email message stored")

	res = Result{
		Success:        true,
		EmailMessageID: stored.ID,
		OrgID:          org.ID,
		ThreadID:       stored.ThreadID,
		State:          state,
	}
	res.Attachments = i.processAttachments(ctx, log, stored, event.Attachments)
	state = StateAttachmentsProcessed
	res.State = state
	return res
}

func (i *Ingestor) unknownSender(ctx context.Context, log logrus.FieldLogger, org *models.Organization, from utils.Address, event *models.InboundEvent) Result {
	log = log.WithField("from", from.Email)
	activity := &models.Activity{
		OrganizationID: org.ID,
		UserID:         org.OwnerUserID,
		Type:           models.ActivityEmailUnknownSender,
		EntityType:     models.EntityOrganization,
		EntityID:       org.ID,
		EntityName:     org.Name,
		Description:    fmt.Sprintf("Email received from unknown sender %s", from.Email),
		Metadata: models.ActivityMeta{
			"from_email":  from.Email,
			"from_name":   from.Name,
			"subject":     event.Subject,
			"external_id": event.EmailID,
		},
		CreatedAt: i.clock(),
	}

	// unknown_sender is only final once its activity is stored.
	if err := i.stores.Activities.Create(ctx, activity); err != nil {
		log.WithError(err).Error("failed to record unknown sender activity")
		return failure(StateUnknownSender, fmt.Errorf("%w: record unknown sender %s: %w", ErrPersist, from.Email, err))
	}
	log.Info("email from unknown sender recorded as activity")
	return failure(StateUnknownSender, fmt.Errorf("%w: %s", ErrUnknownSender, from.Email))
}

func (i *Ingestor) buildMessage(event *models.InboundEvent, content *models.ReceivedContent, org *models.Organization, contact *models.ClientContact, from, to utils.Address, threadID string) (*models.EmailMessage, *models.Activity) {
	now := i.clock()

	html := content.HTML
	if i.sanitizer != nil {
		html = i.sanitizer.Sanitize(html)
	}

	msg := &models.EmailMessage{
		OrganizationID:    org.ID,
		ClientID:          contact.ClientID,
		ExternalID:        event.EmailID,
		MessageID:         event.MessageID,
		Direction:         models.DirectionInbound,
		ThreadID:          threadID,
		References:        models.StringList(event.References),
		Subject:           event.Subject,
		NormalizedSubject: threading.NormalizeSubject(event.Subject),
		BodyText:          content.Text,
		BodyHTML:          html,
		Preview:           utils.Preview(content.Text, content.HTML),
		FromName:          from.Name,
		FromEmail:         from.Email,
		ToName:            to.Name,
		ToEmail:           to.Email,
		HasAttachments:    len(event.Attachments) > 0,
		Status:            models.StatusDelivered,
		SentAt:            now,
		DeliveredAt:       &now,
		CreatedAt:         now,
	}
	if event.InReplyTo != "" {
		inReplyTo := event.InReplyTo
		msg.InReplyTo = &inReplyTo
	}

	activity := &models.Activity{
		OrganizationID: org.ID,
		UserID:         org.OwnerUserID,
		Type:           models.ActivityEmailReceived,
		EntityType:     models.EntityClient,
		EntityID:       contact.ClientID,
		EntityName:     contact.Name,
		Description:    fmt.Sprintf("Email received from %s: %s", from.Name, event.Subject),
		Metadata: models.ActivityMeta{
			"contact_id": contact.ID,
			"from_email": from.Email,
			"subject":    event.Subject,
			"thread_id":  threadID,
		},
		CreatedAt: now,
	}
	return msg, activity
}

// processAttachments fetches and stores every descriptor with bounded
// concurrency. One failure never stops the others.
func (i *Ingestor) processAttachments(ctx context.Context, log logrus.FieldLogger, msg *models.EmailMessage, descs []models.AttachmentDescriptor) []AttachmentOutcome {
	if len(descs) == 0 {
		return nil
	}
	outcomes := make([]AttachmentOutcome, len(descs))

	var g errgroup.Group
	g.SetLimit(i.workers)
	for idx, d := range descs {
		g.Go(func() error {
			outcomes[idx] = i.processAttachment(ctx, log.WithField("attachment_id", d.ID), msg, d)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (i *Ingestor) processAttachment(ctx context.Context, log logrus.FieldLogger, msg *models.EmailMessage, d models.AttachmentDescriptor) AttachmentOutcome {
	out := AttachmentOutcome{ID: d.ID, Filename: d.Filename}

	att, existed, err := i.StoreAttachment(ctx, msg, d)
	if err != nil {
		log.WithError(err).Warn("failed to store attachment")
		out.Status = AttachmentFailed
		out.Error = err.Error()
		i.metrics.observeAttachment(AttachmentFailed)
		i.recordFailure(ctx, log, msg, d, err)
		return out
	}

	out.Status = AttachmentStored
	if existed {
		out.Status = AttachmentExisted
	}
	out.AttachmentID = att.ID
	out.Filename = att.Filename
	out.Size = att.Size
	i.metrics.observeAttachment(out.Status)
	return out
}

func (i *Ingestor) recordFailure(ctx context.Context, log logrus.FieldLogger, msg *models.EmailMessage, d models.AttachmentDescriptor, cause error) {
	if i.stores.Failures == nil || d.ID == "" {
		return
	}
	f := &models.AttachmentFailure{
		EmailMessageID:       msg.ID,
		OrganizationID:       msg.OrganizationID,
		ExternalEmailID:      msg.ExternalID,
		ProviderAttachmentID: d.ID,
		Filename:             d.Filename,
		ContentType:          d.ContentType,
		ContentDisposition:   optional(d.ContentDisposition),
		ContentID:            optional(d.ContentID),
		LastError:            utils.Truncate(cause.Error(), 1000),
		Attempts:             1,
		NextAttemptAt:        i.clock().Add(RetryBackoff(i.retryDelay, 1)),
	}
	if err := i.stores.Failures.Record(context.WithoutCancel(ctx), f); err != nil {
		log.WithError(err).Error("failed to record attachment failure")
	}
}

// StoreAttachment fetches one attachment, stores its blob and writes the
// metadata row. An attachment that is already stored is returned with
// existed=true and is not fetched again.
func (i *Ingestor) StoreAttachment(ctx context.Context, msg *models.EmailMessage, d models.AttachmentDescriptor) (att *models.EmailAttachment, existed bool, err error) {
	if d.ID == "" {
		return nil, false, fmt.Errorf("%w: descriptor has no id", ErrAttachment)
	}

	if found, err := i.stores.Attachments.GetByProviderID(ctx, msg.ID, d.ID); err == nil {
		return found, true, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %w", ErrAttachment, err)
	}

	fetched, err := i.source.FetchAttachment(ctx, msg.ExternalID, d.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch: %w", ErrAttachment, err)
	}

	now := i.clock()
	filename := firstNonEmpty(d.Filename, fetched.Filename, d.ID)
	contentType := firstNonEmpty(d.ContentType, fetched.ContentType, defaultMimeType)

	ref, err := i.blobs.Store(ctx, &storage.Object{
		OrganizationID: msg.OrganizationID,
		MessageID:      msg.ID,
		AttachmentID:   d.ID,
		FileName:       filename,
		ContentType:    contentType,
		Content:        fetched.Content,
		CreatedTime:    now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: store blob: %w", ErrAttachment, err)
	}

	row := &models.EmailAttachment{
		EmailMessageID:       msg.ID,
		OrganizationID:       msg.OrganizationID,
		ProviderAttachmentID: d.ID,
		Filename:             filename,
		ContentType:          contentType,
		Size:                 ref.Size,
		ContentID:            optional(d.ContentID),
		ContentDisposition:   optional(d.ContentDisposition),
		StorageBackend:       ref.Backend,
		StorageKey:           ref.Key,
		Checksum:             ref.Checksum,
		ReceivedAt:           now,
	}
	if err := i.stores.Attachments.Create(ctx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			found, getErr := i.stores.Attachments.GetByProviderID(ctx, msg.ID, d.ID)
			if getErr == nil {
				return found, true, nil
			}
			err = getErr
		} else if delErr := i.blobs.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			i.logger.WithError(delErr).WithField("storage_key", ref.Key).Warn("failed to remove orphaned blob")
		}
		return nil, false, fmt.Errorf("%w: write metadata: %w", ErrAttachment, err)
	}
	return row, false, nil
}

func duplicate(m *models.EmailMessage) Result {
	return Result{
		Success:        true,
		Duplicate:      true,
		Reason:         ReasonDuplicate,
		EmailMessageID: m.ID,
		OrgID:          m.OrganizationID,
		ThreadID:       m.ThreadID,
		State:          StateMessagePersisted,
	}
}

func withOrg(res Result, org *models.Organization) Result {
	res.OrgID = org.ID
	return res
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
