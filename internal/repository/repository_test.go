package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onetool-io/mailingest/internal/database"
	"github.com/onetool-io/mailingest/internal/models"
)

type fixture struct {
	orgs        *OrganizationRepository
	contacts    *ContactRepository
	messages    *MessageRepository
	attachments *AttachmentRepository
	activities  *ActivityRepository
	failures    *AttachmentFailureRepository
	org         *models.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewTestDB(t)
	f := &fixture{
		orgs:        NewOrganizationRepository(db),
		contacts:    NewContactRepository(db),
		messages:    NewMessageRepository(db),
		attachments: NewAttachmentRepository(db),
		activities:  NewActivityRepository(db),
		failures:    NewAttachmentFailureRepository(db),
	}
	f.org = &models.Organization{Name: "Biz", ReceivingAddress: "org@biz.onetool.com", OwnerUserID: "owner-1"}
	require.NoError(t, f.orgs.Create(context.Background(), f.org))
	return f
}

func (f *fixture) message(t *testing.T, externalID, clientID, thread, normalized string, sentAt time.Time) *models.EmailMessage {
	t.Helper()
	m := &models.EmailMessage{
		OrganizationID:    f.org.ID,
		ClientID:          clientID,
		ExternalID:        externalID,
		MessageID:         "<" + externalID + "@mail>",
		Direction:         models.DirectionInbound,
		ThreadID:          thread,
		Subject:           normalized,
		NormalizedSubject: normalized,
		Status:            models.StatusDelivered,
		SentAt:            sentAt,
	}
	require.NoError(t, f.messages.Create(context.Background(), m))
	return m
}

func TestOrganizationRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got, err := f.orgs.GetByReceivingAddress(ctx, " org@biz.onetool.com ")
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerUserID)

	_, err = f.orgs.GetByReceivingAddress(ctx, "nobody@biz.onetool.com")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &models.Organization{Name: "Clone", ReceivingAddress: "org@biz.onetool.com", OwnerUserID: "x"}
	assert.ErrorIs(t, f.orgs.Create(ctx, dup), ErrDuplicate)

	byID, err := f.orgs.GetByID(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Biz", byID.Name)
}

func TestContactRepositoryReturnsOldestMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Hour)

	newer := &models.ClientContact{OrganizationID: f.org.ID, ClientID: "client-new", Name: "Jane", Email: "jane@client.com", CreatedAt: base.Add(time.Minute)}
	older := &models.ClientContact{OrganizationID: f.org.ID, ClientID: "client-old", Name: "Jane", Email: "jane@client.com", CreatedAt: base}
	require.NoError(t, f.contacts.Create(ctx, newer))
	require.NoError(t, f.contacts.Create(ctx, older))

	got, err := f.contacts.FindByOrganizationAndEmail(ctx, f.org.ID, "jane@client.com")
	require.NoError(t, err)
	assert.Equal(t, "client-old", got.ClientID)

	_, err = f.contacts.FindByOrganizationAndEmail(ctx, f.org.ID, "Jane@Client.com")
	assert.ErrorIs(t, err, ErrNotFound, "matching is exact")

	_, err = f.contacts.FindByOrganizationAndEmail(ctx, "other-org", "jane@client.com")
	assert.ErrorIs(t, err, ErrNotFound, "matching is scoped to the organization")
}

func TestMessageRepositoryLookups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()

	first := f.message(t, "em-1", "client-1", "thread-a", "Quote #123", now.Add(-2*time.Hour))
	second := f.message(t, "em-2", "client-1", "thread-b", "Quote #123", now.Add(-time.Hour))
	f.message(t, "em-3", "client-2", "thread-c", "Quote #123", now)

	byThread, err := f.messages.FindByThreadID(ctx, f.org.ID, "thread-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byThread.ID)

	_, err = f.messages.FindByThreadID(ctx, "other-org", "thread-a")
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := f.messages.LatestBySubject(ctx, "client-1", "Quote #123")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, "thread-b", latest.ThreadID)

	byExternal, err := f.messages.GetByExternalID(ctx, "em-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byExternal.ID)
	assert.Equal(t, models.StringList{}, byExternal.References)
	assert.Nil(t, byExternal.InReplyTo)

	n, err := f.messages.CountByOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCreateWithActivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	parent := "thread-x"

	msg := &models.EmailMessage{
		OrganizationID: f.org.ID,
		ClientID:       "client-1",
		ExternalID:     "em-10",
		MessageID:      "<m10@mail>",
		Direction:      models.DirectionInbound,
		ThreadID:       "thread-x",
		InReplyTo:      &parent,
		References:     models.StringList{"<a@mail>", "<b@mail>"},
		Subject:        "Re: Hello",
		BodyText:       "hi",
		Status:         models.StatusDelivered,
		SentAt:         now,
		DeliveredAt:    &now,
	}
	activity := &models.Activity{
		OrganizationID: f.org.ID,
		UserID:         f.org.OwnerUserID,
		Type:           models.ActivityEmailReceived,
		EntityType:     models.EntityClient,
		EntityID:       "client-1",
		Description:    "Email received",
	}

	stored, created, err := f.messages.CreateWithActivity(ctx, msg, activity)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, msg.ID, stored.ID)

	got, err := f.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StringList{"<a@mail>", "<b@mail>"}, got.References)
	require.NotNil(t, got.InReplyTo)
	assert.Equal(t, "thread-x", *got.InReplyTo)
	require.NotNil(t, got.DeliveredAt)

	acts, err := f.activities.ListByEntity(ctx, models.EntityClient, "client-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, msg.ID, acts[0].Metadata["email_message_id"])

	// Redelivery of the same provider email resolves to the stored row.
	again := *msg
	again.ID = ""
	stored, created, err = f.messages.CreateWithActivity(ctx, &again, &models.Activity{
		OrganizationID: f.org.ID, UserID: "owner-1", Type: models.ActivityEmailReceived,
		EntityType: models.EntityClient, EntityID: "client-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, msg.ID, stored.ID)

	acts, err = f.activities.ListByEntity(ctx, models.EntityClient, "client-1")
	require.NoError(t, err)
	assert.Len(t, acts, 1, "duplicate delivery must not add an activity")

	n, err := f.messages.CountByOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttachmentRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.message(t, "em-20", "client-1", "t", "s", time.Now().UTC())
	cid := "logo@mail"

	a := &models.EmailAttachment{
		EmailMessageID:       msg.ID,
		OrganizationID:       f.org.ID,
		ProviderAttachmentID: "att-1",
		Filename:             "logo.png",
		ContentType:          "image/png",
		Size:                 42,
		ContentID:            &cid,
		StorageBackend:       "local",
		StorageKey:           "2026/10/17/logo.png",
		Checksum:             "abc",
	}
	require.NoError(t, f.attachments.Create(ctx, a))

	dup := *a
	dup.ID = ""
	assert.ErrorIs(t, f.attachments.Create(ctx, &dup), ErrDuplicate)

	list, err := f.attachments.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(42), list[0].Size)
	require.NotNil(t, list[0].ContentID)
	assert.Equal(t, cid, *list[0].ContentID)
	assert.Nil(t, list[0].ContentDisposition)

	got, err := f.attachments.GetByProviderID(ctx, msg.ID, "att-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestAttachmentFailureRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.message(t, "em-30", "client-1", "t", "s", time.Now().UTC())
	now := time.Now().UTC()

	failure := &models.AttachmentFailure{
		EmailMessageID:       msg.ID,
		OrganizationID:       f.org.ID,
		ExternalEmailID:      "em-30",
		ProviderAttachmentID: "att-1",
		Filename:             "report.pdf",
		ContentType:          "application/pdf",
		LastError:            "timeout",
		NextAttemptAt:        now.Add(-time.Minute),
	}
	require.NoError(t, f.failures.Record(ctx, failure))
	assert.Equal(t, 1, failure.Attempts)

	// Recording the same attachment again bumps the counter.
	require.NoError(t, f.failures.Record(ctx, &models.AttachmentFailure{
		EmailMessageID: msg.ID, OrganizationID: f.org.ID, ExternalEmailID: "em-30",
		ProviderAttachmentID: "att-1", Filename: "report.pdf", ContentType: "application/pdf",
		LastError: "503", NextAttemptAt: now.Add(-time.Second),
	}))

	due, err := f.failures.ListDue(ctx, now, 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, "503", due[0].LastError)
	assert.Equal(t, "att-1", due[0].Descriptor().ID)

	due, err = f.failures.ListDue(ctx, now, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "exhausted failures are not due")

	require.NoError(t, f.failures.MarkAttempt(ctx, failure.ID, "still down", now.Add(time.Hour)))
	due, err = f.failures.ListDue(ctx, now, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "next attempt is in the future")

	require.NoError(t, f.failures.MarkResolved(ctx, failure.ID, now))
	open, err := f.failures.ListOpen(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, f.failures.MarkResolved(ctx, "missing", now), ErrNotFound)
}

func TestActivityRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.activities.Create(ctx, &models.Activity{
		OrganizationID: f.org.ID,
		UserID:         f.org.OwnerUserID,
		Type:           models.ActivityEmailUnknownSender,
		EntityType:     models.EntityOrganization,
		EntityID:       f.org.ID,
		Description:    "Email from unknown sender stranger@else.com",
		Metadata:       models.ActivityMeta{"from": "stranger@else.com"},
	}))

	list, err := f.activities.ListByOrganization(ctx, f.org.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ActivityEmailUnknownSender, list[0].Type)
	assert.Equal(t, "stranger@else.com", list[0].Metadata["from"])
}
