package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/database"
	"github.com/onetool-io/mailingest/internal/models"
	"github.com/onetool-io/mailingest/internal/repository"
)

type stubStorer struct {
	fail  map[string]error
	calls []string
}

func (s *stubStorer) StoreAttachment(_ context.Context, msg *models.EmailMessage, d models.AttachmentDescriptor) (*models.EmailAttachment, bool, error) {
	s.calls = append(s.calls, d.ID)
	if err := s.fail[d.ID]; err != nil {
		return nil, false, err
	}
	return &models.EmailAttachment{ID: "row-" + d.ID, EmailMessageID: msg.ID}, false, nil
}

func TestAttachmentRetryTaskDefaults(t *testing.T) {
	task := NewAttachmentRetryTask(nil, nil, nil, config.AttachmentRetryConfig{}, nil)
	assert.Equal(t, AttachmentRetryTaskName, task.Name())
	assert.Equal(t, "@every 1m", task.Schedule())
	assert.Equal(t, 5*time.Minute, task.Timeout())
}

func TestAttachmentRetryTaskRunBatch(t *testing.T) {
	ctx := context.Background()
	db := database.NewTestDB(t)
	orgs := repository.NewOrganizationRepository(db)
	messages := repository.NewMessageRepository(db)
	failures := repository.NewAttachmentFailureRepository(db)

	org := &models.Organization{Name: "Biz", ReceivingAddress: "org@biz.onetool.com", OwnerUserID: "owner"}
	require.NoError(t, orgs.Create(ctx, org))

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	msg := &models.EmailMessage{
		OrganizationID: org.ID, ClientID: "client-1", ExternalID: "em_1", MessageID: "m1",
		Direction: models.DirectionInbound, ThreadID: "m1", Subject: "Hi", NormalizedSubject: "Hi",
		Status: models.StatusDelivered, SentAt: now,
	}
	require.NoError(t, messages.Create(ctx, msg))

	record := func(id string, next time.Time) {
		require.NoError(t, failures.Record(ctx, &models.AttachmentFailure{
			EmailMessageID: msg.ID, OrganizationID: org.ID, ExternalEmailID: "em_1",
			ProviderAttachmentID: id, Filename: id + ".bin", ContentType: "application/octet-stream",
			LastError: "timeout", NextAttemptAt: next,
		}))
	}
	record("att_ok", now.Add(-time.Minute))
	record("att_bad", now.Add(-time.Minute))
	record("att_later", now.Add(time.Hour))

	storer := &stubStorer{fail: map[string]error{"att_bad": errors.New("still 502")}}
	logger, _ := test.NewNullLogger()
	task := NewAttachmentRetryTask(failures, messages, storer, config.AttachmentRetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	}, logger)
	task.now = func() time.Time { return now }

	stats, err := task.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Due: 2, Resolved: 1, Pending: 1}, stats)
	assert.ElementsMatch(t, []string{"att_ok", "att_bad"}, storer.calls)

	open, err := failures.ListOpen(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	byID := map[string]models.AttachmentFailure{}
	for _, f := range open {
		byID[f.ProviderAttachmentID] = f
	}
	bad := byID["att_bad"]
	assert.Equal(t, 2, bad.Attempts)
	assert.Equal(t, "still 502", bad.LastError)
	assert.True(t, bad.NextAttemptAt.Equal(now.Add(4*time.Minute)), bad.NextAttemptAt)
	_, stillOpen := byID["att_ok"]
	assert.False(t, stillOpen)

	// Nothing is due until the backoff has passed.
	stats, err = task.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Due)

	// The third failure reaches max attempts and is no longer listed.
	task.now = func() time.Time { return now.Add(5 * time.Minute) }
	stats, err = task.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Due: 1, Pending: 1}, stats)

	task.now = func() time.Time { return now.Add(24 * time.Hour) }
	stats, err = task.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Due, "only att_later remains")
}
