package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onetool-io/mailingest/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestGetByReceivingAddressRebindsForPostgres(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrganizationRepository(db)

	rows := sqlmock.NewRows([]string{"id", "name", "receiving_address", "owner_user_id", "created_at"}).
		AddRow("org-1", "Biz", "org@biz.onetool.com", "owner-1", time.Now())
	mock.ExpectQuery(`SELECT .+ FROM organizations WHERE receiving_address = \$1`).
		WithArgs("org@biz.onetool.com").
		WillReturnRows(rows)

	org, err := repo.GetByReceivingAddress(context.Background(), "org@biz.onetool.com")
	require.NoError(t, err)
	assert.Equal(t, "org-1", org.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithActivityRollsBackWhenActivityFails(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO email_messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO activities`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	msg := &models.EmailMessage{OrganizationID: "org-1", ClientID: "c-1", ExternalID: "em-1", SentAt: time.Now()}
	act := &models.Activity{OrganizationID: "org-1", Type: models.ActivityEmailReceived}

	stored, created, err := repo.CreateWithActivity(context.Background(), msg, act)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, created)
	assert.Nil(t, stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithActivityResolvesDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO email_messages`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	cols := []string{
		"id", "organization_id", "client_id", "external_id", "message_id", "direction",
		"thread_id", "in_reply_to", "references_json", "subject", "normalized_subject",
		"body_text", "body_html", "preview", "from_name", "from_email", "to_name", "to_email",
		"has_attachments", "status", "sent_at", "delivered_at", "created_at",
	}
	mock.ExpectQuery(`SELECT .+ FROM email_messages WHERE external_id = \$1`).
		WithArgs("em-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"msg-existing", "org-1", "c-1", "em-1", "<m1@mail>", "inbound",
			"m1", nil, "[]", "Hello", "Hello",
			"hi", "", "hi", "Jane", "jane@client.com", "org", "org@biz.onetool.com",
			false, "delivered", now, now, now,
		))

	msg := &models.EmailMessage{OrganizationID: "org-1", ClientID: "c-1", ExternalID: "em-1", SentAt: now}
	stored, created, err := repo.CreateWithActivity(context.Background(), msg, &models.Activity{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "msg-existing", stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
