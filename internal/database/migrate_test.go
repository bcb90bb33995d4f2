package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := NewTestDB(t)

	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), version)

	applied, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, applied, "second run must be a no-op")

	for _, table := range []string{
		"organizations", "client_contacts", "email_messages",
		"email_attachments", "email_attachment_failures", "activities",
	} {
		var n int
		require.NoError(t, db.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table))
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrateEnforcesUniqueExternalID(t *testing.T) {
	db := NewTestDB(t)
	now := time.Now().UTC()

	_, err := db.Exec(`INSERT INTO organizations (id, name, receiving_address, owner_user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		"org-1", "Biz", "org@biz.onetool.com", "user-1", now)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO organizations (id, name, receiving_address, owner_user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		"org-2", "Other", "org@biz.onetool.com", "user-2", now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestAdaptSchema(t *testing.T) {
	stmt := `CREATE TABLE t (body TEXT NOT NULL, created_at TIMESTAMP NOT NULL, context_text VARCHAR(10))`

	assert.Equal(t, stmt, AdaptSchema("postgres", stmt))
	assert.Equal(t, stmt, AdaptSchema("sqlite3", stmt))
	assert.Equal(t,
		`CREATE TABLE t (body MEDIUMTEXT NOT NULL, created_at DATETIME(6) NOT NULL, context_text VARCHAR(10))`,
		AdaptSchema("mariadb", stmt))
}

func TestMigrationVersionsAreSequential(t *testing.T) {
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version)
		assert.NotEmpty(t, m.statements)
	}
}
