package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration holds a single schema migration with its target version.
// Statements are executed one at a time since not every driver accepts
// multi-statement strings.
type migration struct {
	version    int
	statements []string
}

// migrations is the ordered list of schema migrations. Versions are sequential
// starting from 1. Statements are written for PostgreSQL and SQLite and adapted
// for MySQL by AdaptSchema.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS organizations (
	id                VARCHAR(64) PRIMARY KEY,
	name              VARCHAR(255) NOT NULL,
	receiving_address VARCHAR(255) NOT NULL,
	owner_user_id     VARCHAR(64) NOT NULL,
	created_at        TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX uq_organizations_receiving_address ON organizations (receiving_address)`,

			`CREATE TABLE IF NOT EXISTS client_contacts (
	id              VARCHAR(64) PRIMARY KEY,
	organization_id VARCHAR(64) NOT NULL REFERENCES organizations (id),
	client_id       VARCHAR(64) NOT NULL,
	name            VARCHAR(255) NOT NULL,
	email           VARCHAR(255) NOT NULL,
	created_at      TIMESTAMP NOT NULL
)`,
			`CREATE INDEX idx_client_contacts_org_email ON client_contacts (organization_id, email)`,

			`CREATE TABLE IF NOT EXISTS email_messages (
	id                 VARCHAR(64) PRIMARY KEY,
	organization_id    VARCHAR(64) NOT NULL REFERENCES organizations (id),
	client_id          VARCHAR(64) NOT NULL,
	external_id        VARCHAR(255) NOT NULL,
	message_id         VARCHAR(255) NOT NULL,
	direction          VARCHAR(16) NOT NULL,
	thread_id          VARCHAR(255) NOT NULL,
	in_reply_to        VARCHAR(255) NULL,
	references_json    TEXT NOT NULL,
	subject            TEXT NOT NULL,
	normalized_subject VARCHAR(255) NOT NULL,
	body_text          TEXT NOT NULL,
	body_html          TEXT NOT NULL,
	preview            TEXT NOT NULL,
	from_name          VARCHAR(255) NOT NULL,
	from_email         VARCHAR(255) NOT NULL,
	to_name            VARCHAR(255) NOT NULL,
	to_email           VARCHAR(255) NOT NULL,
	has_attachments    BOOLEAN NOT NULL,
	status             VARCHAR(16) NOT NULL,
	sent_at            TIMESTAMP NOT NULL,
	delivered_at       TIMESTAMP NULL,
	created_at         TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX uq_email_messages_external_id ON email_messages (external_id)`,
			`CREATE INDEX idx_email_messages_org_thread ON email_messages (organization_id, thread_id)`,
			`CREATE INDEX idx_email_messages_client_subject ON email_messages (client_id, normalized_subject, sent_at)`,

			`CREATE TABLE IF NOT EXISTS email_attachments (
	id                     VARCHAR(64) PRIMARY KEY,
	email_message_id       VARCHAR(64) NOT NULL REFERENCES email_messages (id),
	organization_id        VARCHAR(64) NOT NULL,
	provider_attachment_id VARCHAR(255) NOT NULL,
	filename               VARCHAR(1024) NOT NULL,
	content_type           VARCHAR(255) NOT NULL,
	size                   BIGINT NOT NULL,
	content_id             VARCHAR(255) NULL,
	content_disposition    VARCHAR(64) NULL,
	storage_backend        VARCHAR(32) NOT NULL,
	storage_key            VARCHAR(1024) NOT NULL,
	checksum               VARCHAR(128) NOT NULL,
	received_at            TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX uq_email_attachments_message_provider ON email_attachments (email_message_id, provider_attachment_id)`,

			`CREATE TABLE IF NOT EXISTS activities (
	id              VARCHAR(64) PRIMARY KEY,
	organization_id VARCHAR(64) NOT NULL,
	user_id         VARCHAR(64) NOT NULL,
	activity_type   VARCHAR(64) NOT NULL,
	entity_type     VARCHAR(64) NOT NULL,
	entity_id       VARCHAR(64) NOT NULL,
	entity_name     VARCHAR(255) NOT NULL,
	description     TEXT NOT NULL,
	metadata_json   TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
)`,
			`CREATE INDEX idx_activities_org_created ON activities (organization_id, created_at)`,
			`CREATE INDEX idx_activities_entity ON activities (entity_type, entity_id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS email_attachment_failures (
	id                     VARCHAR(64) PRIMARY KEY,
	email_message_id       VARCHAR(64) NOT NULL REFERENCES email_messages (id),
	organization_id        VARCHAR(64) NOT NULL,
	external_email_id      VARCHAR(255) NOT NULL,
	provider_attachment_id VARCHAR(255) NOT NULL,
	filename               VARCHAR(1024) NOT NULL,
	content_type           VARCHAR(255) NOT NULL,
	content_disposition    VARCHAR(64) NULL,
	content_id             VARCHAR(255) NULL,
	last_error             TEXT NOT NULL,
	attempts               INTEGER NOT NULL,
	next_attempt_at        TIMESTAMP NOT NULL,
	resolved_at            TIMESTAMP NULL,
	created_at             TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX uq_attachment_failures_message_provider ON email_attachment_failures (email_message_id, provider_attachment_id)`,
			`CREATE INDEX idx_attachment_failures_due ON email_attachment_failures (resolved_at, next_attempt_at)`,
		},
	},
	{
		version: 3,
		statements: []string{
			`CREATE INDEX idx_email_messages_message_id ON email_messages (message_id)`,
		},
	},
}

var (
	textColumnPattern      = regexp.MustCompile(`\bTEXT\b`)
	timestampColumnPattern = regexp.MustCompile(`\bTIMESTAMP\b`)
)

// AdaptSchema rewrites a migration statement for the target driver.
// MySQL TIMESTAMP columns are range limited and TEXT tops out at 64KB, so both
// are widened there.
func AdaptSchema(driver, stmt string) string {
	if NormalizeDriver(driver) != DriverMySQL {
		return stmt
	}
	stmt = timestampColumnPattern.ReplaceAllString(stmt, "DATETIME(6)")
	stmt = textColumnPattern.ReplaceAllString(stmt, "MEDIUMTEXT")
	return stmt
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// CurrentVersion reads the applied schema version, 0 on a fresh database.
func CurrentVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("creating schema_version table: %w", err)
	}
	var version int
	if err := db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every outstanding migration in order and returns how many ran.
func Migrate(ctx context.Context, db *sqlx.DB) (int, error) {
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return applied, fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		applied++
	}
	return applied, nil
}

func apply(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, AdaptSchema(db.DriverName(), stmt)); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return stmt
}
