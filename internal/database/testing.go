package database

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/config"
)

// NewTestDB opens an in-memory SQLite database with all migrations applied.
// It is closed automatically when the test completes.
func NewTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := OpenDSN(context.Background(), DriverSQLite, "file::memory:?_foreign_keys=on", config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if _, err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		t.Fatalf("migrating test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})
	return db
}
