package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const activityColumns = `id, organization_id, user_id, activity_type, entity_type, entity_id,
	entity_name, description, metadata_json, created_at`

// ActivityRepository appends audit records. Rows are never updated.
type ActivityRepository struct {
	db *sqlx.DB
}

func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Create(ctx context.Context, a *models.Activity) error {
	return insertActivity(ctx, r.db, a)
}

// ListByOrganization returns the newest activities of an organization first.
func (r *ActivityRepository) ListByOrganization(ctx context.Context, orgID string, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Activity
	query := r.db.Rebind(`
		SELECT ` + activityColumns + `
		FROM activities
		WHERE organization_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, query, orgID, limit); err != nil {
		return nil, wrap(err, "list activities")
	}
	return out, nil
}

func (r *ActivityRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]models.Activity, error) {
	var out []models.Activity
	query := r.db.Rebind(`
		SELECT ` + activityColumns + `
		FROM activities
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &out, query, entityType, entityID); err != nil {
		return nil, wrap(err, "list entity activities")
	}
	return out, nil
}

func insertActivity(ctx context.Context, ext sqlx.ExtContext, a *models.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := ext.Rebind(`
		INSERT INTO activities (` + activityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := ext.ExecContext(ctx, query,
		a.ID, a.OrganizationID, a.UserID, a.Type, a.EntityType, a.EntityID,
		a.EntityName, a.Description, a.Metadata, a.CreatedAt)
	return wrap(err, "create activity")
}
