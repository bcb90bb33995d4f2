package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const contactColumns = `id, organization_id, client_id, name, email, created_at`

type ContactRepository struct {
	db *sqlx.DB
}

func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) Create(ctx context.Context, c *models.ClientContact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Email = strings.TrimSpace(c.Email)

	query := r.db.Rebind(`
		INSERT INTO client_contacts (` + contactColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.OrganizationID, c.ClientID, c.Name, c.Email, c.CreatedAt)
	return wrap(err, "create client contact")
}

// FindByOrganizationAndEmail returns the oldest contact of the organization with
// exactly this email address.
func (r *ContactRepository) FindByOrganizationAndEmail(ctx context.Context, orgID, email string) (*models.ClientContact, error) {
	var c models.ClientContact
	query := r.db.Rebind(`
		SELECT ` + contactColumns + `
		FROM client_contacts
		WHERE organization_id = ? AND email = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	if err := r.db.GetContext(ctx, &c, query, orgID, strings.TrimSpace(email)); err != nil {
		return nil, wrap(err, "find client contact")
	}
	return &c, nil
}
