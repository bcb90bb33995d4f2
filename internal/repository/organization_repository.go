package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/onetool-io/mailingest/internal/models"
)

const organizationColumns = `id, name, receiving_address, owner_user_id, created_at`

// OrganizationRepository reads organizations and their receiving addresses.
type OrganizationRepository struct {
	db *sqlx.DB
}

func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	org.ReceivingAddress = strings.TrimSpace(org.ReceivingAddress)

	query := r.db.Rebind(`
		INSERT INTO organizations (` + organizationColumns + `)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		org.ID, org.Name, org.ReceivingAddress, org.OwnerUserID, org.CreatedAt)
	return wrap(err, "create organization")
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	query := r.db.Rebind(`SELECT ` + organizationColumns + ` FROM organizations WHERE id = ?`)
	if err := r.db.GetContext(ctx, &org, query, id); err != nil {
		return nil, wrap(err, "get organization")
	}
	return &org, nil
}

// GetByReceivingAddress returns the organization that owns address. The match is exact.
func (r *OrganizationRepository) GetByReceivingAddress(ctx context.Context, address string) (*models.Organization, error) {
	var org models.Organization
	query := r.db.Rebind(`SELECT ` + organizationColumns + ` FROM organizations WHERE receiving_address = ?`)
	if err := r.db.GetContext(ctx, &org, query, strings.TrimSpace(address)); err != nil {
		return nil, wrap(err, "get organization by receiving address")
	}
	return &org, nil
}
