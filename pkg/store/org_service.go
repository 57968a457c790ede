package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// OrganizationService manages tenant organizations. Organizations are the
// root of the tenancy tree; every other row references one via org_id.
type OrganizationService struct {
	db *sql.DB
}

const orgColumns = `id, name, created_at`

func scanOrganization(row rowScanner) (*models.Organization, error) {
	var org models.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateOrganization inserts a new organization.
func (s *OrganizationService) CreateOrganization(ctx context.Context, name string) (*models.Organization, error) {
	if name == "" {
		return nil, NewValidationError("name", "organization name is required")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name)
		VALUES ($1, $2)
		RETURNING `+orgColumns,
		uuid.New().String(), name)
	org, err := scanOrganization(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", mapPgError(err))
	}
	return org, nil
}

// GetOrganization retrieves an organization by id.
func (s *OrganizationService) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, orgID)
	org, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// ListOrganizations returns all organizations, oldest first. This is an
// operator surface; tenant callers never see it.
func (s *OrganizationService) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// DeleteOrganization removes an organization and, through cascading
// foreign keys, everything it owns.
func (s *OrganizationService) DeleteOrganization(ctx context.Context, orgID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
