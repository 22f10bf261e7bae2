package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertMember inserts or refreshes the member row. The xmax trick
// distinguishes a fresh insert from an update of an existing row.
func (r *Repository) UpsertMember(ctx context.Context, member TeamMember) (bool, error) {
	now := time.Now()
	var created bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO team_members (id, organization_id, email, display_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		member.ID, member.OrganizationID, member.Email, member.DisplayName, member.Role, now).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert member %s: %w", member.ID, err)
	}
	return created, nil
}

// GetMember returns the member by id.
func (r *Repository) GetMember(ctx context.Context, id string) (TeamMember, error) {
	var m TeamMember
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, email, display_name, role, created_at, updated_at
		FROM team_members WHERE id = $1`, id).
		Scan(&m.ID, &m.OrganizationID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TeamMember{}, ErrNotFound
	}
	if err != nil {
		return TeamMember{}, fmt.Errorf("get member %s: %w", id, err)
	}
	return m, nil
}

// DeleteMember removes the member row. Deleting an absent row is a no-op.
func (r *Repository) DeleteMember(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM team_members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member %s: %w", id, err)
	}
	return nil
}

// ListMembers returns members of the organization ordered by creation time.
func (r *Repository) ListMembers(ctx context.Context, orgID string) ([]TeamMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, email, display_name, role, created_at, updated_at
		FROM team_members WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpsertResource inserts or refreshes the resource row.
func (r *Repository) UpsertResource(ctx context.Context, resource Resource) (bool, error) {
	now := time.Now()
	var created bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO resources (id, organization_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		resource.ID, resource.OrganizationID, resource.Name, now).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert resource %s: %w", resource.ID, err)
	}
	return created, nil
}

// GetResource returns the resource by id.
func (r *Repository) GetResource(ctx context.Context, id string) (Resource, error) {
	var res Resource
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, created_at, updated_at
		FROM resources WHERE id = $1`, id).
		Scan(&res.ID, &res.OrganizationID, &res.Name, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("get resource %s: %w", id, err)
	}
	return res, nil
}

// DeleteResource removes the resource row. Deleting an absent row is a no-op.
func (r *Repository) DeleteResource(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete resource %s: %w", id, err)
	}
	return nil
}

// ListResources returns resources of the organization ordered by creation time.
func (r *Repository) ListResources(ctx context.Context, orgID string) ([]Resource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, name, created_at, updated_at
		FROM resources WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		var res Resource
		if err := rows.Scan(&res.ID, &res.OrganizationID, &res.Name, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
