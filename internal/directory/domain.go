// Package directory persists team members and resources, the entity side of
// provisioning. Writes are upserts keyed by id so saga retries converge.
package directory

import "time"

// TeamMember is one provisioned member of an organization.
type TeamMember struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Resource is one provisioned resource owned by an organization.
type Resource struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
