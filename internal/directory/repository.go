package directory

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("directory record not found")

// RepositoryPort defines data access for members and resources. Upserts
// report whether the row was newly created so callers can decide whether a
// rollback has to remove it.
type RepositoryPort interface {
	UpsertMember(ctx context.Context, member TeamMember) (created bool, err error)
	GetMember(ctx context.Context, id string) (TeamMember, error)
	DeleteMember(ctx context.Context, id string) error
	ListMembers(ctx context.Context, orgID string) ([]TeamMember, error)

	UpsertResource(ctx context.Context, resource Resource) (created bool, err error)
	GetResource(ctx context.Context, id string) (Resource, error)
	DeleteResource(ctx context.Context, id string) error
	ListResources(ctx context.Context, orgID string) ([]Resource, error)

	Ping(ctx context.Context) error
}
