package authz

import "context"

// StorePort defines tuple persistence. Write and Delete are idempotent so the
// provisioning saga can retry them safely.
type StorePort interface {
	Write(ctx context.Context, tuple Tuple) error
	Delete(ctx context.Context, tuple Tuple) error
	Exists(ctx context.Context, tuple Tuple) (bool, error)
	// SubjectRelations returns the relations the subject holds directly on
	// the object.
	SubjectRelations(ctx context.Context, subject, object string) ([]string, error)
	// ObjectsForSubject returns objects with the given prefix the subject has
	// any direct relation on.
	ObjectsForSubject(ctx context.Context, subject, objectPrefix string) ([]string, error)
	// RelatedObjects returns objects linked to the given subject via the
	// relation, e.g. resources whose organization tuple points at an org.
	RelatedObjects(ctx context.Context, relation, subject string) ([]string, error)
	// Subjects returns subjects holding the relation on the object.
	Subjects(ctx context.Context, relation, object string) ([]string, error)
	Ping(ctx context.Context) error
}
