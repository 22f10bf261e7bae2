package authz

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tuples in the authz_tuples table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Write inserts the tuple. Re-inserting an existing tuple is a no-op.
func (s *PostgresStore) Write(ctx context.Context, tuple Tuple) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authz_tuples (subject, relation, object)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject, relation, object) DO NOTHING`,
		tuple.Subject, tuple.Relation, tuple.Object)
	if err != nil {
		return fmt.Errorf("write tuple %s: %w", tuple, err)
	}
	return nil
}

// Delete removes the tuple. Deleting an absent tuple is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, tuple Tuple) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM authz_tuples
		WHERE subject = $1 AND relation = $2 AND object = $3`,
		tuple.Subject, tuple.Relation, tuple.Object)
	if err != nil {
		return fmt.Errorf("delete tuple %s: %w", tuple, err)
	}
	return nil
}

// Exists reports whether the tuple is stored.
func (s *PostgresStore) Exists(ctx context.Context, tuple Tuple) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM authz_tuples
			WHERE subject = $1 AND relation = $2 AND object = $3
		)`,
		tuple.Subject, tuple.Relation, tuple.Object).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check tuple %s: %w", tuple, err)
	}
	return found, nil
}

// SubjectRelations returns the relations the subject holds directly on the object.
func (s *PostgresStore) SubjectRelations(ctx context.Context, subject, object string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relation FROM authz_tuples
		WHERE subject = $1 AND object = $2`,
		subject, object)
	if err != nil {
		return nil, fmt.Errorf("subject relations: %w", err)
	}
	defer rows.Close()

	var relations []string
	for rows.Next() {
		var relation string
		if err := rows.Scan(&relation); err != nil {
			return nil, err
		}
		relations = append(relations, relation)
	}
	return relations, rows.Err()
}

// ObjectsForSubject returns objects with the given prefix the subject has any
// direct relation on.
func (s *PostgresStore) ObjectsForSubject(ctx context.Context, subject, objectPrefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT object FROM authz_tuples
		WHERE subject = $1 AND object LIKE $2 || '%'
		ORDER BY object`,
		subject, objectPrefix)
	if err != nil {
		return nil, fmt.Errorf("objects for subject: %w", err)
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var object string
		if err := rows.Scan(&object); err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}
	return objects, rows.Err()
}

// RelatedObjects returns objects linked to the subject via the relation.
func (s *PostgresStore) RelatedObjects(ctx context.Context, relation, subject string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object FROM authz_tuples
		WHERE relation = $1 AND subject = $2
		ORDER BY object`,
		relation, subject)
	if err != nil {
		return nil, fmt.Errorf("related objects: %w", err)
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var object string
		if err := rows.Scan(&object); err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}
	return objects, rows.Err()
}

// Subjects returns subjects holding the relation on the object.
func (s *PostgresStore) Subjects(ctx context.Context, relation, object string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject FROM authz_tuples
		WHERE relation = $1 AND object = $2
		ORDER BY subject`,
		relation, object)
	if err != nil {
		return nil, fmt.Errorf("subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// Ping verifies store connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
