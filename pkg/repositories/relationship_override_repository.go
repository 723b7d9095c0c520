package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// RelationshipOverrideRepository provides data access for relationship overrides.
type RelationshipOverrideRepository interface {
	List(ctx context.Context, fingerprint string, draft bool) ([]*models.RelationshipOverride, error)
	Get(ctx context.Context, id uuid.UUID) (*models.RelationshipOverride, error)
	Upsert(ctx context.Context, o *models.RelationshipOverride) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Publish replaces the live overrides of a fingerprint with its drafts.
	Publish(ctx context.Context, fingerprint string) error
	Close() error
}

const overridesSchema = `
CREATE TABLE IF NOT EXISTS relationship_overrides (
	id             TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	draft          INTEGER NOT NULL,
	table_name     TEXT NOT NULL,
	name           TEXT NOT NULL,
	direction      TEXT NOT NULL,
	local_column   TEXT NOT NULL,
	related_table  TEXT NOT NULL,
	related_column TEXT NOT NULL,
	hidden         INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	UNIQUE (fingerprint, draft, table_name, name)
)`

type relationshipOverrideRepository struct {
	db *sql.DB
}

// OpenRelationshipOverrideRepository opens (creating when missing) the SQLite
// file at path. Use ":memory:" for a private in-memory store.
func OpenRelationshipOverrideRepository(ctx context.Context, path string) (RelationshipOverrideRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open overrides store: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, overridesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create overrides table: %w", err)
	}
	return &relationshipOverrideRepository{db: db}, nil
}

var _ RelationshipOverrideRepository = (*relationshipOverrideRepository)(nil)

const overrideColumns = `id, fingerprint, draft, table_name, name, direction, local_column,
	related_table, related_column, hidden, created_at, updated_at`

func (r *relationshipOverrideRepository) List(ctx context.Context, fingerprint string, draft bool) ([]*models.RelationshipOverride, error) {
	query := `SELECT ` + overrideColumns + `
		FROM relationship_overrides
		WHERE fingerprint = ? AND draft = ?
		ORDER BY table_name, name`

	rows, err := r.db.QueryContext(ctx, query, fingerprint, draft)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship overrides: %w", err)
	}
	defer rows.Close()

	var overrides []*models.RelationshipOverride
	for rows.Next() {
		o, err := scanRelationshipOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationship overrides: %w", err)
	}
	return overrides, nil
}

func (r *relationshipOverrideRepository) Get(ctx context.Context, id uuid.UUID) (*models.RelationshipOverride, error) {
	query := `SELECT ` + overrideColumns + ` FROM relationship_overrides WHERE id = ?`

	o, err := scanRelationshipOverride(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return o, err
}

// Upsert inserts the override or updates the one with the same fingerprint,
// draft flag, table and name. The stored ID is written back to o.
func (r *relationshipOverrideRepository) Upsert(ctx context.Context, o *models.RelationshipOverride) error {
	if o.Fingerprint == "" || o.Table == "" || o.Name == "" {
		return apperrors.NewValidationError("override", "fingerprint, table and name are required")
	}
	if o.Direction == "" {
		o.Direction = models.ManyToOne
	}
	if o.Direction != models.ManyToOne && o.Direction != models.OneToMany {
		return apperrors.NewValidationError("direction", "unknown direction %q", o.Direction)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	query := `
		INSERT INTO relationship_overrides (` + overrideColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, draft, table_name, name) DO UPDATE SET
			direction = excluded.direction,
			local_column = excluded.local_column,
			related_table = excluded.related_table,
			related_column = excluded.related_column,
			hidden = excluded.hidden,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		o.ID.String(), o.Fingerprint, o.Draft, o.Table, o.Name, string(o.Direction), o.LocalColumn,
		o.RelatedTable, o.RelatedColumn, o.Hidden, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship override: %w", err)
	}

	var id string
	err = r.db.QueryRowContext(ctx, `
		SELECT id, created_at FROM relationship_overrides
		WHERE fingerprint = ? AND draft = ? AND table_name = ? AND name = ?`,
		o.Fingerprint, o.Draft, o.Table, o.Name,
	).Scan(&id, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to read upserted relationship override: %w", err)
	}
	stored, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid stored override id %q: %w", id, err)
	}
	o.ID = stored
	return nil
}

func (r *relationshipOverrideRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM relationship_overrides WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete relationship override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete relationship override: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *relationshipOverrideRepository) Publish(ctx context.Context, fingerprint string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relationship_overrides WHERE fingerprint = ? AND draft = ?`, fingerprint, false); err != nil {
		return fmt.Errorf("failed to clear live overrides: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+overrideColumns+`
		FROM relationship_overrides WHERE fingerprint = ? AND draft = ?`, fingerprint, true)
	if err != nil {
		return fmt.Errorf("failed to read draft overrides: %w", err)
	}
	var drafts []*models.RelationshipOverride
	for rows.Next() {
		o, err := scanRelationshipOverride(rows)
		if err != nil {
			rows.Close()
			return err
		}
		drafts = append(drafts, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating draft overrides: %w", err)
	}

	now := time.Now().UTC()
	for _, o := range drafts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationship_overrides (`+overrideColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), o.Fingerprint, false, o.Table, o.Name, string(o.Direction), o.LocalColumn,
			o.RelatedTable, o.RelatedColumn, o.Hidden, now, now)
		if err != nil {
			return fmt.Errorf("failed to publish override %s.%s: %w", o.Table, o.Name, err)
		}
	}
	return tx.Commit()
}

func (r *relationshipOverrideRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelationshipOverride(row rowScanner) (*models.RelationshipOverride, error) {
	var o models.RelationshipOverride
	var id, direction string
	err := row.Scan(&id, &o.Fingerprint, &o.Draft, &o.Table, &o.Name, &direction, &o.LocalColumn,
		&o.RelatedTable, &o.RelatedColumn, &o.Hidden, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan relationship override: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid override id %q: %w", id, err)
	}
	o.ID = parsed
	o.Direction = models.RelationshipDirection(direction)
	return &o, nil
}
