// Package sqlite provides a SQLite-backed entity store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/store"
)

//go:embed schema.sql
var schema string

// Store persists entities and relationships in SQLite.
type Store struct {
	sqlDB *sql.DB
	Now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite serializes writers anyway and :memory: is per connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, Now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) SaveEntity(ctx context.Context, e model.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	now := s.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.PusherChannel == "" {
		e.PusherChannel = model.ChannelFor(e.ID)
	}
	firstResponseID := ""
	if e.FirstResponse != nil {
		if err := s.SaveEntity(ctx, *e.FirstResponse); err != nil {
			return fmt.Errorf("save first response: %w", err)
		}
		firstResponseID = e.FirstResponse.ID
	}
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO entities (
		   id, type, fields, permissions, archived, pusher_channel, first_response_id, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   type = excluded.type,
		   fields = excluded.fields,
		   permissions = excluded.permissions,
		   archived = excluded.archived,
		   pusher_channel = excluded.pusher_channel,
		   first_response_id = excluded.first_response_id,
		   updated_at = excluded.updated_at`,
		e.ID,
		e.Type,
		string(fields),
		e.Permissions,
		e.Archived,
		e.PusherChannel,
		firstResponseID,
		toMillis(e.CreatedAt),
		toMillis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities e WHERE e.id = ?`, id)
	e, frID, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if frID != "" {
		fr, err := s.GetEntity(ctx, frID)
		if err != nil {
			return nil, fmt.Errorf("load first response of %s: %w", id, err)
		}
		e.FirstResponse = fr
	}
	return &e, nil
}

func (s *Store) UpdateFields(ctx context.Context, id string, fields map[string]string) (*model.Entity, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := store.MergeFields(*e, fields)
	updated.UpdatedAt = s.Now()
	if err := s.SaveEntity(ctx, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete relationships of %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) SaveRelationship(ctx context.Context, r model.Relationship) error {
	if r.Kind == "" {
		r.Kind = model.RelationshipKindRelated
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, err := s.GetEntity(ctx, id); err != nil {
			return err
		}
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO relationships (source_id, target_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, kind) DO NOTHING`,
		r.SourceID, r.TargetID, r.Kind, toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save relationship %s -> %s: %w", r.SourceID, r.TargetID, err)
	}
	return nil
}

func (s *Store) DeleteRelationship(ctx context.Context, r model.Relationship) error {
	if r.Kind == "" {
		r.Kind = model.RelationshipKindRelated
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM relationships WHERE source_id = ? AND target_id = ? AND kind = ?`,
		r.SourceID, r.TargetID, r.Kind,
	)
	if err != nil {
		return fmt.Errorf("delete relationship %s -> %s: %w", r.SourceID, r.TargetID, err)
	}
	return nil
}

func (s *Store) LoadGraph(ctx context.Context, id string, filters model.Filters) (*model.EntityGraph, error) {
	return store.Assemble(ctx, s, id, filters)
}

func (s *Store) Targets(ctx context.Context, id string) ([]store.Linked, error) {
	return s.linked(ctx,
		`SELECT r.kind, `+entityColumns+`
		   FROM relationships r JOIN entities e ON e.id = r.target_id
		  WHERE r.source_id = ?
		  ORDER BY r.created_at, r.rowid`, id)
}

func (s *Store) Sources(ctx context.Context, id string) ([]store.Linked, error) {
	return s.linked(ctx,
		`SELECT r.kind, `+entityColumns+`
		   FROM relationships r JOIN entities e ON e.id = r.source_id
		  WHERE r.target_id = ?
		  ORDER BY r.created_at, r.rowid`, id)
}

func (s *Store) Siblings(ctx context.Context, sourceID, kind string) ([]model.Entity, error) {
	linked, err := s.linked(ctx,
		`SELECT r.kind, `+entityColumns+`
		   FROM relationships r JOIN entities e ON e.id = r.target_id
		  WHERE r.source_id = ? AND r.kind = ?
		  ORDER BY r.created_at, r.rowid`, sourceID, kind)
	if err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(linked))
	for _, l := range linked {
		out = append(out, l.Entity)
	}
	return out, nil
}

const entityColumns = `e.id, e.type, e.fields, e.permissions, e.archived, e.pusher_channel, e.first_response_id, e.created_at, e.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner, prefix ...any) (model.Entity, string, error) {
	var (
		e               model.Entity
		fields          string
		firstResponseID string
		createdAt       int64
		updatedAt       int64
	)
	dest := append(prefix, &e.ID, &e.Type, &fields, &e.Permissions, &e.Archived, &e.PusherChannel, &firstResponseID, &createdAt, &updatedAt)
	if err := row.Scan(dest...); err != nil {
		return e, "", err
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return e, "", fmt.Errorf("decode fields of %s: %w", e.ID, err)
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, firstResponseID, nil
}

func (s *Store) linked(ctx context.Context, query string, args ...any) ([]store.Linked, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var out []store.Linked
	for rows.Next() {
		var kind string
		e, _, err := scanEntity(rows, &kind)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Linked{Kind: kind, Entity: e})
	}
	return out, rows.Err()
}
