// Package postgres stores diagrams and typesets in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS diagrams (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	annotations JSONB NOT NULL DEFAULT '{"strokes":[],"arrows":[]}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS diagrams_session_idx ON diagrams (session_id, created_at);
CREATE TABLE IF NOT EXISTS typesets (
	session_id TEXT PRIMARY KEY,
	latex      TEXT NOT NULL DEFAULT '',
	jiix       TEXT NOT NULL DEFAULT '',
	symbols    JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool for databaseURL, checks it and applies the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateDiagram(ctx context.Context, d protocol.Diagram) (protocol.Diagram, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Annotations.Strokes == nil {
		d.Annotations.Strokes = []protocol.Stroke{}
	}
	if d.Annotations.Arrows == nil {
		d.Annotations.Arrows = []protocol.Arrow{}
	}
	ann, err := json.Marshal(d.Annotations)
	if err != nil {
		return protocol.Diagram{}, fmt.Errorf("encode annotations: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO diagrams (id, session_id, title, image_url, annotations) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.SessionID, d.Title, d.ImageURL, ann)
	if err != nil {
		return protocol.Diagram{}, fmt.Errorf("insert diagram %s: %w", d.ID, err)
	}
	return d, nil
}

func (s *Store) ListDiagrams(ctx context.Context, sessionID string) ([]protocol.Diagram, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, title, image_url, annotations FROM diagrams WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query diagrams: %w", err)
	}
	defer rows.Close()

	out := []protocol.Diagram{}
	for rows.Next() {
		var (
			d   protocol.Diagram
			ann []byte
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Title, &d.ImageURL, &ann); err != nil {
			return nil, fmt.Errorf("scan diagram: %w", err)
		}
		if err := json.Unmarshal(ann, &d.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations of %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagrams: %w", err)
	}
	return out, nil
}

func (s *Store) PatchDiagram(ctx context.Context, id string, patch store.DiagramPatch) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE diagrams SET title = COALESCE($2, title), image_url = COALESCE($3, image_url) WHERE id = $1`,
		id, patch.Title, patch.ImageURL)
	if err != nil {
		return fmt.Errorf("update diagram %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PatchAnnotations(ctx context.Context, id string, a protocol.Annotations) error {
	ann, err := json.Marshal(a.Clone())
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE diagrams SET annotations = $2 WHERE id = $1`, id, ann)
	if err != nil {
		return fmt.Errorf("update annotations of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDiagram(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM diagrams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete diagram %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) LoadTypeset(ctx context.Context, sessionID string) (store.Typeset, error) {
	t := store.Typeset{SessionID: sessionID}
	var symbols []byte
	err := s.pool.QueryRow(ctx,
		`SELECT latex, jiix, symbols, updated_at FROM typesets WHERE session_id = $1`, sessionID,
	).Scan(&t.Latex, &t.JIIX, &symbols, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Typeset{}, store.ErrNotFound
	}
	if err != nil {
		return store.Typeset{}, fmt.Errorf("load typeset: %w", err)
	}
	if err := json.Unmarshal(symbols, &t.Symbols); err != nil {
		return store.Typeset{}, fmt.Errorf("decode symbols: %w", err)
	}
	return t, nil
}

func (s *Store) SaveTypeset(ctx context.Context, t store.Typeset) error {
	if t.Symbols == nil {
		t.Symbols = []protocol.Symbol{}
	}
	symbols, err := json.Marshal(t.Symbols)
	if err != nil {
		return fmt.Errorf("encode symbols: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO typesets (session_id, latex, jiix, symbols, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET latex = EXCLUDED.latex, jiix = EXCLUDED.jiix,
	symbols = EXCLUDED.symbols, updated_at = EXCLUDED.updated_at`,
		t.SessionID, t.Latex, t.JIIX, symbols, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save typeset: %w", err)
	}
	return nil
}
