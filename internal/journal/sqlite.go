package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shapetutor/shapetutor/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS detection_outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    label       TEXT NOT NULL DEFAULT '',
    votes       INTEGER NOT NULL DEFAULT 0,
    frames      INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT 'en',
    counts      TEXT NOT NULL DEFAULT '{}',
    attributes  TEXT NOT NULL DEFAULT '{}',
    decided_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detection_outcomes_decided ON detection_outcomes(decided_at);
`

// SQLiteStore is a [Store] backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path in WAL mode and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, o types.Outcome) error {
	countsJSON, attrJSON, err := marshalMaps(o)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO detection_outcomes (
			session_id, kind, label, votes, frames, reason, language, counts, attributes, decided_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`
	if _, err := s.db.ExecContext(ctx, query,
		o.SessionID, string(o.Kind), o.Label, o.Votes, o.Frames, o.Reason, o.Language,
		string(countsJSON), string(attrJSON), o.DecidedAt.UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	const query = `
		SELECT session_id, kind, label, votes, frames, reason, language, counts, attributes, decided_at
		FROM detection_outcomes
		ORDER BY decided_at DESC, id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		var (
			o                  types.Outcome
			kind               string
			countsRaw, attrRaw string
			decided            int64
		)
		if err := rows.Scan(&o.SessionID, &kind, &o.Label, &o.Votes, &o.Frames, &o.Reason,
			&o.Language, &countsRaw, &attrRaw, &decided); err != nil {
			return nil, fmt.Errorf("journal: scan outcome: %w", err)
		}
		o.Kind = types.OutcomeKind(kind)
		o.DecidedAt = time.Unix(0, decided).UTC()
		if err := unmarshalMaps(&o, []byte(countsRaw), []byte(attrRaw)); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return out, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
