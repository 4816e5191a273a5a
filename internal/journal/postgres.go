package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// PostgresSchema is the DDL for the detection_outcomes table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS detection_outcomes (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    label       TEXT NOT NULL DEFAULT '',
    votes       INTEGER NOT NULL DEFAULT 0,
    frames      INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT 'en',
    counts      JSONB NOT NULL DEFAULT '{}',
    attributes  JSONB NOT NULL DEFAULT '{}',
    decided_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_detection_outcomes_decided ON detection_outcomes(decided_at DESC);
CREATE INDEX IF NOT EXISTS idx_detection_outcomes_session ON detection_outcomes(session_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db    DB
	close func()
	ping  func(context.Context) error
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. The caller owns db and must call
// [PostgresStore.Migrate] before the first query.
func NewPostgresStore(db DB) *PostgresStore {
	s := &PostgresStore{db: db}
	if p, ok := db.(interface{ Ping(context.Context) error }); ok {
		s.ping = p.Ping
	}
	return s
}

// OpenPostgres connects a pool to dsn, migrates the schema, and returns a
// store that closes the pool on Close.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [PostgresSchema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, o types.Outcome) error {
	countsJSON, attrJSON, err := marshalMaps(o)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO detection_outcomes (
			session_id, kind, label, votes, frames, reason, language, counts, attributes, decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := s.db.Exec(ctx, query,
		o.SessionID, string(o.Kind), o.Label, o.Votes, o.Frames, o.Reason, o.Language,
		countsJSON, attrJSON, o.DecidedAt,
	); err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	const query = `
		SELECT session_id, kind, label, votes, frames, reason, language, counts, attributes, decided_at
		FROM detection_outcomes
		ORDER BY decided_at DESC, id DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		var (
			o                  types.Outcome
			kind               string
			countsRaw, attrRaw []byte
		)
		if err := rows.Scan(&o.SessionID, &kind, &o.Label, &o.Votes, &o.Frames, &o.Reason,
			&o.Language, &countsRaw, &attrRaw, &o.DecidedAt); err != nil {
			return nil, fmt.Errorf("journal: scan outcome: %w", err)
		}
		o.Kind = types.OutcomeKind(kind)
		if err := unmarshalMaps(&o, countsRaw, attrRaw); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return out, nil
}

// Ping implements Store. Backends without a Ping method are assumed healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close implements Store. It closes the pool only when the store opened it.
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func marshalMaps(o types.Outcome) (counts, attrs []byte, err error) {
	c := o.Counts
	if c == nil {
		c = map[string]int{}
	}
	a := o.Attributes
	if a == nil {
		a = map[string]string{}
	}
	if counts, err = json.Marshal(c); err != nil {
		return nil, nil, fmt.Errorf("journal: marshal counts: %w", err)
	}
	if attrs, err = json.Marshal(a); err != nil {
		return nil, nil, fmt.Errorf("journal: marshal attributes: %w", err)
	}
	return counts, attrs, nil
}

func unmarshalMaps(o *types.Outcome, counts, attrs []byte) error {
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &o.Counts); err != nil {
			return fmt.Errorf("journal: unmarshal counts: %w", err)
		}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &o.Attributes); err != nil {
			return fmt.Errorf("journal: unmarshal attributes: %w", err)
		}
	}
	if len(o.Counts) == 0 {
		o.Counts = nil
	}
	if len(o.Attributes) == 0 {
		o.Attributes = nil
	}
	return nil
}
