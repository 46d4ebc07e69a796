package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// PgStore is a PostgreSQL-backed want store. Each want is one JSONB row.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ mywant.Persister = (*PgStore)(nil)

// OpenPgStore connects to databaseURL and ensures the wants table exists.
func OpenPgStore(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure wants table: %w", err)
	}
	return s, nil
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the wants table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			status     TEXT NOT NULL,
			version    BIGINT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_wants_status ON wants(status)`)
	return err
}

func (s *PgStore) Load(ctx context.Context) ([]*mywant.Want, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM wants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load wants: %w", err)
	}
	defer rows.Close()

	var out []*mywant.Want
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan want: %w", err)
		}
		var w mywant.Want
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode want: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Save upserts the want; rows already at a newer version are left alone.
func (s *PgStore) Save(ctx context.Context, want *mywant.Want) error {
	data, err := json.Marshal(want)
	if err != nil {
		return fmt.Errorf("marshal want: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO wants (id, name, type, status, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = NOW()
		WHERE wants.version < EXCLUDED.version`,
		want.Metadata.ID, want.Metadata.Name, want.Metadata.Type, string(want.Status),
		want.Metadata.Version, string(data))
	if err != nil {
		return fmt.Errorf("save want %s: %w", want.Metadata.ID, err)
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, id string, version int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wants WHERE id = $1 AND version <= $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete want %s: %w", id, err)
	}
	return nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
