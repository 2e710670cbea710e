package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares action replay records between dashboard replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const replaySchema = `
CREATE TABLE IF NOT EXISTS dashboard_action_replays (
    replay_key  TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    body        BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dashboard_action_replays_expires_at
    ON dashboard_action_replays (expires_at);
`

// NewPostgresStore connects using dsn and creates the replay table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, replaySchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping is used by the health endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, body, created_at, expires_at
FROM dashboard_action_replays
WHERE replay_key = $1 AND expires_at > $2`, key, p.now()).
		Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save keeps the first live record for key.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.Claim(ctx, key, record)
	return err
}

// Claim prunes expired rows and inserts record in one transaction. The
// primary key makes concurrent claims for the same key race-free.
func (p *PostgresStore) Claim(ctx context.Context, key string, record Record) (bool, error) {
	var claimed bool
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM dashboard_action_replays WHERE expires_at <= $1`, p.now()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO dashboard_action_replays (replay_key, status_code, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (replay_key) DO NOTHING`,
			key, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
		if err != nil {
			return err
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	return claimed, err
}
