package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// Compile-time interface assertions.
var (
	_ BrandSessionRepository = (*PostgresBrandSessionRepo)(nil)
)

const createBrandSessionsSQL = `CREATE TABLE IF NOT EXISTS brand_sessions (
	id             BIGINT PRIMARY KEY,
	session_id     TEXT NOT NULL UNIQUE,
	transaction_id TEXT NOT NULL DEFAULT '',
	legacy         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS brand_sessions_expires_at_idx ON brand_sessions (expires_at)`

const upsertBrandSessionSQL = `INSERT INTO brand_sessions (id, session_id, transaction_id, legacy, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
	transaction_id = COALESCE(NULLIF(EXCLUDED.transaction_id, ''), brand_sessions.transaction_id),
	legacy = brand_sessions.legacy OR EXCLUDED.legacy,
	expires_at = EXCLUDED.expires_at
RETURNING id, session_id, transaction_id, legacy, created_at, expires_at`

const getBrandSessionSQL = `SELECT id, session_id, transaction_id, legacy, created_at, expires_at
FROM brand_sessions WHERE session_id = $1`

const deleteExpiredBrandSessionsSQL = `DELETE FROM brand_sessions WHERE expires_at < $1`

// PostgresBrandSessionRepo implements BrandSessionRepository on pgx.
type PostgresBrandSessionRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresBrandSessionRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresBrandSessionRepo {
	return &PostgresBrandSessionRepo{db: pool, node: node}
}

// Migrate creates the brand_sessions table when missing.
func (r *PostgresBrandSessionRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createBrandSessionsSQL); err != nil {
		return fmt.Errorf("migrate brand_sessions: %w", err)
	}
	return nil
}

func (r *PostgresBrandSessionRepo) Save(ctx context.Context, record domain.BrandSession) (domain.BrandSession, error) {
	if record.SessionID == "" {
		return domain.BrandSession{}, fmt.Errorf("save brand session: session id required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := r.db.QueryRow(ctx, upsertBrandSessionSQL,
		r.node.Generate().Int64(),
		record.SessionID,
		record.TransactionID,
		record.Legacy,
		createdAt,
		record.ExpiresAt,
	)
	saved, err := scanBrandSession(row)
	if err != nil {
		return domain.BrandSession{}, fmt.Errorf("save brand session: %w", err)
	}
	return saved, nil
}

func (r *PostgresBrandSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (domain.BrandSession, error) {
	saved, err := scanBrandSession(r.db.QueryRow(ctx, getBrandSessionSQL, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrandSession{}, domain.ErrNotFound
		}
		return domain.BrandSession{}, fmt.Errorf("get brand session: %w", err)
	}
	return saved, nil
}

func (r *PostgresBrandSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteExpiredBrandSessionsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired brand sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanBrandSession(row pgx.Row) (domain.BrandSession, error) {
	var out domain.BrandSession
	if err := row.Scan(
		&out.ID,
		&out.SessionID,
		&out.TransactionID,
		&out.Legacy,
		&out.CreatedAt,
		&out.ExpiresAt,
	); err != nil {
		return domain.BrandSession{}, err
	}
	return out, nil
}
