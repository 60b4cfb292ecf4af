package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

// PostgresBlacklistRepo 本地黑名单 (threat intel 的第二级查询)
type PostgresBlacklistRepo struct {
	db *sqlx.DB
}

func NewPostgresBlacklistRepo(db *sqlx.DB) *PostgresBlacklistRepo {
	repo := &PostgresBlacklistRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

// Get returns nil, nil when the indicator is not listed.
func (r *PostgresBlacklistRepo) Get(ctx context.Context, kind model.IndicatorKind, value string) (*model.BlacklistEntry, error) {
	var entry model.BlacklistEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT kind, value, level, source, reason, created_at
		FROM blacklist
		WHERE kind = $1 AND value = $2
	`, kind, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Add upserts; a later listing replaces level, source and reason.
func (r *PostgresBlacklistRepo) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO blacklist (kind, value, level, source, reason, created_at)
		VALUES (:kind, :value, :level, :source, :reason, :created_at)
		ON CONFLICT (kind, value)
		DO UPDATE SET level = EXCLUDED.level,
		              source = EXCLUDED.source,
		              reason = EXCLUDED.reason
	`, entry)
	return err
}

func (r *PostgresBlacklistRepo) Remove(ctx context.Context, kind model.IndicatorKind, value string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM blacklist WHERE kind = $1 AND value = $2`, kind, value)
	return err
}

func (r *PostgresBlacklistRepo) List(ctx context.Context, kind model.IndicatorKind, limit int) ([]model.BlacklistEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []model.BlacklistEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT kind, value, level, source, reason, created_at
		FROM blacklist
		WHERE ($1 = '' OR kind = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(kind), limit)
	return out, err
}

func (r *PostgresBlacklistRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS blacklist (
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, value)
		)
	`)
	return err
}
