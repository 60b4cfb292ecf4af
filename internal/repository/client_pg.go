package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

var ErrClientNotFound = errors.New("client not found")

// PostgresClientRepo 存储接入方 (商户结账后端) 及其限流配置
type PostgresClientRepo struct {
	db *sqlx.DB
}

func NewPostgresClientRepo(db *sqlx.DB) *PostgresClientRepo {
	repo := &PostgresClientRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

// DB Model 用于处理 JSONB 序列化
type clientDB struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	APIKey        string `db:"api_key"`
	RateLimitJSON []byte `db:"rate_limit_config"`
}

func (r *PostgresClientRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Client, error) {
	var cd clientDB
	query := `SELECT id, name, api_key, rate_limit_config FROM clients WHERE api_key = $1 LIMIT 1`
	if err := r.db.GetContext(ctx, &cd, query, apiKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return cd.toDomain()
}

func (cd *clientDB) toDomain() (*model.Client, error) {
	c := &model.Client{ID: cd.ID, Name: cd.Name, APIKey: cd.APIKey}
	if len(cd.RateLimitJSON) > 0 {
		if err := json.Unmarshal(cd.RateLimitJSON, &c.Rate); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *PostgresClientRepo) Create(ctx context.Context, c *model.Client) error {
	rate, _ := json.Marshal(c.Rate)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, api_key, rate_limit_config, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, c.APIKey, rate, time.Now().UTC())
	return err
}

func (r *PostgresClientRepo) List(ctx context.Context, limit, offset int) ([]*model.Client, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT id, name, api_key, rate_limit_config FROM clients ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]*model.Client, 0, limit)
	for rows.Next() {
		var cd clientDB
		if err := rows.StructScan(&cd); err != nil {
			return nil, err
		}
		c, err := cd.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (r *PostgresClientRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	return err
}

func (r *PostgresClientRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT,
			api_key TEXT UNIQUE,
			rate_limit_config JSONB,
			created_at TIMESTAMPTZ
		)
	`)
	return err
}
