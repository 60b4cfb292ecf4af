package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
)

// PostgresEvaluationRepo 存储评估审计记录
type PostgresEvaluationRepo struct {
	db *sqlx.DB
}

func NewPostgresEvaluationRepo(db *sqlx.DB) *PostgresEvaluationRepo {
	repo := &PostgresEvaluationRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresEvaluationRepo) Insert(ctx context.Context, rec *model.EvaluationRecord) error {
	if rec == nil {
		return nil
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO evaluations (
			id, transaction_id, user_id, ip,
			risk_score, risk_level, decision,
			degraded, sla_exceeded, experiment_group, latency_ms,
			result, created_at
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,
			$8,$9,$10,$11,
			$12,$13
		)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.TransactionID, rec.UserID, rec.IP,
		rec.RiskScore, rec.RiskLevel, rec.Decision,
		rec.Degraded, rec.SLAExceeded, rec.ExperimentGroup, rec.LatencyMs,
		resultJSON, rec.CreatedAt)
	return err
}

const evaluationColumns = `id, transaction_id, user_id, ip, risk_score, risk_level, decision, degraded, sla_exceeded, experiment_group, latency_ms, result, created_at`

func scanEvaluation(row interface{ Scan(...any) error }) (*model.EvaluationRecord, error) {
	var rec model.EvaluationRecord
	var resultJSON []byte
	if err := row.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.UserID,
		&rec.IP,
		&rec.RiskScore,
		&rec.RiskLevel,
		&rec.Decision,
		&rec.Degraded,
		&rec.SLAExceeded,
		&rec.ExperimentGroup,
		&rec.LatencyMs,
		&resultJSON,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		var res model.EvaluationResult
		if err := json.Unmarshal(resultJSON, &res); err == nil {
			rec.Result = &res
		}
	}
	return &rec, nil
}

func (r *PostgresEvaluationRepo) Get(ctx context.Context, id string) (*model.EvaluationRecord, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	rec, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("evaluation not found: " + id)
	}
	return rec, err
}

func (r *PostgresEvaluationRepo) List(ctx context.Context, transactionID string, limit int) ([]*model.EvaluationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + evaluationColumns + ` FROM evaluations`
	args := []interface{}{}
	idx := 1
	if transactionID != "" {
		query += fmt.Sprintf(" WHERE transaction_id = $%d", idx)
		args = append(args, transactionID)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.EvaluationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresEvaluationRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evaluations (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			user_id TEXT,
			ip TEXT,
			risk_score DOUBLE PRECISION NOT NULL,
			risk_level TEXT NOT NULL,
			decision TEXT NOT NULL,
			degraded BOOLEAN NOT NULL DEFAULT false,
			sla_exceeded BOOLEAN NOT NULL DEFAULT false,
			experiment_group TEXT,
			latency_ms BIGINT,
			result JSONB,
			created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(transaction_id, created_at DESC)`)
	return nil
}

// Cleanup drops records older than the retention window.
func (r *PostgresEvaluationRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM evaluations WHERE created_at < $1`, cutoff)
	return err
}
