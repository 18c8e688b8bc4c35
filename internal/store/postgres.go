// Package store is the durable half of the broker: the core emits structured
// action and lifecycle records here and never reads them on the hot path.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"engine-broker/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertActionEvent records one accepted user action.
func (s *Store) InsertActionEvent(ctx context.Context, action models.Action) error {
	payload := action.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_events (user_id, session_id, type, category, payload, client_ts, server_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, action.UserID, action.SessionID, action.Type, action.Category, []byte(payload), action.ClientTs, action.Timestamp)
	if err != nil {
		return fmt.Errorf("insert action event: %w", err)
	}
	return nil
}

// AppendJobHistory records one job lifecycle transition.
func (s *Store) AppendJobHistory(ctx context.Context, job models.Job, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_history (job_id, job_type, user_id, status, retry_count, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, string(job.Type), job.UserID, string(job.Status), job.RetryCount, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append job history: %w", err)
	}
	return nil
}

// JobHistory returns the recorded transitions for a job, oldest first.
func (s *Store) JobHistory(ctx context.Context, jobID string) ([]HistoryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, job_type, user_id, status, retry_count, detail, ts
		FROM job_history WHERE job_id = $1 ORDER BY ts ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.JobID, &r.JobType, &r.UserID, &r.Status, &r.RetryCount, &r.Detail, &r.Ts); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HistoryRow is one persisted lifecycle transition.
type HistoryRow struct {
	JobID      string    `json:"jobId"`
	JobType    string    `json:"jobType"`
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	Detail     string    `json:"detail"`
	Ts         time.Time `json:"ts"`
}
