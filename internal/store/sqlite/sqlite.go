package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/streamrelay/internal/store"
	"github.com/nulzo/streamrelay/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Usage() store.UsageRepository {
	return &usageRepo{db: r.executor}
}

func (r *SqliteRepository) Candidates() store.CandidateRepository {
	return &candidateRepo{db: r.executor}
}

type usageRepo struct {
	db DB
}

func (r *usageRepo) Create(ctx context.Context, u *model.Usage) error {
	query := `
	INSERT INTO usage (
		request_id, status, status_code, model, client_api_format, is_stream,
		response_metadata, created_at, updated_at
	) VALUES (
		:request_id, :status, :status_code, :model, :client_api_format, :is_stream,
		:response_metadata, :created_at, :updated_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, u)
	return err
}

func (r *usageRepo) Get(ctx context.Context, requestID string) (*model.Usage, error) {
	var u model.Usage
	if err := r.db.GetContext(ctx, &u, `SELECT * FROM usage WHERE request_id = ?`, requestID); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *usageRepo) MarkStreaming(ctx context.Context, requestID string, firstByteMS int64, at time.Time) error {
	query := `UPDATE usage SET status = 'streaming', first_byte_time_ms = ?, updated_at = ? WHERE request_id = ? AND status = 'pending'`
	_, err := r.db.ExecContext(ctx, query, firstByteMS, at, requestID)
	return err
}

func (r *usageRepo) Finalize(ctx context.Context, u *model.Usage) error {
	query := `
	UPDATE usage SET
		status = :status,
		status_code = :status_code,
		provider_api_format = :provider_api_format,
		provider_name = :provider_name,
		provider_id = :provider_id,
		endpoint_id = :endpoint_id,
		key_id = :key_id,
		input_tokens = :input_tokens,
		output_tokens = :output_tokens,
		cached_tokens = :cached_tokens,
		cache_creation_tokens = :cache_creation_tokens,
		response_time_ms = :response_time_ms,
		first_byte_time_ms = COALESCE(:first_byte_time_ms, first_byte_time_ms),
		error_type = :error_type,
		error_message = :error_message,
		response_metadata = :response_metadata,
		response_body = :response_body,
		updated_at = :updated_at
	WHERE request_id = :request_id`
	res, err := r.db.NamedExecContext(ctx, query, u)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *usageRepo) FailOpen(ctx context.Context, requestID string, statusCode int, errType, message string, at time.Time) error {
	query := `
	UPDATE usage SET status = 'failed', status_code = ?, error_type = ?, error_message = ?, updated_at = ?
	WHERE request_id = ? AND status IN ('pending', 'streaming')`
	_, err := r.db.ExecContext(ctx, query, statusCode, errType, message, at, requestID)
	return err
}

func (r *usageRepo) SetStatus(ctx context.Context, requestID, status string, statusCode int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE usage SET status = ?, status_code = ?, updated_at = ? WHERE request_id = ?`,
		status, statusCode, at, requestID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type candidateRepo struct {
	db DB
}

func (r *candidateRepo) Create(ctx context.Context, c *model.RequestCandidate) error {
	query := `
	INSERT INTO request_candidates (
		attempt_id, request_id, candidate_index, provider_id, endpoint_id, key_id,
		status, status_code, latency_ms, error_type, error_message, created_at
	) VALUES (
		:attempt_id, :request_id, :candidate_index, :provider_id, :endpoint_id, :key_id,
		:status, :status_code, :latency_ms, :error_type, :error_message, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, c)
	return err
}

func (r *candidateRepo) Finish(ctx context.Context, c *model.RequestCandidate) error {
	query := `
	UPDATE request_candidates SET
		status = :status,
		status_code = :status_code,
		latency_ms = :latency_ms,
		error_type = :error_type,
		error_message = :error_message,
		finished_at = :finished_at
	WHERE attempt_id = :attempt_id`
	res, err := r.db.NamedExecContext(ctx, query, c)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *candidateRepo) Get(ctx context.Context, attemptID string) (*model.RequestCandidate, error) {
	var c model.RequestCandidate
	if err := r.db.GetContext(ctx, &c, `SELECT * FROM request_candidates WHERE attempt_id = ?`, attemptID); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *candidateRepo) ListByRequest(ctx context.Context, requestID string) ([]model.RequestCandidate, error) {
	var cs []model.RequestCandidate
	err := r.db.SelectContext(ctx, &cs, `SELECT * FROM request_candidates WHERE request_id = ? ORDER BY candidate_index, created_at`, requestID)
	return cs, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
