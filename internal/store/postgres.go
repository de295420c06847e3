// Package store persists Task and Client rows to Postgres, including the
// optimistic-concurrency status transition used by the scheduler, mediator,
// cancellation controller and collector to agree on a task's state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowrunner/internal/apierr"
	"flowrunner/internal/models"
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

// SubmitParams collects the inputs required to admit a new task.
type SubmitParams struct {
	ClientID            string
	FlowID              string
	Filename            string
	InputTimeoutSeconds int
	MaxDurationSeconds  int
	IdempotencyKey      string
}

// CreateTask inserts a task row, honoring a client-supplied idempotency key:
// a resubmission with the same key returns the original task instead of
// creating a duplicate, mirroring the teacher's idempotency-key short-circuit.
func (s *Store) CreateTask(ctx context.Context, p SubmitParams) (models.Task, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.ClientID, p.IdempotencyKey); err != nil {
			return models.Task{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (
			id, client_id, flow_id, filename, status, created_at, updated_at,
			input_timeout_seconds, max_duration_seconds, idempotency_key, status_version
		) VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, 0)
	`, id, p.ClientID, p.FlowID, p.Filename, models.StatusPending, now,
		p.InputTimeoutSeconds, p.MaxDurationSeconds, emptyToNil(p.IdempotencyKey))
	if err != nil {
		return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "insert task", err)
	}

	if p.IdempotencyKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (client_id, key, task_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id, key) DO NOTHING
		`, p.ClientID, p.IdempotencyKey, id, now)
		if err != nil {
			return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "insert idempotency key", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "rollback after idempotency conflict", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.ClientID, p.IdempotencyKey)
			if err != nil {
				return models.Task{}, false, err
			}
			if !found {
				return models.Task{}, false, apierr.New(apierr.InternalError, "idempotency conflict but no existing task found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "commit", err)
	}

	return models.Task{
		ID:                  id,
		ClientID:            p.ClientID,
		FlowID:              p.FlowID,
		Filename:            p.Filename,
		Status:              models.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
		InputTimeoutSeconds: p.InputTimeoutSeconds,
		MaxDurationSeconds:  p.MaxDurationSeconds,
		IdempotencyKey:      emptyToNil(p.IdempotencyKey),
	}, false, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, clientID, key string) (models.Task, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT task_id FROM idempotency_keys WHERE client_id = $1 AND key = $2
	`, clientID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, apierr.Wrap(apierr.PersistenceUnavailable, "query idempotency key", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// GetTask fetches a task by id, including soft-deleted rows (callers check
// SoftDeleted themselves; ListTasks and the count, retention and stale-task
// queries filter them out).
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, flow_id, filename, status, created_at, started_at, ended_at,
			input_timeout_seconds, max_duration_seconds, input_request_id, results, result_reason,
			soft_deleted, deleted_at, idempotency_key, status_version, updated_at
		FROM tasks WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, apierr.New(apierr.NotFound, "task not found")
	}
	if err != nil {
		return models.Task{}, apierr.Wrap(apierr.PersistenceUnavailable, "scan task", err)
	}
	return task, nil
}

// ListParams filters a paginated task listing for a client.
type ListParams struct {
	ClientID string
	Page     int
	Size     int
}

// ListTasks returns a client's non-deleted tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, p ListParams) ([]models.Task, int64, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 || p.Size > 200 {
		p.Size = 20
	}
	offset := (p.Page - 1) * p.Size

	var total int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE client_id = $1 AND soft_deleted = FALSE
	`, p.ClientID).Scan(&total); err != nil {
		return nil, 0, apierr.Wrap(apierr.PersistenceUnavailable, "count tasks", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, flow_id, filename, status, created_at, started_at, ended_at,
			input_timeout_seconds, max_duration_seconds, input_request_id, results, result_reason,
			soft_deleted, deleted_at, idempotency_key, status_version, updated_at
		FROM tasks WHERE client_id = $1 AND soft_deleted = FALSE
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, p.ClientID, p.Size, offset)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.PersistenceUnavailable, "list tasks", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, apierr.Wrap(apierr.PersistenceUnavailable, "scan task row", err)
		}
		out = append(out, task)
	}
	return out, total, rows.Err()
}

// ActiveTaskCount returns how many non-terminal, non-deleted tasks a client
// currently owns, for quota enforcement at admission time.
func (s *Store) ActiveTaskCount(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE client_id = $1 AND soft_deleted = FALSE
			AND status NOT IN ($2, $3, $4)
	`, clientID, models.StatusCompleted, models.StatusFailed, models.StatusCancelled).Scan(&n)
	if err != nil {
		return 0, apierr.Wrap(apierr.PersistenceUnavailable, "count active tasks", err)
	}
	return n, nil
}

// CASTransition describes a guarded status transition: the update only
// succeeds if the row is still in status From, and every applied transition
// increments status_version. The remaining fields are applied atomically
// with the status change.
type CASTransition struct {
	TaskID          string
	From            models.Status
	To              models.Status
	StartedAt       *time.Time
	EndedAt         *time.Time
	SetInputRequest bool    // when true, input_request_id is overwritten with InputRequestID (possibly nil)
	InputRequestID  *string
	Results         json.RawMessage
	ResultReason    *string
}

// ApplyTransition performs the CAS update described by t. It returns
// apierr.Conflict if the row's current status no longer matches t.From.
func (s *Store) ApplyTransition(ctx context.Context, t CASTransition) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			started_at = COALESCE($3, started_at),
			ended_at = COALESCE($4, ended_at),
			input_request_id = CASE WHEN $5 THEN $6 ELSE input_request_id END,
			results = COALESCE($7, results),
			result_reason = COALESCE($8, result_reason),
			status_version = status_version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $9
	`, t.TaskID, t.To, t.StartedAt, t.EndedAt,
		t.SetInputRequest, t.InputRequestID,
		nullableJSON(t.Results), t.ResultReason, t.From)
	if err != nil {
		return apierr.Wrap(apierr.PersistenceUnavailable, "apply transition", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.Conflict, fmt.Sprintf("task %s is not in status %s", t.TaskID, t.From))
	}
	return nil
}

// SoftDelete marks a task deleted without removing its row, unless force is
// set, in which case the row and its idempotency key are removed outright.
// The task's audit_logs rows are kept either way.
func (s *Store) SoftDelete(ctx context.Context, taskID string, force bool) error {
	if force {
		_, err := s.pool.Exec(ctx, `
			WITH keys AS (DELETE FROM idempotency_keys WHERE task_id = $1)
			DELETE FROM tasks WHERE id = $1
		`, taskID)
		if err != nil {
			return apierr.Wrap(apierr.PersistenceUnavailable, "force delete task", err)
		}
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET soft_deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND soft_deleted = FALSE
	`, taskID)
	if err != nil {
		return apierr.Wrap(apierr.PersistenceUnavailable, "soft delete task", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "task not found or already deleted")
	}
	return nil
}

// ExpiredTasks returns terminal, non-deleted tasks older than the retention
// cutoff, for the collector's cleanup sweep.
func (s *Store) ExpiredTasks(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, flow_id, filename, status, created_at, started_at, ended_at,
			input_timeout_seconds, max_duration_seconds, input_request_id, results, result_reason,
			soft_deleted, deleted_at, idempotency_key, status_version, updated_at
		FROM tasks
		WHERE soft_deleted = FALSE AND status IN ($1, $2, $3) AND ended_at < $4
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return nil, apierr.Wrap(apierr.PersistenceUnavailable, "query expired tasks", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.PersistenceUnavailable, "scan expired task", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// StaleActiveTasks returns non-terminal, non-deleted tasks whose last status
// update is older than cutoff — candidates for the scheduler subcommand's
// orphan reaper when a worker process crashed without reaching a terminal
// transition.
func (s *Store) StaleActiveTasks(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, flow_id, filename, status, created_at, started_at, ended_at,
			input_timeout_seconds, max_duration_seconds, input_request_id, results, result_reason,
			soft_deleted, deleted_at, idempotency_key, status_version, updated_at
		FROM tasks
		WHERE soft_deleted = FALSE
			AND status NOT IN ($1, $2, $3)
			AND updated_at < $4
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return nil, apierr.Wrap(apierr.PersistenceUnavailable, "query stale active tasks", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.PersistenceUnavailable, "scan stale task", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// AppendAudit records an audit trail entry for a task.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	if err != nil {
		return apierr.Wrap(apierr.PersistenceUnavailable, "append audit", err)
	}
	return nil
}

// CreateClient provisions a new client record, for administrative
// onboarding rather than the task-facing API surface.
func (s *Store) CreateClient(ctx context.Context, c models.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, audience, secret_hash, max_active, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Audience, c.SecretHash, c.MaxActive)
	if err != nil {
		return apierr.Wrap(apierr.PersistenceUnavailable, "create client", err)
	}
	return nil
}

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	var c models.Client
	err := s.pool.QueryRow(ctx, `
		SELECT id, audience, secret_hash, max_active, created_at FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Audience, &c.SecretHash, &c.MaxActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, apierr.New(apierr.NotFound, "client not found")
	}
	if err != nil {
		return models.Client{}, apierr.Wrap(apierr.PersistenceUnavailable, "get client", err)
	}
	return c, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (models.Task, error) {
	var task models.Task
	var startedAt, endedAt, deletedAt pgtype.Timestamptz
	var inputRequestID, resultReason, idemKey pgtype.Text
	var results []byte

	err := row.Scan(&task.ID, &task.ClientID, &task.FlowID, &task.Filename, &task.Status,
		&task.CreatedAt, &startedAt, &endedAt,
		&task.InputTimeoutSeconds, &task.MaxDurationSeconds, &inputRequestID, &results, &resultReason,
		&task.SoftDeleted, &deletedAt, &idemKey, &task.StatusVersion, &task.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}

	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		task.EndedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		task.DeletedAt = &t
	}
	task.InputRequestID = textPtr(inputRequestID)
	task.ResultReason = resultReason.String
	task.IdempotencyKey = textPtr(idemKey)
	if len(results) > 0 {
		task.Results = json.RawMessage(results)
	}
	return task, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
