package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderflow/order-saga/pkg/resilience"
)

type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateSucceeded ExecutionState = "succeeded"
	StateFailed    ExecutionState = "failed"
	StateExhausted ExecutionState = "exhausted"
)

// Execution is the persisted pending-correlation record: one row per durable
// workflow execution, keyed by its correlation token.
type Execution struct {
	Token         string
	UserID        string
	OrderID       string
	State         ExecutionState
	Attempts      int
	NextAttemptAt time.Time
}

// ExecutionStore persists executions in the same database as the orders they
// drive, so a resume and its status write share one source of truth.
type ExecutionStore struct {
	pool     *pgxpool.Pool
	pipeline *resilience.Pipeline
}

func NewExecutionStore(pool *pgxpool.Pool, pipeline *resilience.Pipeline) *ExecutionStore {
	return &ExecutionStore{pool: pool, pipeline: pipeline}
}

func (s *ExecutionStore) Create(ctx context.Context, ex Execution) error {
	err := s.pipeline.Execute(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO workflow_executions (token, user_id, order_id, state, attempts, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ex.Token, ex.UserID, ex.OrderID, string(StatePending), ex.Attempts, ex.NextAttemptAt)
		if err != nil {
			return resilience.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Consume atomically claims the pending execution for token and moves it to
// outcome. The second return is false when the token is unknown or was
// already consumed, which callers treat as an idempotent no-op.
func (s *ExecutionStore) Consume(ctx context.Context, token string, outcome ExecutionState) (Execution, bool, error) {
	var ex Execution
	found, err := resilience.Do(ctx, s.pipeline, func(ctx context.Context) (bool, error) {
		row := s.pool.QueryRow(ctx, `
			UPDATE workflow_executions
			SET state = $2, updated_at = now()
			WHERE token = $1 AND state = $3
			RETURNING token, user_id, order_id, attempts, next_attempt_at`,
			token, string(outcome), string(StatePending))

		err := row.Scan(&ex.Token, &ex.UserID, &ex.OrderID, &ex.Attempts, &ex.NextAttemptAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, resilience.Retryable(err)
		}
		return true, nil
	})
	if err != nil {
		return Execution{}, false, fmt.Errorf("consume execution: %w", err)
	}
	ex.State = outcome
	return ex, found, nil
}

// ClaimDue locks pending executions whose wait window has elapsed. Rows with
// retry budget left get their attempt count and deadline bumped and are
// returned for re-emission; rows at the budget are marked exhausted.
func (s *ExecutionStore) ClaimDue(ctx context.Context, now time.Time, window time.Duration, maxAttempts, limit int) (retry, exhausted []Execution, err error) {
	err = s.pipeline.Execute(ctx, func(ctx context.Context) error {
		retry, exhausted = nil, nil

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return resilience.Retryable(err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		rows, err := tx.Query(ctx, `
			SELECT token, user_id, order_id, attempts, next_attempt_at
			FROM workflow_executions
			WHERE state = $1 AND next_attempt_at <= $2
			ORDER BY next_attempt_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3`,
			string(StatePending), now, limit)
		if err != nil {
			return resilience.Retryable(err)
		}

		var due []Execution
		for rows.Next() {
			var ex Execution
			if err := rows.Scan(&ex.Token, &ex.UserID, &ex.OrderID, &ex.Attempts, &ex.NextAttemptAt); err != nil {
				rows.Close()
				return resilience.Retryable(err)
			}
			ex.State = StatePending
			due = append(due, ex)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return resilience.Retryable(err)
		}

		for _, ex := range due {
			if ex.Attempts >= maxAttempts {
				if _, err := tx.Exec(ctx, `
					UPDATE workflow_executions SET state = $2, updated_at = now() WHERE token = $1`,
					ex.Token, string(StateExhausted)); err != nil {
					return resilience.Retryable(err)
				}
				ex.State = StateExhausted
				exhausted = append(exhausted, ex)
				continue
			}
			ex.Attempts++
			ex.NextAttemptAt = now.Add(window)
			if _, err := tx.Exec(ctx, `
				UPDATE workflow_executions SET attempts = $2, next_attempt_at = $3, updated_at = now() WHERE token = $1`,
				ex.Token, ex.Attempts, ex.NextAttemptAt); err != nil {
				return resilience.Retryable(err)
			}
			retry = append(retry, ex)
		}

		if err := tx.Commit(ctx); err != nil {
			return resilience.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("claim due executions: %w", err)
	}
	return retry, exhausted, nil
}
