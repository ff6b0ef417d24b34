package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const (
	executionInsertQuery = `
INSERT INTO executions (exec_id, agent_id, hiring_id, user_id, operation, state,
	started_at, completed_at, duration_ms, heartbeat_at, input, output,
	error_category, error_code, error_message, cost_total)
VALUES (:exec_id, :agent_id, :hiring_id, :user_id, :operation, :state,
	:started_at, :completed_at, :duration_ms, :heartbeat_at, :input, :output,
	:error_category, :error_code, :error_message, :cost_total)
RETURNING *`

	executionUpdateQuery = `
UPDATE executions SET
	updated_at = now(),
	version = version + 1,
	state = :state,
	started_at = :started_at,
	completed_at = :completed_at,
	duration_ms = :duration_ms,
	heartbeat_at = :heartbeat_at,
	output = :output,
	error_category = :error_category,
	error_code = :error_code,
	error_message = :error_message,
	cost_total = :cost_total
WHERE id = :id AND version = :version
RETURNING *`
)

type executionRepo struct {
	ext sqlx.ExtContext
}

func (r *executionRepo) Create(ctx context.Context, e *models.Execution) (*models.Execution, error) {
	return scanOne[models.Execution](sqlx.NamedQueryContext(ctx, r.ext, executionInsertQuery, e))
}

func (r *executionRepo) Get(ctx context.Context, id int64) (*models.Execution, error) {
	query := r.ext.Rebind(`SELECT * FROM executions WHERE id = ?`)
	return scanOne[models.Execution](r.ext.QueryxContext(ctx, query, id))
}

func (r *executionRepo) GetByExecID(ctx context.Context, execID string) (*models.Execution, error) {
	query := r.ext.Rebind(`SELECT * FROM executions WHERE exec_id = ?`)
	return scanOne[models.Execution](r.ext.QueryxContext(ctx, query, execID))
}

func (r *executionRepo) Update(ctx context.Context, e *models.Execution) (*models.Execution, error) {
	out, err := scanOne[models.Execution](sqlx.NamedQueryContext(ctx, r.ext, executionUpdateQuery, e))
	if errors.Is(err, ErrNotFound) {
		return nil, conflictOrMissing(ctx, r.ext, "executions", e.ID)
	}
	return out, err
}

func (r *executionRepo) List(ctx context.Context, f ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT * FROM executions`
	var where []string
	var args []any
	if f.HiringID != 0 {
		where = append(where, `hiring_id = ?`)
		args = append(args, f.HiringID)
	}
	if f.AgentID != 0 {
		where = append(where, `agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if len(f.States) > 0 {
		where = append(where, `state IN (?)`)
		args = append(args, f.States)
	}
	if !f.RunningBefore.IsZero() {
		// Fall back through start and creation times for rows that died
		// before their first heartbeat.
		where = append(where, `state = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < ?`)
		args = append(args, f.RunningBefore)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	query, args = applyPage(query, args, f.Limit, f.Offset)

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll[models.Execution](r.ext.QueryxContext(ctx, r.ext.Rebind(expanded), expandedArgs...))
}

func (r *executionRepo) CountActiveByHiring(ctx context.Context, hiringID int64) (int, error) {
	var n int
	query := r.ext.Rebind(`SELECT count(*) FROM executions WHERE hiring_id = ? AND state IN ('pending', 'running')`)
	if err := sqlx.GetContext(ctx, r.ext, &n, query, hiringID); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}
