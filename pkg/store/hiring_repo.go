package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const (
	hiringInsertQuery = `
INSERT INTO hirings (agent_id, user_id, status, config)
VALUES (:agent_id, :user_id, :status, :config)
RETURNING *`

	hiringUpdateQuery = `
UPDATE hirings SET
	updated_at = now(),
	version = version + 1,
	agent_id = :agent_id,
	user_id = :user_id,
	status = :status,
	config = :config
WHERE id = :id AND version = :version
RETURNING *`
)

type hiringRepo struct {
	ext sqlx.ExtContext
}

func (r *hiringRepo) Create(ctx context.Context, h *models.Hiring) (*models.Hiring, error) {
	return scanOne[models.Hiring](sqlx.NamedQueryContext(ctx, r.ext, hiringInsertQuery, h))
}

func (r *hiringRepo) Get(ctx context.Context, id int64) (*models.Hiring, error) {
	query := r.ext.Rebind(`SELECT * FROM hirings WHERE id = ?`)
	return scanOne[models.Hiring](r.ext.QueryxContext(ctx, query, id))
}

func (r *hiringRepo) Update(ctx context.Context, h *models.Hiring) (*models.Hiring, error) {
	out, err := scanOne[models.Hiring](sqlx.NamedQueryContext(ctx, r.ext, hiringUpdateQuery, h))
	if errors.Is(err, ErrNotFound) {
		return nil, conflictOrMissing(ctx, r.ext, "hirings", h.ID)
	}
	return out, err
}

func (r *hiringRepo) List(ctx context.Context, f HiringFilter) ([]*models.Hiring, error) {
	query := `SELECT * FROM hirings`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.AgentID != 0 {
		where = append(where, `agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.UserID != 0 {
		where = append(where, `user_id = ?`)
		args = append(args, f.UserID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	query, args = applyPage(query, args, f.Limit, f.Offset)
	return scanAll[models.Hiring](r.ext.QueryxContext(ctx, r.ext.Rebind(query), args...))
}
