package store

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const (
	budgetInsertQuery = `
INSERT INTO user_budgets (user_id, window_start, period_cap, per_call_cap, window_spend, last_reset_at)
VALUES (:user_id, :window_start, :period_cap, :per_call_cap, :window_spend, :last_reset_at)
RETURNING *`

	budgetUpdateQuery = `
UPDATE user_budgets SET
	updated_at = now(),
	version = version + 1,
	window_start = :window_start,
	period_cap = :period_cap,
	per_call_cap = :per_call_cap,
	window_spend = :window_spend,
	last_reset_at = :last_reset_at
WHERE id = :id AND version = :version
RETURNING *`
)

type budgetRepo struct {
	ext sqlx.ExtContext
}

func (r *budgetRepo) Create(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error) {
	return scanOne[models.UserBudget](sqlx.NamedQueryContext(ctx, r.ext, budgetInsertQuery, b))
}

func (r *budgetRepo) GetByUser(ctx context.Context, userID int64) (*models.UserBudget, error) {
	query := r.ext.Rebind(`SELECT * FROM user_budgets WHERE user_id = ?`)
	return scanOne[models.UserBudget](r.ext.QueryxContext(ctx, query, userID))
}

func (r *budgetRepo) Update(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error) {
	out, err := scanOne[models.UserBudget](sqlx.NamedQueryContext(ctx, r.ext, budgetUpdateQuery, b))
	if errors.Is(err, ErrNotFound) {
		return nil, conflictOrMissing(ctx, r.ext, "user_budgets", b.ID)
	}
	return out, err
}

func (r *budgetRepo) List(ctx context.Context, limit, offset int) ([]*models.UserBudget, error) {
	query := `SELECT * FROM user_budgets ORDER BY id`
	var args []any
	query, args = applyPage(query, args, limit, offset)
	return scanAll[models.UserBudget](r.ext.QueryxContext(ctx, r.ext.Rebind(query), args...))
}
