package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/models"
)

const usageInsertQuery = `
INSERT INTO usage_rows (execution_id, family, provider, model, operation,
	input_units, output_units, cost, metadata)
VALUES (:execution_id, :family, :provider, :model, :operation,
	:input_units, :output_units, :cost, :metadata)
RETURNING *`

type usageRepo struct {
	ext sqlx.ExtContext
}

func (r *usageRepo) Append(ctx context.Context, row *models.UsageRow) (*models.UsageRow, error) {
	return scanOne[models.UsageRow](sqlx.NamedQueryContext(ctx, r.ext, usageInsertQuery, row))
}

func (r *usageRepo) ListByExecution(ctx context.Context, executionID int64) ([]*models.UsageRow, error) {
	// created_at uses clock_timestamp(), so insertion order survives even
	// within one transaction. id breaks same-microsecond ties.
	query := r.ext.Rebind(`SELECT * FROM usage_rows WHERE execution_id = ? ORDER BY created_at, id`)
	return scanAll[models.UsageRow](r.ext.QueryxContext(ctx, query, executionID))
}

func (r *usageRepo) SumByExecution(ctx context.Context, executionID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	query := r.ext.Rebind(`SELECT COALESCE(sum(cost), 0) FROM usage_rows WHERE execution_id = ?`)
	if err := sqlx.GetContext(ctx, r.ext, &total, query, executionID); err != nil {
		return decimal.Zero, mapError(err)
	}
	return total, nil
}
