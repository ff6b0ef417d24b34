package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// scanOne consumes a single-row result, typically from a statement ending in
// RETURNING *. An empty result maps to ErrNotFound.
func scanOne[T any](rows *sqlx.Rows, err error) (*T, error) {
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapError(err)
		}
		return nil, ErrNotFound
	}
	var out T
	if err := rows.StructScan(&out); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

// scanAll consumes every row of the result.
func scanAll[T any](rows *sqlx.Rows, err error) ([]*T, error) {
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var item T
		if err := rows.StructScan(&item); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// conflictOrMissing resolves why an optimistic update matched no row: either
// the row is gone or another writer bumped its version first.
func conflictOrMissing(ctx context.Context, ext sqlx.ExtContext, table string, id int64) error {
	var n int
	query := ext.Rebind(fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ?`, table))
	if err := sqlx.GetContext(ctx, ext, &n, query, id); err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// applyPage appends LIMIT/OFFSET placeholders when set.
func applyPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	return query, args
}
