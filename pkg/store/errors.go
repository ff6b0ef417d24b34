package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when optimistic locking detects a concurrent
	// modification (version mismatch)
	ErrConflict = errors.New("concurrent modification detected")

	// ErrIntegrityViolation is returned when a write breaks a uniqueness,
	// foreign key, or check constraint
	ErrIntegrityViolation = errors.New("integrity violation")
)

// PostgreSQL error classes mapped to store errors.
const (
	pgIntegrityViolationClass = "23"
)

// mapError translates driver errors into the store's failure kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgIntegrityViolationClass {
		return fmt.Errorf("%w: %s", ErrIntegrityViolation, pgErr.Message)
	}
	return err
}
