package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// sqlTx is a Tx backed by an open *sqlx.Tx.
type sqlTx struct {
	repos
	tx *sqlx.Tx
}

var _ Tx = (*sqlTx)(nil)

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}
