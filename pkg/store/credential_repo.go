package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const credentialUpsertQuery = `
INSERT INTO credentials_encrypted (user_id, provider, ciphertext)
VALUES (:user_id, :provider, :ciphertext)
ON CONFLICT (user_id, provider) DO UPDATE SET
	updated_at = now(),
	version = credentials_encrypted.version + 1,
	ciphertext = EXCLUDED.ciphertext
RETURNING *`

type credentialRepo struct {
	ext sqlx.ExtContext
}

func (r *credentialRepo) Put(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	return scanOne[models.Credential](sqlx.NamedQueryContext(ctx, r.ext, credentialUpsertQuery, c))
}

func (r *credentialRepo) GetByUserProvider(ctx context.Context, userID int64, provider string) (*models.Credential, error) {
	query := r.ext.Rebind(`SELECT * FROM credentials_encrypted WHERE user_id = ? AND provider = ?`)
	return scanOne[models.Credential](r.ext.QueryxContext(ctx, query, userID, provider))
}

func (r *credentialRepo) Delete(ctx context.Context, userID int64, provider string) error {
	query := r.ext.Rebind(`DELETE FROM credentials_encrypted WHERE user_id = ? AND provider = ?`)
	res, err := r.ext.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
