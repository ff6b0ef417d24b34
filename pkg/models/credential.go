package models

import "time"

// Credential is a user-supplied provider key, sealed at rest. Ciphertext is
// nonce-prefixed secretbox output; plaintext exists only in gateway memory
// for the duration of a single provider call.
type Credential struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	UserID     int64  `db:"user_id" json:"user_id"`
	Provider   string `db:"provider" json:"provider"`
	Ciphertext []byte `db:"ciphertext" json:"-"`
}
