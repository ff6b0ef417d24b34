package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// nonceSize is the secretbox nonce length prefixed to every ciphertext.
const nonceSize = 24

// Keyring seals provider credentials at rest. The sealing key is derived
// from a process-wide secret; ciphertext is nonce-prefixed NaCl secretbox
// output, so a stolen store dump is useless without the secret.
type Keyring struct {
	key [32]byte
}

// NewKeyring derives the sealing key from the configured secret. An empty
// secret is rejected so credentials never persist under a well-known key.
func NewKeyring(secret string) (*Keyring, error) {
	if secret == "" {
		return nil, errors.New("credential sealing secret is empty")
	}
	return &Keyring{key: sha256.Sum256([]byte(secret))}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (k *Keyring) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k.key), nil
}

// Open decrypts nonce-prefixed ciphertext produced by Seal.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed credential is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k.key)
	if !ok {
		return nil, errors.New("sealed credential failed authentication")
	}
	return plain, nil
}
