// Package seal encrypts the persisted analytics queue at rest.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrOpen is returned when ciphertext cannot be authenticated.
var ErrOpen = errors.New("seal: open failed")

const keyInfo = "beacon analytics queue v1"

// Sealer encrypts and decrypts opaque blobs.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// AEAD seals with XChaCha20-Poly1305. The random nonce is prepended to the
// ciphertext.
type AEAD struct {
	aead cipher.AEAD
}

// New returns an AEAD sealer for a 32-byte key.
func New(key []byte) (*AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: init cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// FromSecret derives a key from secret and salt and returns a sealer for it.
func FromSecret(secret, salt string) (*AEAD, error) {
	key, err := KeyFromSecret(secret, salt)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// KeyFromSecret derives a 32-byte key with HKDF-SHA256.
func KeyFromSecret(secret, salt string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("seal: secret required")
	}
	reader := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	return key, nil
}

// Seal implements Sealer.
func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open implements Sealer.
func (a *AEAD) Open(ciphertext []byte) ([]byte, error) {
	size := a.aead.NonceSize()
	if len(ciphertext) < size+a.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:size], ciphertext[size:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
