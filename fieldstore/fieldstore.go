// Package fieldstore encrypts individual persisted fields at rest. Sensitive
// values (payload plaintext, ciphertexts, relay URLs, counterparty keys) only
// ever reach the database as Sealed blobs; reads go back through the Cipher,
// and an unreadable blob surfaces as a typed error instead of a silent
// default.
package fieldstore

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnreadable means the ciphertext could not be authenticated or decrypted,
// e.g. after an unmigrated key rotation. The record must be treated as
// unreadable, never defaulted.
var ErrUnreadable = errors.New("fieldstore: record unreadable")

// KeySize is the size of a Cipher key in bytes.
const KeySize = chacha20poly1305.KeySize

// Sealed is an encrypted field value, laid out as nonce || ciphertext.
// It scans and values as a BLOB so stores never see plaintext.
type Sealed []byte

// Zero reports whether there is no value at all (as opposed to an encrypted
// empty string).
func (s Sealed) Zero() bool { return len(s) == 0 }

func (s Sealed) Value() (driver.Value, error) {
	if s.Zero() {
		return nil, nil
	}
	return []byte(s), nil
}

func (s *Sealed) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
	case []byte:
		*s = append((*s)[:0], v...)
	case string:
		*s = Sealed(v)
	default:
		return fmt.Errorf("fieldstore: cannot scan %T into Sealed", src)
	}
	return nil
}

// Cipher seals and opens field values with XChaCha20-Poly1305.
type Cipher struct {
	key [KeySize]byte
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key [KeySize]byte) Cipher {
	return Cipher{key: key}
}

// DeriveKey derives a purpose-bound field key from a master secret via
// HKDF-SHA256, so the at-rest key is never the signing key itself.
func DeriveKey(secret []byte, purpose string) ([KeySize]byte, error) {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c Cipher) Seal(plaintext []byte) (Sealed, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

// SealString is Seal for string values.
func (c Cipher) SealString(plaintext string) (Sealed, error) {
	return c.Seal([]byte(plaintext))
}

// Open decrypts a Sealed value. Any tampering, truncation or key mismatch
// yields ErrUnreadable.
func (c Cipher) Open(s Sealed) ([]byte, error) {
	if len(s) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: too short", ErrUnreadable)
	}
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := s[:chacha20poly1305.NonceSizeX]
	ct := s[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, err)
	}
	return plain, nil
}

// OpenString is Open for string values.
func (c Cipher) OpenString(s Sealed) (string, error) {
	b, err := c.Open(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
