// Package crypto implements the end-to-end encryption envelope that keeps
// the relay content-blind. Every update and message body on the wire is
// version-byte || nonce || AES-256-GCM ciphertext; keys derive from the
// account master secret and never leave the client.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
)

// SchemeAESGCM is the envelope version byte for AES-256-GCM with a
// 96-bit nonce. The only scheme currently defined.
const SchemeAESGCM = 0x01

const (
	keySize   = 32
	nonceSize = 12
)

var (
	ErrEnvelopeTooShort = errors.New("envelope too short")
	ErrUnknownScheme    = errors.New("unknown envelope scheme")
)

// Cipher seals and opens envelope bodies for a single derived key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// DeriveKey derives a 32-byte subkey from the account master secret for the
// given context label (e.g. "content", "machine:<id>").
func DeriveKey(masterSecret []byte, context string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("empty master secret")
	}
	return hkdf.Key(sha256.New, masterSecret, nil, "happy/"+context, keySize)
}

// Seal encrypts plaintext into an envelope body.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+nonceSize+len(plaintext)+c.aead.Overhead())
	out = append(out, SchemeAESGCM)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts an envelope body produced by Seal.
func (c *Cipher) Open(body []byte) ([]byte, error) {
	if len(body) < 1+nonceSize {
		return nil, ErrEnvelopeTooShort
	}
	if body[0] != SchemeAESGCM {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownScheme, body[0])
	}
	nonce := body[1 : 1+nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, body[1+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (c *Cipher) SealJSON(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return c.Seal(plaintext)
}

// OpenJSON opens body and unmarshals the plaintext into v.
func (c *Cipher) OpenJSON(body []byte, v any) error {
	plaintext, err := c.Open(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}
