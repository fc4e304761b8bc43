// Package cryptor wraps every carrier byte (TCP or UCP) in a symmetric
// AEAD stream cipher keyed off the operator-supplied secret. Key agreement,
// rekeying, and peer authentication are out of scope: this is a fixed,
// unauthenticated-peer, single-key wrapper.
package cryptor

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// KeySizeRange returns the acceptable length, in bytes, for the raw secret
// passed via --key. The CLI validates against this before starting.
func KeySizeRange() (min, max int) {
	return 1, 256
}

// Cryptor encrypts/decrypts opaque byte slices (payloads, or whole framed
// messages on a TCP carrier) with ChaCha20-Poly1305, keyed by HKDF over the
// operator secret.
type Cryptor struct {
	aead cipher.AEAD
}

// New derives an AEAD key from secret via HKDF-SHA3-256 and returns a ready
// Cryptor. secret must satisfy KeySizeRange.
func New(secret []byte) (*Cryptor, error) {
	min, max := KeySizeRange()
	if len(secret) < min || len(secret) > max {
		return nil, errors.New("cryptor: key length out of range")
	}

	kdf := hkdf.New(sha3.New256, secret, nil, []byte("stunnel-carrier-key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cryptor{aead: aead}, nil
}

// Encrypt seals plaintext, prepending a fresh random nonce to the returned
// ciphertext.
func (c *Cryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext previously produced by Encrypt.
func (c *Cryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("cryptor: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:ns], ciphertext[ns:]
	return c.aead.Open(nil, nonce, body, nil)
}

// Overhead is the number of extra bytes Encrypt adds (nonce + AEAD tag).
func (c *Cryptor) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
