// Package crypto seals task credentials with NaCl secretbox
// (XSalsa20-Poly1305). Sealed blobs travel inside task.run envelopes as
// base64 strings; only backends holding the same master secret can open
// them.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// credentialUsage namespaces the sealer key so it never collides with the
// token signing key, which is derived from the same master secret.
const credentialUsage = "IAST Credential Sealer"

// CredentialKey derives the 32-byte sealer key from the master secret.
func CredentialKey(masterSecret string) *[32]byte {
	h := hmac.New(sha512.New, []byte(credentialUsage+" Master Seed"))
	h.Write([]byte(masterSecret))
	sum := h.Sum(nil)

	var key [32]byte
	copy(key[:], sum[:32])
	return &key
}

// Sealer encrypts and decrypts credential blobs.
// Format: base64([nonce (24 bytes)][ciphertext + auth tag]).
type Sealer struct {
	key *[32]byte
}

// NewSealer wraps an existing 32-byte key.
func NewSealer(key *[32]byte) *Sealer {
	return &Sealer{key: key}
}

// SealerFromSecret derives the key from the master secret.
func SealerFromSecret(masterSecret string) *Sealer {
	return NewSealer(CredentialKey(masterSecret))
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed blob. It fails on truncated input, bad base64 and
// any tampering with nonce or ciphertext.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed data: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("sealed data too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}
