// services/credentials.go
package services

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const credentialNonceSize = 24

var ErrCredentialCorrupt = errors.New("stored credential cannot be decrypted")

// CredentialBox seals game credentials (lobby passwords, join codes) at rest.
// Stored form: base64(nonce || secretbox(plaintext)).
type CredentialBox struct {
	key *[32]byte
}

// NewCredentialBox returns nil when no key is configured; a nil box reveals nothing.
func NewCredentialBox(key []byte) (*CredentialBox, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	var k [32]byte
	copy(k[:], key)
	return &CredentialBox{key: &k}, nil
}

func (b *CredentialBox) Seal(plaintext string) (string, error) {
	var nonce [credentialNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, b.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed credential. Empty input yields empty output.
func (b *CredentialBox) Open(sealed string) (string, error) {
	if b == nil || sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < credentialNonceSize+secretbox.Overhead {
		return "", ErrCredentialCorrupt
	}
	var nonce [credentialNonceSize]byte
	copy(nonce[:], raw[:credentialNonceSize])
	plain, ok := secretbox.Open(nil, raw[credentialNonceSize:], &nonce, b.key)
	if !ok {
		return "", ErrCredentialCorrupt
	}
	return string(plain), nil
}
