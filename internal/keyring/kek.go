package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kekIterations = 210_000
	kekSize       = 32
	wrapNonceSize = 12
)

// DeriveKEK derives the 256-bit key-encryption key from the operator-held
// master secret via PBKDF2-HMAC-SHA256. Key material at rest is only ever
// stored wrapped under this KEK.
func DeriveKEK(masterSecret, salt string) ([]byte, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is empty")
	}
	if salt == "" {
		return nil, fmt.Errorf("key derivation salt is empty")
	}
	return pbkdf2.Key([]byte(masterSecret), []byte(salt), kekIterations, kekSize, sha256.New), nil
}

// wrapKey seals raw key material under the KEK and returns a base64 blob
// of nonce || ciphertext.
func wrapKey(kek, material []byte) (string, error) {
	aead, err := newKEKCipher(kek)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, wrapNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate wrap nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, material, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// unwrapKey reverses wrapKey. A failure here means the master secret does
// not match the one the key was wrapped under, or the record is corrupt.
func unwrapKey(kek []byte, wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	if len(raw) < wrapNonceSize+1 {
		return nil, fmt.Errorf("wrapped key material truncated")
	}
	aead, err := newKEKCipher(kek)
	if err != nil {
		return nil, err
	}
	material, err := aead.Open(nil, raw[:wrapNonceSize], raw[wrapNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key material: %w", err)
	}
	return material, nil
}

func newKEKCipher(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("init KEK cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
