// Package crypto implements authenticated encryption of tenant bot
// credentials. Ciphertexts are produced with AES-256-GCM and bind the
// tenant's workspace ID as associated data, so a blob encrypted for one
// tenant can never be decrypted in the context of another, even under the
// same key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Blob layout, after base64 decoding:
//
//	[0]      version (currently 1)
//	[1]      key ID length n
//	[2:2+n]  key ID (redundant with the tenant record, embedded defensively)
//	next 12  GCM nonce
//	rest     ciphertext || auth tag
const (
	blobVersion = 0x01
	nonceSize   = 12
	maxKeyIDLen = 255
)

// ErrDecryption is returned whenever a blob cannot be authenticated or
// parsed: tag mismatch, tenant binding mismatch, truncated or malformed
// data, wrong key. It signals tampering or corruption, never a retryable
// condition, and must be audited at critical severity by the caller.
var ErrDecryption = errors.New("credential decryption failed")

// aad builds the associated data binding a ciphertext to its tenant.
func aad(tenantID string) []byte {
	return []byte("tenant:" + tenantID)
}

// Encrypt seals plaintext under the given 256-bit key, binding tenantID as
// associated data, and returns a self-describing base64 blob embedding the
// key ID and nonce.
func Encrypt(keyID string, key []byte, tenantID, plaintext string) (string, error) {
	if len(keyID) == 0 || len(keyID) > maxKeyIDLen {
		return "", fmt.Errorf("invalid key id length %d", len(keyID))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), aad(tenantID))

	blob := make([]byte, 0, 2+len(keyID)+nonceSize+len(sealed))
	blob = append(blob, blobVersion, byte(len(keyID)))
	blob = append(blob, keyID...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. keyID must match the ID
// embedded in the blob and tenantID must match the associated data bound
// at encryption time; any mismatch or malformation yields ErrDecryption
// with no partial output.
func Decrypt(keyID string, key []byte, tenantID, encoded string) (string, error) {
	embedded, nonce, sealed, err := parseBlob(encoded)
	if err != nil {
		return "", err
	}
	if embedded != keyID {
		return "", fmt.Errorf("%w: key id mismatch", ErrDecryption)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, aad(tenantID))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plaintext), nil
}

// KeyID extracts the key ID embedded in a blob without decrypting it. The
// rotation sweep uses it to find ciphertexts still under retired keys.
func KeyID(encoded string) (string, error) {
	embedded, _, _, err := parseBlob(encoded)
	if err != nil {
		return "", err
	}
	return embedded, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func parseBlob(encoded string) (keyID string, nonce, sealed []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: not base64", ErrDecryption)
	}
	if len(raw) < 2 {
		return "", nil, nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	if raw[0] != blobVersion {
		return "", nil, nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecryption, raw[0])
	}
	idLen := int(raw[1])
	if len(raw) < 2+idLen+nonceSize+1 {
		return "", nil, nil, fmt.Errorf("%w: blob truncated", ErrDecryption)
	}
	keyID = string(raw[2 : 2+idLen])
	nonce = raw[2+idLen : 2+idLen+nonceSize]
	sealed = raw[2+idLen+nonceSize:]
	return keyID, nonce, sealed, nil
}
