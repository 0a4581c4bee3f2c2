package slackauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ErrInvalidState indicates the OAuth state parameter failed verification:
// bad signature, expired, or not issued by this process group.
var ErrInvalidState = errors.New("invalid oauth state")

// stateClaims is the signed payload of the state parameter. The nonce
// makes every issued state unique.
type stateClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the OAuth state parameter as a signed
// token, so the callback can confirm the flow originated here without
// server-side session storage.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner builds a signer. ttl bounds how long an issued state is
// accepted.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("state signing secret is empty")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl}, nil
}

// Issue returns a fresh signed state token.
func (s *StateSigner) Issue() (string, error) {
	now := time.Now()
	claims := stateClaims{
		Nonce: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tokenbroker",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return signed, nil
}

// Verify checks a state token's signature and expiry.
func (s *StateSigner) Verify(state string) error {
	var claims stateClaims
	token, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidState
	}
	if claims.Nonce == "" {
		return ErrInvalidState
	}
	return nil
}
