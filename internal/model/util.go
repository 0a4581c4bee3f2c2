package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// generateSecureID creates a secure random ID with a prefix
func generateSecureID(prefix string) string {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		// crypto/rand failing means the process has no usable entropy source
		panic(err)
	}
	return fmt.Sprintf("%s%s", prefix, base64.RawURLEncoding.EncodeToString(b))
}

// JoinStrings joins a string slice with the given separator.
func JoinStrings(strs []string, sep string) string {
	return strings.Join(strs, sep)
}

func splitStrings(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
