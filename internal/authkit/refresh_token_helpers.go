package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
)

const refreshOpaqueByteLength = 64

// GenerateOpaqueToken returns byteLength bytes of crypto randomness in standard base64.
func GenerateOpaqueToken(byteLength int) (string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("codec.random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(randomBytes), nil
}

func generateRefreshOpaque() (string, error) {
	return GenerateOpaqueToken(refreshOpaqueByteLength)
}

// HashOpaque derives the at-rest lookup key of an opaque token.
func HashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// EncodeForURL makes an opaque value safe to embed in a link query string.
func EncodeForURL(value string) string {
	return url.QueryEscape(value)
}

// DecodeFromURL reverses EncodeForURL. A literal '+' is kept, so values already decoded by a client pass through unchanged.
func DecodeFromURL(value string) (string, error) {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return "", fmt.Errorf("codec.url_decode: %w", err)
	}
	return decoded, nil
}
