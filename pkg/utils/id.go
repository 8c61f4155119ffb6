package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID returns prefix_<uuid v4 without dashes>.
func GenerateID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(id[:]))
}

func GenerateStreamID() string {
	return GenerateID("stream")
}

func GenerateMessageID() string {
	return GenerateID("msg")
}

// GenerateSecretKey returns a URL-safe random key of n bytes of entropy.
func GenerateSecretKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func GenerateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func GenerateInstanceID() string {
	return uuid.NewString()
}
