package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced by prefix.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewNodeID mints a stable outline node identifier.
func NewNodeID() string {
	return uuid.NewString()
}

// RandomSuffix returns n random bytes hex encoded.
func RandomSuffix(n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
