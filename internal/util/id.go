// Package util holds small helpers shared across the engine binaries.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-hex-char random id, optionally namespaced with a
// short prefix ("req" for the HTTP surface's fallback request ids).
// The ids carry no ordering; anything time-sortable lives in the
// database.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
