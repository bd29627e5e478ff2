// Package xid mints prefixed opaque identifiers for sales, assignments,
// audits and the other stored entities.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id like "sale-1756...-a1b2c3d4e5f60718". The timestamp keeps
// ids roughly sortable by creation time; the random suffix makes them unique.
func New(prefix string) string {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing is effectively unreachable; the clock alone still
		// yields a usable id.
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(suffix))
}
