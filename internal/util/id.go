package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, prefixed as "<prefix>_<uuid>" when a
// prefix is given. Dashes are dropped so ids stay URL and stream-key safe.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
