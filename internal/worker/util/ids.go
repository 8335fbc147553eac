package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix_ followed by a random uuid without dashes.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
