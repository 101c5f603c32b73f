package common

import (
	"github.com/google/uuid"
)

// NewOutputID generates a unique output payload reference with the "out_" prefix
// Format: out_<uuid>
func NewOutputID() string {
	return "out_" + uuid.New().String()
}

// ShortID returns the first 8 characters of an ID for compact display,
// such as export filenames
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
