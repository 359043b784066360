package libcluster

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func isAlphanumericOrHyphen(s string) bool {
	for _, r := range s {
		if !isAlphanumeric(r) && r != '-' {
			return false
		}
	}
	return true
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}

// validateKey enforces ≤32 alphanumeric/hyphen chars.
func validateKey(key string) error {
	if key == "" || len(key) > 32 || !isAlphanumericOrHyphen(key) {
		return fmt.Errorf("%w: key must be 1-32 alphanumeric/hyphen characters", ErrInvalid)
	}
	return nil
}

// validateInstanceID accepts iff 2 <= length <= 32 and alphanumeric.
func validateInstanceID(id string) error {
	if len(id) < 2 || len(id) > 32 {
		return fmt.Errorf("%w: instance id must be 2-32 characters", ErrInvalid)
	}
	for _, r := range id {
		if !isAlphanumeric(r) {
			return fmt.Errorf("%w: instance id must be alphanumeric", ErrInvalid)
		}
	}
	return nil
}

// generateInstanceID derives a fresh 32-char hex token from a 128-bit
// random identifier with dashes stripped.
func generateInstanceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
