package idgen

import (
	"github.com/google/uuid"
)

// PrefixRequest marks IDs generated by the gateway rather than supplied by a caller
const PrefixRequest = "req_"

// NewRequest generates a request ID with req_ prefix
func NewRequest() string {
	return PrefixRequest + uuid.New().String()
}

// New generates a generic UUID without prefix
func New() string {
	return uuid.New().String()
}

// Valid reports whether a caller-supplied request ID is safe to echo back
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}
