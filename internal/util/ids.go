package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string.
func NewID() string { return uuid.NewString() }

// NewPrefixedID returns prefix_<uuid>, for ids that should read well in logs.
func NewPrefixedID(prefix string) string {
	if prefix == "" {
		return NewID()
	}
	return prefix + "_" + uuid.NewString()
}
