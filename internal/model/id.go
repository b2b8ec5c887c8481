package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. Jobs and scripts both use it, so ids sort
// by creation time.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed ULID. Lookups use it to short
// circuit malformed ids into "not found" without touching the store.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
