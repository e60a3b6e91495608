// Package ids mints row identifiers for users, tenants, memberships, roles
// and permissions.
package ids

import "github.com/oklog/ulid/v2"

// New returns a ULID string. IDs minted by one process sort by creation time;
// ulid.DefaultEntropy is monotonic and safe for concurrent use.
func New() string {
	return ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
}

// Valid reports whether s is a canonical ULID as produced by New.
func Valid(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
