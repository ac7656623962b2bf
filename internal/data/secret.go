package data

import "crypto/subtle"

// Secret is the shared registration secret compared at node join.
type Secret string

// Matches compares two secrets in constant time.
func (s Secret) Matches(other Secret) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(other)) == 1
}
