// Package idgen mints the 22-character base-58 identifiers used as primary keys
// for requests and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Length is the fixed size of every generated identifier.
const Length = 22

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Generate returns a new identifier built from 128 random bits.
// Shorter encodings are left-padded with the base-58 zero digit.
func Generate() string {
	u := uuid.New()
	s := base58.Encode(u[:])
	if len(s) < Length {
		s = strings.Repeat("1", Length-len(s)) + s
	}
	return s
}

// Ensure keeps a pre-assigned identifier of the expected length and mints a new
// one otherwise. Seeded and imported rows rely on this.
func Ensure(existing string) string {
	if len(existing) == Length {
		return existing
	}
	return Generate()
}

// Valid reports whether id has the shape produced by Generate.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
