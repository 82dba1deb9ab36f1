// Package idgen provides pluggable ID generation.
//
// Constructors across the codebase accept a Generator, making the ID
// strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// documentNamespace scopes DocumentID UUIDs to this project. Fixed forever:
// changing it would change every published identifier.
var documentNamespace = uuid.MustParse("9a986e92-3c4f-4f67-9b0d-2d26a9bb35c1")

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short, URL-safe, fast. Use where UUIDs are too verbose (request IDs).
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		// Read length random bytes in one syscall, then map to alphabet.
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the project default: UUIDv7 (RFC 9562).
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// DocumentID derives the stable publication identifier for a source at a
// given fingerprint: a name-based UUID (v5) over path and fingerprint,
// rendered in URN form. Identical inputs always produce the same URN, so
// repackaging an unchanged source yields an identical archive.
func DocumentID(path, fingerprint string) string {
	u := uuid.NewSHA1(documentNamespace, []byte(path+"\x00"+fingerprint))
	return "urn:uuid:" + u.String()
}
