// Package objects computes the stable, typed 160-bit content identifiers
// that every other save-path component addresses objects by. The hash
// function (SHA-1) and header framing ("<type> <len>\0" + payload) are
// fixed by on-disk and wire compatibility with existing repositories;
// implementers must not substitute a different digest for object identity.
package objects

import (
	"crypto/sha1" //nolint:gosec // mandated by on-disk format compatibility, see package doc
	"encoding/hex"
	"fmt"
)

// ID is a 160-bit SHA-1-compatible object identifier.
type ID [20]byte

// String returns the lowercase hex form of the ID.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the all-zero value (never a valid content
// address, used as a sentinel for "no parent"/"no id yet").
func (id ID) IsZero() bool { return id == ID{} }

// FanoutByte returns the first byte of the ID, which drives idx/midx
// fanout bucketing (spec: "truncation of the digest to its first byte
// drives idx fanout").
func (id ID) FanoutByte() byte { return id[0] }

// ParseID decodes a 40-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse object id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse object id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Type distinguishes the three kinds of stored object.
type Type uint8

const (
	Blob Type = iota + 1
	Tree
	Commit
)

func (t Type) String() string {
	switch t {
	case Blob:
		return "blob"
	case Tree:
		return "tree"
	case Commit:
		return "commit"
	default:
		return "unknown"
	}
}

// ParseType maps a header type token back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "blob":
		return Blob, nil
	case "tree":
		return Tree, nil
	case "commit":
		return Commit, nil
	default:
		return 0, fmt.Errorf("unknown object type %q", s)
	}
}

// Header returns the canonical "<type> <len>\0" prefix hashed together
// with payload to produce an object's ID.
func Header(t Type, size int) []byte {
	return []byte(fmt.Sprintf("%s %d\x00", t, size))
}

// Sum computes the object ID for a (type, payload) pair.
func Sum(t Type, payload []byte) ID {
	h := sha1.New() //nolint:gosec
	h.Write(Header(t, len(payload)))
	h.Write(payload)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Verify recomputes id from (t, payload) and reports whether it matches.
func Verify(id ID, t Type, payload []byte) bool {
	return Sum(t, payload) == id
}
