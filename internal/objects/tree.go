package objects

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Mode is a POSIX-style file mode tag stored per tree entry. The core
// treats it as an opaque uint32 — canonicalization of the full stat/xattr
// record is an external collaborator's concern (spec.md §1).
type Mode uint32

const (
	ModeFile    Mode = 0o100644
	ModeExec    Mode = 0o100755
	ModeSymlink Mode = 0o120000
	ModeDir     Mode = 0o040000
)

// Entry is one (mode, name, child) triple inside a Tree. Entries within one
// Tree are unique by Name and stored in canonical order (see SortEntries).
type Entry struct {
	Mode Mode
	Name string
	ID   ID
}

// IsDir reports whether the entry references a subtree rather than a blob.
func (e Entry) IsDir() bool { return e.Mode == ModeDir }

// sortKey returns the name used for ordering comparisons: directories are
// compared as if suffixed with "/", matching git's tree-entry ordering: a
// file "foo" sorts before "foo.bar", while a directory "foo" (compared as
// "foo/") sorts after "foo.bar", since '.' (0x2e) precedes '/' (0x2f).
func (e Entry) sortKey() string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// SortEntries orders entries canonically in place. This ordering is
// mandatory for binary compatibility: two trees with the same logical
// entries in different order would hash to different, non-deduplicating
// IDs, which is exactly what the canonical order prevents.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sortKey() < entries[j].sortKey()
	})
}

// Tree is the decoded form of a tree object: a sequence of canonically
// ordered entries, each naming a child blob or tree by ID.
type Tree struct {
	Entries []Entry
}

// EncodeTree produces the canonical payload bytes for a tree object: the
// concatenation of each entry's uvarint(mode), uvarint(len(name)), name
// bytes, and 20-byte ID, with no overall count or length prefix. An empty
// tree therefore encodes to a zero-length payload, which is what makes
// spec.md's pinned empty-tree ID (git's well-known
// 4b825dc642cb6eb9a060e54bf8d69288fbee4904) fall out of this encoding
// naturally rather than as a special case.
//
// Entries MUST already be in canonical order; this function does not
// re-sort, so that building a tree from an already-ordered entry stream
// (as treebuild/treesplit produce) never pays for a redundant sort.
func EncodeTree(t Tree) ([]byte, error) {
	seen := make(map[string]struct{}, len(t.Entries))
	var buf bytes.Buffer
	prevKey := ""
	for i, e := range t.Entries {
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("encode tree: duplicate entry name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		key := e.sortKey()
		if i > 0 && key < prevKey {
			return nil, fmt.Errorf("encode tree: entries not in canonical order at %q", e.Name)
		}
		prevKey = key

		writeUvarint(&buf, uint64(e.Mode))
		writeUvarint(&buf, uint64(len(e.Name)))
		buf.WriteString(e.Name)
		buf.Write(e.ID[:])
	}
	return buf.Bytes(), nil
}

// DecodeTree parses a canonical tree payload back into entries, reading
// until the payload is exhausted.
func DecodeTree(payload []byte) (Tree, error) {
	r := bytes.NewReader(payload)
	var entries []Entry
	for r.Len() > 0 {
		mode, err := binary.ReadUvarint(r)
		if err != nil {
			return Tree{}, fmt.Errorf("decode tree: read mode: %w", err)
		}
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return Tree{}, fmt.Errorf("decode tree: read name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := readFull(r, name); err != nil {
			return Tree{}, fmt.Errorf("decode tree: read name: %w", err)
		}
		var id ID
		if _, err := readFull(r, id[:]); err != nil {
			return Tree{}, fmt.Errorf("decode tree: read id: %w", err)
		}
		entries = append(entries, Entry{Mode: Mode(mode), Name: string(name), ID: id})
	}
	return Tree{Entries: entries}, nil
}

func readFull(r *bytes.Reader, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := r.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// EmptyTreeID is the well-known ID of the canonical empty tree (zero
// entries). It is a fixed point: every implementation of this format
// produces this exact ID for an empty directory, which is why spec.md's
// S1 scenario pins it literally.
var EmptyTreeID = Sum(Tree, mustEncodeEmpty())

func mustEncodeEmpty() []byte {
	b, err := EncodeTree(Tree{})
	if err != nil {
		panic(err)
	}
	return b
}

// CanonicalDirName renders a directory name for display, without the
// trailing slash used only for sort comparisons.
func CanonicalDirName(name string) string {
	return strings.TrimSuffix(name, "/")
}
