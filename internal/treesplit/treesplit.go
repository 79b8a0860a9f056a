// Package treesplit implements the tree-split directory encoder
// (component I): applying the hashsplit principle to a directory's
// sorted entry list so that directories with very large entry counts
// do not collapse into one oversized tree object.
//
// A directory built through Split always differs structurally from the
// same entries built through treebuild.BuildDirectory, even when the
// entry count is small enough that no real splitting occurs: the root
// always carries a ".bupd" marker entry and wraps its direct entries in
// at least one subtree, which is what makes split and non-split trees
// of the same logical directory hash to distinct IDs while still
// listing the same entries when walked.
package treesplit

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/rollsum"
	"github.com/tgentry/packvault/internal/treebuild"
)

// DefaultBits is the directory hashsplit significance used when the
// repository doesn't override it — spec.md §4.I: "typically bits=5..8
// for directories, not configurable in the observed source".
const DefaultBits = 5

// bupdMarkerName is the root-level marker a reader looks for to learn a
// directory was encoded with tree-split rather than a single flat tree.
const bupdMarkerName = ".bupd"

// bupmName is the per-subtree companion blob holding canonicalized
// metadata for that subtree's direct entries, in entry order.
const bupmName = ".bupm"

// Entry is one directory entry plus its opaque canonicalized metadata
// (POSIX stat/xattr bytes, produced by an external collaborator per
// spec.md §1 — this package treats it as an uninterpreted blob).
type Entry struct {
	Name string
	Mode objects.Mode
	ID   objects.ID
	Meta []byte
}

func (e Entry) isDir() bool { return e.Mode == objects.ModeDir }

func (e Entry) sortKey() string {
	if e.isDir() {
		return e.Name + "/"
	}
	return e.Name
}

// ObjectWriter is the write-side of the object store facade.
type ObjectWriter interface {
	Write(t objects.Type, payload []byte) (objects.ID, error)
}

// Boundary is the pluggable boundary-decision strategy Split threads
// each sorted entry's name through. The default, rollingBoundary, is the
// rolling checksum described in spec.md §4.I; tests inject an
// alternative implementation (e.g. "split every N entries") to reproduce
// fixtures deterministically instead of hunting for entry names that
// happen to hash to a wanted boundary — the same constructor-injection
// seam spec.md §9 calls for in place of the source's runtime monkey-patch.
type Boundary interface {
	// Check consumes name and reports whether a boundary falls
	// immediately after it and, if so, how many pending levels it closes.
	Check(name string) (boundary bool, level int)
}

// rollingBoundary is the production Boundary: a rolling checksum fed one
// entry name's bytes at a time, exactly as internal/rollsum is fed file
// content in internal/hashsplit.
type rollingBoundary struct {
	bits uint
	roll *rollsum.Rollsum
}

// NewRollingBoundary returns the default rolling-checksum Boundary at the
// given significance.
func NewRollingBoundary(bits uint) Boundary {
	return &rollingBoundary{bits: bits, roll: rollsum.New()}
}

func (r *rollingBoundary) Check(name string) (bool, int) {
	mask := uint32(1)<<r.bits - 1
	var digest uint32
	for _, b := range []byte(name) {
		digest = r.roll.Roll(b)
	}
	if digest&mask != 0 {
		return false, 0
	}
	return true, trailingOnes(digest>>r.bits) + 1
}

// bucket is either a direct-entry group (metas present) awaiting its own
// subtree+".bupm", or an already-built subtree referenced by a synthetic
// name (metas nil, pure fan-in).
type bucket struct {
	name  string
	mode  objects.Mode
	id    objects.ID
	metas [][]byte // only set for not-yet-written level-0 groups
}

// Split builds a tree-split directory object from entries (need not be
// pre-sorted) and returns its root ID, using the default rolling-checksum
// Boundary at the given significance.
func Split(entries []Entry, bits uint, w ObjectWriter) (objects.ID, error) {
	return SplitWithBoundary(entries, w, NewRollingBoundary(bits))
}

// SplitWithBoundary is Split with the boundary-decision strategy supplied
// by the caller, the constructor-injection seam spec.md §9 describes.
func SplitWithBoundary(entries []Entry, w ObjectWriter, b Boundary) (objects.ID, error) {
	sorted := append([]Entry(nil), entries...)
	sortEntries(sorted)

	// An empty directory has nothing to group: its root is the marker alone.
	if len(sorted) == 0 {
		marker, err := w.Write(objects.Blob, nil)
		if err != nil {
			return objects.ID{}, fmt.Errorf("treesplit: write .bupd marker: %w", err)
		}
		return treebuild.BuildDirectory([]objects.Entry{{Mode: objects.ModeFile, Name: bupdMarkerName, ID: marker}}, w)
	}

	s := &splitter{w: w, boundary: b}
	for i, e := range sorted {
		s.append(e)
		if i == len(sorted)-1 {
			break
		}
		if boundary, level := s.boundary.Check(e.Name); boundary {
			for l := 0; l < level; l++ {
				if err := s.closeLevel(l); err != nil {
					return objects.ID{}, err
				}
			}
		}
	}

	// The direct-entry group is always wrapped (and its .bupm written)
	// even if it never crossed a natural boundary, so that trivial
	// directories still get a distinct, metadata-bearing subtree.
	if len(s.pending) > 0 && len(s.pending[0]) > 0 {
		if err := s.closeLevel(0); err != nil {
			return objects.ID{}, err
		}
	}

	final, err := s.collapse()
	if err != nil {
		return objects.ID{}, err
	}

	marker, err := w.Write(objects.Blob, nil)
	if err != nil {
		return objects.ID{}, fmt.Errorf("treesplit: write .bupd marker: %w", err)
	}

	rootEntries := []objects.Entry{
		{Mode: final.mode, Name: final.name, ID: final.id},
		{Mode: objects.ModeFile, Name: bupdMarkerName, ID: marker},
	}
	objects.SortEntries(rootEntries)
	return treebuild.BuildDirectory(rootEntries, w)
}

type splitter struct {
	w        ObjectWriter
	boundary Boundary
	pending  []([]bucket)
	counter  int
}

func (s *splitter) append(e Entry) {
	if len(s.pending) == 0 {
		s.pending = append(s.pending, nil)
	}
	s.pending[0] = append(s.pending[0], bucket{name: e.Name, mode: e.Mode, id: e.ID, metas: [][]byte{e.Meta}})
}

func trailingOnes(v uint32) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

func (s *splitter) ensure(level int) {
	for len(s.pending) <= level {
		s.pending = append(s.pending, nil)
	}
}

// closeLevel writes a subtree object from pending[level] and appends a
// synthetic bucket entry referencing it onto pending[level+1]. Level 0
// groups carry real metadata and get their own ".bupm"; higher levels
// are pure fan-in over already-built subtrees and carry none.
func (s *splitter) closeLevel(level int) error {
	s.ensure(level)
	items := s.pending[level]
	if len(items) == 0 {
		return nil
	}
	s.pending[level] = nil

	var treeEntries []objects.Entry
	for _, it := range items {
		treeEntries = append(treeEntries, objects.Entry{Mode: it.mode, Name: it.name, ID: it.id})
	}

	if level == 0 {
		var metaBuf bytes.Buffer
		for _, it := range items {
			metaBuf.Write(it.metas[0])
		}
		metaID, err := s.w.Write(objects.Blob, metaBuf.Bytes())
		if err != nil {
			return fmt.Errorf("treesplit: write .bupm at level 0: %w", err)
		}
		treeEntries = append(treeEntries, objects.Entry{Mode: objects.ModeFile, Name: bupmName, ID: metaID})
	}

	objects.SortEntries(treeEntries)
	subtreeID, err := treebuild.BuildDirectory(treeEntries, s.w)
	if err != nil {
		return fmt.Errorf("treesplit: build subtree at level %d: %w", level, err)
	}

	s.ensure(level + 1)
	s.counter++
	name := fmt.Sprintf("%04x", s.counter)
	s.pending[level+1] = append(s.pending[level+1], bucket{name: name, mode: objects.ModeDir, id: subtreeID})
	return nil
}

// collapse repeatedly closes the lowest non-empty level until exactly
// one bucket remains at the topmost level, and returns it.
func (s *splitter) collapse() (bucket, error) {
	for {
		lowest := -1
		for l := 0; l < len(s.pending); l++ {
			if len(s.pending[l]) > 0 {
				lowest = l
				break
			}
		}
		if lowest == -1 {
			return bucket{}, fmt.Errorf("treesplit: empty directory tree (unreachable)")
		}
		onlyLevelLeft := true
		for l := lowest + 1; l < len(s.pending); l++ {
			if len(s.pending[l]) > 0 {
				onlyLevelLeft = false
				break
			}
		}
		if onlyLevelLeft && len(s.pending[lowest]) == 1 {
			return s.pending[lowest][0], nil
		}
		if err := s.closeLevel(lowest); err != nil {
			return bucket{}, err
		}
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sortKey() < entries[j].sortKey()
	})
}

// IsSplitRoot reports whether a decoded tree carries the ".bupd" marker
// that identifies it as tree-split, per spec.md §4.I: "readers discover
// split-ness by a marker file <prefix>.bupd at the root level".
func IsSplitRoot(t objects.Tree) bool {
	for _, e := range t.Entries {
		if e.Name == bupdMarkerName {
			return true
		}
	}
	return false
}
