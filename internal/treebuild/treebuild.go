// Package treebuild implements the tree builder (component H): turning a
// file's byte stream into a balanced tree of blob objects, and turning a
// directory's sorted entries into directory tree objects.
//
// A file whose content hashsplits into a single blob has that blob's ID
// as its content ID directly — no wrapping tree object is written. A
// file that splits into more than one blob gets its blob IDs
// concatenated into a byte stream and fed through a second hashsplit
// pass (over IDs rather than content bytes); each boundary in that
// second pass closes a subtree object, and level-≥1 boundaries close
// progressively higher subtrees, producing a tree whose branching
// factor is governed by the same rolling hash as the content split.
package treebuild

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tgentry/packvault/internal/hashsplit"
	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/rollsum"
)

// ObjectWriter is the subset of the object store facade (component G)
// that tree building needs: content-addressed, dedup-before-insert
// writes.
type ObjectWriter interface {
	Write(t objects.Type, payload []byte) (objects.ID, error)
}

// IDBoundary is the pluggable boundary-decision strategy buildIDTree
// threads each child blob ID through when assembling the second-order
// tree over an ID stream. The default, rollingIDBoundary, feeds each
// ID's 20 bytes through the same rolling checksum content chunking
// uses; tests inject an alternative implementation to reproduce a
// chosen tree shape deterministically, the constructor-injection seam
// spec.md §9 calls for in place of the source's runtime monkey-patch.
type IDBoundary interface {
	// Check consumes id and reports whether a boundary falls immediately
	// after it and, if so, how many pending levels it closes.
	Check(id objects.ID) (boundary bool, level int)
}

type rollingIDBoundary struct {
	bits uint
	roll *rollsum.Rollsum
}

// NewRollingIDBoundary returns the default rolling-checksum IDBoundary at
// the given significance.
func NewRollingIDBoundary(bits uint) IDBoundary {
	return &rollingIDBoundary{bits: bits, roll: rollsum.New()}
}

func (r *rollingIDBoundary) Check(id objects.ID) (bool, int) {
	mask := uint32(1)<<r.bits - 1
	var digest uint32
	for _, b := range id[:] {
		digest = r.roll.Roll(b)
	}
	if digest&mask != 0 {
		return false, 0
	}
	return true, trailingOnes(digest>>r.bits) + 1
}

// BatchObjectWriter is ObjectWriter extended with a bulk write path that
// lets a caller pipeline a batch of objects' compression across
// internal/pack's worker pool (spec.md §5: "hashing, compression,
// encryption, and I/O may be pipelined across worker threads") instead of
// writing one at a time on this goroutine. internal/repo.Store satisfies
// this.
type BatchObjectWriter interface {
	ObjectWriter
	WriteBatch(t objects.Type, payloads [][]byte) ([]objects.ID, error)
}

// BuildFileBatched is BuildFile for a writer that can compress a file's
// blobs concurrently: it hashsplits r fully before writing anything so
// every chunk is ready at once, submits them all through WriteBatch, and
// assembles the resulting ID stream into a tree exactly as BuildFile
// does. Prefer this over BuildFile whenever w supports it — only a
// handful of very small files pay more for the upfront buffering than
// they'd save in pipelined compression.
func BuildFileBatched(r io.Reader, params hashsplit.Params, w BatchObjectWriter) (objects.ID, error) {
	sp := hashsplit.New(r, params)

	var chunks [][]byte
	for {
		chunk, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return objects.ID{}, fmt.Errorf("treebuild: hashsplit content: %w", err)
		}
		chunks = append(chunks, chunk.Data)
	}

	if len(chunks) == 0 {
		return w.Write(objects.Blob, nil)
	}

	ids, err := w.WriteBatch(objects.Blob, chunks)
	if err != nil {
		return objects.ID{}, fmt.Errorf("treebuild: write blob batch: %w", err)
	}
	if len(ids) == 1 {
		return ids[0], nil
	}
	return buildIDTreeWithBoundary(ids, w, NewRollingIDBoundary(params.Bits))
}

// BuildFile hashsplits r's content into blobs, writes each through w, and
// returns the file's top-level content ID.
func BuildFile(r io.Reader, params hashsplit.Params, w ObjectWriter) (objects.ID, error) {
	sp := hashsplit.New(r, params)

	var ids []objects.ID
	for {
		chunk, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return objects.ID{}, fmt.Errorf("treebuild: hashsplit content: %w", err)
		}
		id, err := w.Write(objects.Blob, chunk.Data)
		if err != nil {
			return objects.ID{}, fmt.Errorf("treebuild: write blob: %w", err)
		}
		ids = append(ids, id)
	}

	switch len(ids) {
	case 0:
		// Empty file: one empty blob, no subtree needed.
		return w.Write(objects.Blob, nil)
	case 1:
		return ids[0], nil
	default:
		return buildIDTreeWithBoundary(ids, w, NewRollingIDBoundary(params.Bits))
	}
}

// buildIDTreeWithBoundary is buildIDTree with the boundary-decision
// strategy supplied by the caller.
func buildIDTreeWithBoundary(ids []objects.ID, w ObjectWriter, b IDBoundary) (objects.ID, error) {
	// pending[level] accumulates child IDs not yet closed into a subtree
	// at that level. Closing level L writes a subtree object from
	// pending[L] and appends its ID onto pending[L+1].
	var pending [][]objects.ID

	closeLevel := func(level int) error {
		if level >= len(pending) || len(pending[level]) == 0 {
			return nil
		}
		children := pending[level]
		pending[level] = nil
		id, err := w.Write(objects.Tree, encodeSubtree(children))
		if err != nil {
			return fmt.Errorf("treebuild: write subtree at level %d: %w", level, err)
		}
		for len(pending) <= level+1 {
			pending = append(pending, nil)
		}
		pending[level+1] = append(pending[level+1], id)
		return nil
	}

	ensure := func(level int) {
		for len(pending) <= level {
			pending = append(pending, nil)
		}
	}

	for i, id := range ids {
		ensure(0)
		pending[0] = append(pending[0], id)

		if i == len(ids)-1 {
			break // last id closes nothing on its own; the final collapse below handles it
		}

		boundary, level := b.Check(id)
		if !boundary {
			continue
		}
		for l := 0; l < level; l++ {
			if err := closeLevel(l); err != nil {
				return objects.ID{}, err
			}
		}
	}

	// Collapse whatever remains into a single root: repeatedly close the
	// lowest level still holding more than one pending child, stopping
	// once exactly one ID remains at the topmost non-empty level (no
	// point wrapping a lone surviving ID in further single-child trees).
	for {
		lowest := -1
		for l := 0; l < len(pending); l++ {
			if len(pending[l]) > 0 {
				lowest = l
				break
			}
		}
		if lowest == -1 {
			return objects.ID{}, fmt.Errorf("treebuild: empty id tree (unreachable)")
		}
		onlyLevelLeft := true
		for l := lowest + 1; l < len(pending); l++ {
			if len(pending[l]) > 0 {
				onlyLevelLeft = false
				break
			}
		}
		if onlyLevelLeft && len(pending[lowest]) == 1 {
			return pending[lowest][0], nil
		}
		if err := closeLevel(lowest); err != nil {
			return objects.ID{}, err
		}
	}
}

func trailingOnes(v uint32) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

// encodeSubtree concatenates child IDs with no header: subtree objects
// are anonymous fan-in nodes, unlike directory trees which carry names
// and modes (see internal/objects.EncodeTree).
func encodeSubtree(ids []objects.ID) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.Write(id[:])
	}
	return buf.Bytes()
}

// DecodeSubtree is the inverse of encodeSubtree, exported for readers
// that walk a chunked file's tree.
func DecodeSubtree(payload []byte) ([]objects.ID, error) {
	if len(payload)%20 != 0 {
		return nil, fmt.Errorf("treebuild: subtree payload length %d not a multiple of 20", len(payload))
	}
	ids := make([]objects.ID, len(payload)/20)
	for i := range ids {
		copy(ids[i][:], payload[i*20:(i+1)*20])
	}
	return ids, nil
}

// BuildDirectory writes a single, non-split directory tree object from
// already-canonically-ordered entries (see objects.SortEntries). Used
// for every directory when bup.treesplit is disabled, and by
// internal/treesplit to write each subtree and root it builds.
func BuildDirectory(entries []objects.Entry, w ObjectWriter) (objects.ID, error) {
	payload, err := objects.EncodeTree(objects.Tree{Entries: entries})
	if err != nil {
		return objects.ID{}, fmt.Errorf("treebuild: encode directory: %w", err)
	}
	return w.Write(objects.Tree, payload)
}
