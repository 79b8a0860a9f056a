// Package save implements the save orchestrator: the component that
// drains a depth-first walk_entry stream (spec.md §6) and drives it
// through the tree builder (component H), the tree-split directory
// encoder (component I), and the object store facade (component G),
// producing the root tree ID of the walked path. Wrapping that tree in a
// commit and moving a branch ref onto it is left to the caller.
//
// The walker that actually reads a filesystem is explicitly an external
// collaborator per spec.md §1 — the core only consumes the walk_entry
// shape. LocalWalker is the one concrete implementation this repository
// ships, so the save command has something real to drive.
package save

import (
	"encoding/binary"
	"io"

	"github.com/tgentry/packvault/internal/objects"
)

// WalkEntry is one record of the indexer → core stream spec.md §6
// describes: `walk_entry { path, mode, stat_bytes, content }`. Content is
// nil for directories (and for the symlink case is the link target, not
// file bytes).
type WalkEntry struct {
	Path      string
	Mode      objects.Mode
	StatBytes []byte
	Content   io.Reader
}

// EntrySource is anything that can be drained as a walk_entry stream.
// Directories must arrive depth-first, children before their own record
// (spec.md §6: "children before their parent's close_dir marker") — a
// directory's own record is what closes it, there is no separate open
// marker.
type EntrySource interface {
	// Next returns the next entry, or io.EOF once the stream is exhausted.
	Next() (WalkEntry, error)
}

// encodeStat packs the handful of POSIX fields the core ever needs to
// round-trip (mode bits, size, mtime) into the opaque stat_bytes blob
// treesplit.Entry.Meta carries uninterpreted. A real indexer would also
// fold in ownership/xattrs; this one sticks to what os.FileInfo exposes.
func encodeStat(modeBits uint32, size int64, mtimeUnixNano int64) []byte {
	buf := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(buf[0:4], modeBits)
	binary.BigEndian.PutUint64(buf[4:12], uint64(size))
	binary.BigEndian.PutUint64(buf[12:20], uint64(mtimeUnixNano))
	return buf
}
