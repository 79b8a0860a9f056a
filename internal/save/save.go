package save

import (
	"fmt"
	"io"
	"strings"

	"github.com/tgentry/packvault/internal/config"
	"github.com/tgentry/packvault/internal/hashsplit"
	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/treebuild"
	"github.com/tgentry/packvault/internal/treesplit"
)

// Store is the write surface Save needs from the object store facade
// (component G): a dedup-before-insert write, and a bulk write that lets
// a file's blobs pipeline their compression across internal/pack's
// worker pool instead of paying one zlib pass per blob on this
// goroutine (spec.md §5). internal/repo.Store satisfies this directly.
type Store interface {
	treebuild.ObjectWriter
	WriteBatch(t objects.Type, payloads [][]byte) ([]objects.ID, error)
}

// record is what Save accumulates per not-yet-closed directory: the
// built child entry plus the stat_bytes its own WalkEntry carried, which
// becomes that entry's opaque Meta if the parent directory ends up
// tree-split.
type record struct {
	entry objects.Entry
	meta  []byte
}

// Save drains src (spec.md §6's walk_entry stream) and builds the
// corresponding object graph: each file through internal/treebuild
// (component H), each directory through internal/treesplit when
// bup.treesplit is enabled or treebuild.BuildDirectory otherwise
// (component I), every object written through store (component G). It
// returns the root tree ID for the walked path; the caller is
// responsible for folding that into a commit (see internal/repo.Store's
// CommitRef).
func Save(src EntrySource, store Store, cfg *config.Config) (objects.ID, error) {
	children := map[string][]record{}
	bits := hashsplit.Params{Bits: uint(cfg.Bup.BlobBits)}

	for {
		entry, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return objects.ID{}, fmt.Errorf("save: read entry: %w", err)
		}
		if err := consume(entry, children, store, cfg, bits); err != nil {
			return objects.ID{}, err
		}
	}

	return buildDirectoryFrom(children[""], store, cfg)
}

func consume(e WalkEntry, children map[string][]record, store Store, cfg *config.Config, bits hashsplit.Params) error {
	parent, name := splitPath(e.Path)

	if e.Mode == objects.ModeDir {
		group := children[e.Path]
		delete(children, e.Path)
		id, err := buildDirectoryFrom(group, store, cfg)
		if err != nil {
			return fmt.Errorf("save: build directory %q: %w", e.Path, err)
		}
		children[parent] = append(children[parent], record{
			entry: objects.Entry{Mode: objects.ModeDir, Name: name, ID: id},
			meta:  e.StatBytes,
		})
		return nil
	}

	id, err := writeLeaf(e, store, bits)
	if err != nil {
		return fmt.Errorf("save: write %q: %w", e.Path, err)
	}
	children[parent] = append(children[parent], record{
		entry: objects.Entry{Mode: e.Mode, Name: name, ID: id},
		meta:  e.StatBytes,
	})
	return nil
}

func writeLeaf(e WalkEntry, store Store, bits hashsplit.Params) (objects.ID, error) {
	defer func() {
		if rc, ok := e.Content.(io.Closer); ok {
			rc.Close()
		}
	}()

	if e.Mode == objects.ModeSymlink {
		target, err := io.ReadAll(e.Content)
		if err != nil {
			return objects.ID{}, fmt.Errorf("read symlink target: %w", err)
		}
		return store.Write(objects.Blob, target)
	}
	return treebuild.BuildFileBatched(e.Content, bits, store)
}

// buildDirectoryFrom assembles one directory's already-collected child
// records into a tree object, routing through internal/treesplit when
// bup.treesplit is enabled.
func buildDirectoryFrom(group []record, store Store, cfg *config.Config) (objects.ID, error) {
	entries := make([]objects.Entry, len(group))
	for i, r := range group {
		entries[i] = r.entry
	}
	objects.SortEntries(entries)

	if !cfg.Bup.TreeSplit {
		return treebuild.BuildDirectory(entries, store)
	}

	tsEntries := make([]treesplit.Entry, len(group))
	for i, r := range group {
		tsEntries[i] = treesplit.Entry{Name: r.entry.Name, Mode: r.entry.Mode, ID: r.entry.ID, Meta: r.meta}
	}
	return treesplit.Split(tsEntries, treesplit.DefaultBits, store)
}

func splitPath(p string) (parent, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// CombineRoots wraps multiple independently-walked PATH arguments (each
// already reduced to its own root tree ID by Save) under one synthetic
// directory, named per each walker's WrapperName, so a multi-path save
// still produces a single commit tree. names must already be the wrapper
// names (LocalWalker.WrapperName), not raw filesystem paths.
func CombineRoots(names []string, roots []objects.ID, store Store) (objects.ID, error) {
	entries := make([]objects.Entry, len(names))
	for i, n := range names {
		entries[i] = objects.Entry{Mode: objects.ModeDir, Name: n, ID: roots[i]}
	}
	objects.SortEntries(entries)
	return treebuild.BuildDirectory(entries, store)
}
