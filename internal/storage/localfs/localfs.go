// Package localfs implements the local filesystem storage driver: the
// spec.md §6 storage-driver capability set (list_prefix, read, write,
// cas_ref, delete) realized directly over a directory tree, grounded on
// the teacher's FileCAS atomic temp-then-rename write path. AWS/S3/
// DynamoDB drivers are out of scope (spec.md §1); this is the one
// driver needed to exercise the save path end-to-end without a remote
// backend.
package localfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tgentry/packvault/internal/repoerr"
)

// ClassHint mirrors spec.md §6's per-tier placement hint. localfs
// ignores it for placement (there's only one tier on a local disk) but
// still accepts it so the driver satisfies the same call shape remote
// drivers do.
type ClassHint string

const (
	ClassIdxSmall  ClassHint = "idx_small"
	ClassIdxLarge  ClassHint = "idx_large"
	ClassMetaSmall ClassHint = "meta_small"
	ClassMetaLarge ClassHint = "meta_large"
	ClassDataSmall ClassHint = "data_small"
	ClassDataLarge ClassHint = "data_large"
)

// ErrNotExist is returned by Read when name has no stored object.
var ErrNotExist = errors.New("localfs: object does not exist")

// Driver implements the storage-driver interface over a root directory.
// cas_ref targets (refs) are serialized with an in-process mutex since a
// local filesystem offers no native conditional-write primitive; write
// of finalized, content-addressed names relies on atomic rename instead,
// the same durability pattern as cas_ref.
type Driver struct {
	root  string
	casMu sync.Mutex
}

// New opens a local storage driver rooted at dir, creating it if absent.
func New(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Driver{root: dir}, nil
}

// Root returns the directory this driver is rooted at, for callers (pack
// finalize results, quarantine reporting) that need to surface an absolute
// path alongside a driver-relative name.
func (d *Driver) Root() string { return d.root }

func (d *Driver) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// CreateTemp opens a new temp file directly under the driver's root,
// following the pattern glob (e.g. "pack-*.tmp"). Callers that stream
// content too large to buffer before naming it (the pack writer) use this
// instead of Write, then finalize with Rename once the content-addressed
// name is known.
func (d *Driver) CreateTemp(pattern string) (*os.File, error) {
	return os.CreateTemp(d.root, pattern)
}

// Rename moves a temp file produced by CreateTemp into place under name,
// creating any parent directories name implies.
func (d *Driver) Rename(tmpPath, name string) error {
	target := d.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("create parent dir: %w", err))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("rename into place: %w", err))
	}
	return nil
}

// Overwrite is Write without the put-if-absent short-circuit: it always
// replaces name's content, atomically, via the same temp-then-rename
// pattern. Used to re-encrypt a pack/idx/midx in place after Write already
// landed its plaintext form.
func (d *Driver) Overwrite(name string, data []byte) error {
	target := d.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return repoerr.StorageFatal(name, fmt.Errorf("create parent dir: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return repoerr.StorageFatal(name, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("rename into place: %w", err))
	}
	return nil
}

// Move renames a stored object from oldName to newName, used by quarantine
// to shift a corrupt pack/idx pair aside without copying their bytes.
func (d *Driver) Move(oldName, newName string) error {
	target := d.path(newName)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return repoerr.StorageFatal(newName, fmt.Errorf("create parent dir: %w", err))
	}
	if err := os.Rename(d.path(oldName), target); err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return repoerr.StorageFatal(oldName, fmt.Errorf("move to %s: %w", newName, err))
	}
	return nil
}

// ListPrefix returns every stored name beginning with prefix, sorted.
func (d *Driver) ListPrefix(prefix string) ([]string, error) {
	var names []string
	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(filepath.Base(name), ".tmp-") {
			return nil
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localfs: list prefix %q: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the full contents of name, or ErrNotExist if absent.
// rangeStart/rangeEnd select a byte range; rangeEnd of -1 means "to
// end of file", matching spec.md's `read(name, range)` signature.
func (d *Driver) Read(name string, rangeStart, rangeEnd int64) ([]byte, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("localfs: open %s: %w", name, err)
	}
	defer f.Close()

	if rangeStart == 0 && rangeEnd < 0 {
		data, err := readAll(f)
		if err != nil {
			return nil, fmt.Errorf("localfs: read %s: %w", name, err)
		}
		return data, nil
	}

	if _, err := f.Seek(rangeStart, 0); err != nil {
		return nil, fmt.Errorf("localfs: seek %s: %w", name, err)
	}
	var length int64 = -1
	if rangeEnd >= 0 {
		length = rangeEnd - rangeStart
	}
	if length < 0 {
		data, err := readAll(f)
		if err != nil {
			return nil, fmt.Errorf("localfs: read %s: %w", name, err)
		}
		return data, nil
	}
	buf := make([]byte, length)
	n, err := readFull(f, buf)
	if err != nil {
		return nil, fmt.Errorf("localfs: read range %s: %w", name, err)
	}
	return buf[:n], nil
}

func readAll(f *os.File) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(f)
	return buf.Bytes(), err
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write stores data under name with put-if-absent semantics on
// finalized, content-addressed names: if name already exists, Write is
// a no-op success (the object is already durable). classHint is
// accepted but unused on a single-tier local disk.
func (d *Driver) Write(name string, data []byte, classHint ClassHint) error {
	target := d.path(name)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return repoerr.StorageFatal(name, fmt.Errorf("create parent dir: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return repoerr.StorageFatal(name, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return repoerr.StorageFatal(name, fmt.Errorf("rename into place: %w", err))
	}
	return nil
}

// CASRef implements `cas_ref(name, expected, new) -> bool`: the one
// operation spec.md §6 requires strict atomicity for. A local disk has
// no conditional-put primitive, so this serializes through an
// in-process mutex and a read-compare-write sequence; callers in a
// single packvault process see true atomicity, which is the only
// concurrency domain a local driver is meant to serve.
func (d *Driver) CASRef(name string, expected, newValue []byte) (bool, error) {
	d.casMu.Lock()
	defer d.casMu.Unlock()

	target := d.path(name)
	current, err := os.ReadFile(target)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, repoerr.StorageFatal(name, fmt.Errorf("read current ref: %w", err))
		}
		current = nil
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, repoerr.StorageFatal(name, fmt.Errorf("create parent dir: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return false, repoerr.StorageFatal(name, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(newValue); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, repoerr.StorageFatal(name, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, repoerr.StorageFatal(name, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return false, repoerr.StorageFatal(name, fmt.Errorf("rename into place: %w", err))
	}
	return true, nil
}

// Delete removes name. Unused by the save path (spec.md §6: "delete
// (unused by save)"), kept for driver-interface completeness and for
// reaping abandoned temp state.
func (d *Driver) Delete(name string) error {
	err := os.Remove(d.path(name))
	if err != nil && !os.IsNotExist(err) {
		return repoerr.StorageFatal(name, fmt.Errorf("delete: %w", err))
	}
	return nil
}
