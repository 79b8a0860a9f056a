// Package pack implements the pack writer (component D): an append-only
// file of compressed, typed objects, finalized to a name derived from the
// digest of its own sorted object IDs.
//
// On-disk format:
//
//	header  magic "PVpk", version uint32, object_count uint32 (patched at close)
//	record* uint32 compressed_length, compressed_bytes
//	trailer [20]byte SHA-1 over every byte written above (header + records)
//
// The object's type is deliberately not stored in the record: it lives in
// the companion idx's CRC field (see internal/idx), so the pack stream
// itself carries no information an encrypted repo would need to hide.
package pack

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // on-disk format digest, not a security boundary
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"
	"github.com/tgentry/packvault/internal/idx"
	"github.com/tgentry/packvault/internal/objects"
)

// Driver is the subset of internal/storage/localfs.Driver's surface a pack
// writer needs: a temp file to stream into while the content-addressed
// name is still unknown, and the rename/overwrite primitives to land the
// finished pack and idx under that name once it is. Every pack byte that
// ever touches disk goes through this seam rather than a bare os call, so
// swapping the storage driver (spec.md §6) never touches this package.
type Driver interface {
	CreateTemp(pattern string) (*os.File, error)
	Rename(tmpPath, name string) error
	Overwrite(name string, data []byte) error
}

var magic = [4]byte{'P', 'V', 'p', 'k'}

const version = 2

const headerLen = 4 + 4 + 4 // magic + version + object_count

// Kind selects which logical pack stream an object belongs to when
// bup.separatemeta routes file data and metadata objects to distinct
// packs (spec.md §4.G).
type Kind uint8

const (
	KindData Kind = iota
	KindMeta
)

func (k Kind) String() string {
	if k == KindMeta {
		return "meta"
	}
	return "data"
}

// ErrPackFull is returned by Add when writing the object would push the
// pack past its configured size limit. The caller must Close the current
// writer, Open a new one, and retry the same Add call; an empty pack is
// always permitted to exceed the limit by the one object that triggered
// the check (spec.md §4.D: "a pack is permitted to exceed the limit by
// one object").
var ErrPackFull = errors.New("pack: size limit reached")

// Options configures a Writer.
type Options struct {
	// CompressionLevel is the zlib level passed to klauspost/compress/zlib.
	// Settings conventionally use 1 for unencrypted repos (speed) and -1
	// (zlib.DefaultCompression) when a subsequent encryption pass will
	// dominate the cost anyway.
	CompressionLevel int
	// SizeLimit is the soft pack-size ceiling in bytes.
	SizeLimit uint64
	// Workers bounds the CompressionPool AddBatch lazily starts to
	// pipeline compression ahead of the serial admission point (spec.md
	// §5). 0 picks CompressionPool's own default sizing. Unused by Add,
	// which always compresses inline on the caller's goroutine.
	Workers int
}

// DefaultOptions mirrors spec.md's stated defaults: level 1, ~1GB packs.
func DefaultOptions() Options {
	return Options{CompressionLevel: 1, SizeLimit: 1 << 30}
}

// Writer owns one open, not-yet-finalized pack file.
type Writer struct {
	driver  Driver
	kind    Kind
	opts    Options
	tmp     *os.File
	mw      io.Writer
	written uint64
	count   uint32
	entries []idx.Entry
	closed  bool
	pool    *CompressionPool
}

// Open creates a new temporary pack file through driver and writes its
// header.
func Open(driver Driver, kind Kind, opts Options) (*Writer, error) {
	if opts.SizeLimit == 0 {
		opts = DefaultOptions()
	}
	f, err := driver.CreateTemp("pack-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("pack: create temp file: %w", err)
	}
	w := &Writer{driver: driver, kind: kind, opts: opts, tmp: f}

	hasher := newTrackingHasher(f)
	w.mw = hasher

	var hdr bytes.Buffer
	hdr.Write(magic[:])
	binary.Write(&hdr, binary.BigEndian, uint32(version))
	binary.Write(&hdr, binary.BigEndian, uint32(0)) // object_count, patched at Close
	if _, err := w.mw.Write(hdr.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("pack: write header: %w", err)
	}
	w.written = headerLen
	return w, nil
}

// trackingHasher writes through to an underlying writer while feeding a
// running SHA-1 over the same bytes. Close does not use that running
// digest for the trailer: the trailer must cover the object_count patched
// into the header, so Close rehashes the finished file instead.
type trackingHasher struct {
	w io.Writer
	h hashState
}

type hashState = interface {
	io.Writer
	Sum(b []byte) []byte
}

func newTrackingHasher(w io.Writer) *trackingHasher {
	return &trackingHasher{w: w, h: sha1.New()} //nolint:gosec
}

func (t *trackingHasher) Write(p []byte) (int, error) {
	if _, err := t.h.Write(p); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

func (t *trackingHasher) Sum() [20]byte {
	var out [20]byte
	copy(out[:], t.h.Sum(nil))
	return out
}

// Add compresses payload, appends it as a length-prefixed record, and
// returns its object ID. If the record would push the pack past its size
// limit and at least one object has already been written, it returns
// ErrPackFull without writing anything; the caller should Close this
// writer, Open a fresh one, and retry.
func (w *Writer) Add(t objects.Type, payload []byte) (objects.ID, error) {
	if w.closed {
		return objects.ID{}, fmt.Errorf("pack: add on closed writer")
	}
	id := objects.Sum(t, payload)

	var cbuf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&cbuf, w.opts.CompressionLevel)
	if err != nil {
		return objects.ID{}, fmt.Errorf("pack: zlib writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return objects.ID{}, fmt.Errorf("pack: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return objects.ID{}, fmt.Errorf("pack: compress: %w", err)
	}
	compressed := cbuf.Bytes()

	recordLen := uint64(4 + len(compressed))
	if w.count > 0 && w.written+recordLen > w.opts.SizeLimit {
		return objects.ID{}, ErrPackFull
	}

	th, ok := w.mw.(*trackingHasher)
	if !ok {
		return objects.ID{}, fmt.Errorf("pack: internal writer misconfigured")
	}
	recordOffset := w.written

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(compressed)))
	if _, err := th.Write(lenPrefix[:]); err != nil {
		return objects.ID{}, fmt.Errorf("pack: write length prefix: %w", err)
	}
	if _, err := th.Write(compressed); err != nil {
		return objects.ID{}, fmt.Errorf("pack: write record: %w", err)
	}
	w.written += recordLen
	w.count++

	crc := crc32.ChecksumIEEE(compressed)
	w.entries = append(w.entries, idx.Entry{ID: id, CRC: crc, Offset: recordOffset, Type: t})

	return id, nil
}

// AddCompressed appends an already-compressed record (produced by a
// CompressionPool worker off the serial admission path). The caller is
// responsible for the id/type matching the compressed payload.
func (w *Writer) AddCompressed(id objects.ID, t objects.Type, compressed []byte) error {
	if w.closed {
		return fmt.Errorf("pack: add on closed writer")
	}
	recordLen := uint64(4 + len(compressed))
	if w.count > 0 && w.written+recordLen > w.opts.SizeLimit {
		return ErrPackFull
	}
	th := w.mw.(*trackingHasher)
	recordOffset := w.written

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(compressed)))
	if _, err := th.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("pack: write length prefix: %w", err)
	}
	if _, err := th.Write(compressed); err != nil {
		return fmt.Errorf("pack: write record: %w", err)
	}
	w.written += recordLen
	w.count++

	crc := crc32.ChecksumIEEE(compressed)
	w.entries = append(w.entries, idx.Entry{ID: id, CRC: crc, Offset: recordOffset, Type: t})
	return nil
}

// AddBatch compresses jobs concurrently through a lazily-started
// CompressionPool, then appends each result through AddCompressed in
// submission order — the pipelined half of spec.md §5's "hashing,
// compression, encryption, and I/O may be pipelined across worker threads,
// but the object admission point is a serial queue". Callers with more
// than a handful of objects ready at once (a file's hashsplit chunks, a
// directory's tree-split subtrees) should prefer this over looping Add so
// the zlib passes run off the caller's goroutine.
//
// If a record would overflow the pack's size limit, AddBatch stops and
// returns the ids appended so far alongside ErrPackFull; the caller closes
// this writer, opens a fresh one, and resubmits the remaining jobs.
func (w *Writer) AddBatch(jobs []CompressJob) ([]objects.ID, error) {
	if w.closed {
		return nil, fmt.Errorf("pack: add on closed writer")
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if w.pool == nil {
		w.pool = NewCompressionPool(w.opts.Workers, w.opts.CompressionLevel)
	}
	compressed, err := w.pool.Submit(jobs)
	if err != nil {
		return nil, fmt.Errorf("pack: compress batch: %w", err)
	}
	ids := make([]objects.ID, 0, len(compressed))
	for _, c := range compressed {
		if err := w.AddCompressed(c.ID, c.Type, c.Compressed); err != nil {
			return ids, err
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Len reports how many objects have been added so far.
func (w *Writer) Len() int { return len(w.entries) }

// Abort discards the temp file without finalizing anything, per spec.md's
// cancellation contract: "temp packs are unlinked; no idx is written".
func (w *Writer) Abort() error {
	w.closed = true
	if w.pool != nil {
		w.pool.Close()
	}
	name := w.tmp.Name()
	w.tmp.Close()
	return os.Remove(name)
}

// Result describes a finalized pack and its companion idx, named relative
// to the Driver they were written through.
type Result struct {
	ID      objects.ID
	Kind    Kind
	Pack    string
	Idx     string
	Entries []idx.Entry
}

// Close finalizes the pack: patches the object_count header field,
// appends the trailing whole-pack digest, computes the content-addressed
// pack ID from the digest of its sorted object IDs, builds and writes the
// companion idx, then atomically renames both into place.
func (w *Writer) Close() (Result, error) {
	if w.closed {
		return Result{}, fmt.Errorf("pack: already closed")
	}
	w.closed = true
	if w.pool != nil {
		w.pool.Close()
	}

	if _, err := w.tmp.Seek(8, io.SeekStart); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: seek to patch header: %w", err)
	}
	if err := binary.Write(w.tmp, binary.BigEndian, w.count); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: patch object count: %w", err)
	}

	// The trailer covers the patched header, so hash the file from the start.
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: seek to hash pack: %w", err)
	}
	h := sha1.New() //nolint:gosec
	if _, err := io.Copy(h, w.tmp); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: hash pack: %w", err)
	}
	var trailer [20]byte
	copy(trailer[:], h.Sum(nil))
	if _, err := w.tmp.Write(trailer[:]); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: write trailer: %w", err)
	}

	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return Result{}, fmt.Errorf("pack: fsync: %w", err)
	}
	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("pack: close temp file: %w", err)
	}

	sorted := append([]idx.Entry(nil), w.entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID[:], sorted[j].ID[:]) < 0
	})
	var idConcat bytes.Buffer
	for _, e := range sorted {
		idConcat.Write(e.ID[:])
	}
	sum := sha1.Sum(idConcat.Bytes()) //nolint:gosec
	var packID objects.ID
	copy(packID[:], sum[:])

	packName := fmt.Sprintf("pack-%s.pack", packID)
	idxName := fmt.Sprintf("pack-%s.idx", packID)

	if err := w.driver.Rename(tmpName, packName); err != nil {
		return Result{}, fmt.Errorf("pack: rename into place: %w", err)
	}

	ix, err := idx.Build(w.entries, trailer)
	if err != nil {
		return Result{}, fmt.Errorf("pack: build idx: %w", err)
	}
	var idxBuf bytes.Buffer
	if err := ix.Write(&idxBuf); err != nil {
		return Result{}, fmt.Errorf("pack: encode idx: %w", err)
	}
	if err := w.driver.Overwrite(idxName, idxBuf.Bytes()); err != nil {
		return Result{}, fmt.Errorf("pack: write idx: %w", err)
	}

	return Result{ID: packID, Kind: w.kind, Pack: packName, Idx: idxName, Entries: w.entries}, nil
}
