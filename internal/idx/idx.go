// Package idx implements the pack index (component E): a sorted map from
// object ID to its (CRC, offset, type) within exactly one pack, with a
// 256-entry fanout table for fast range narrowing ahead of a binary search.
//
// On-disk format (version 2):
//
//	magic       [4]byte  "\377tOc"
//	version     uint32   2
//	fanout      [256]uint32 big-endian; fanout[b] = count of IDs with first byte <= b
//	ids         [N]byte20   sorted ascending, N = fanout[255]
//	crcs        [N]uint32   low 29 bits: CRC-32 of the compressed pack record
//	                        high 3 bits: object type tag (objects.Type)
//	offsets     [N]uint32   pack offset, or a sentinel if it does not fit
//	largeOffsets[]uint64    overflow table for offsets >= 1<<31, MSB-sentinel order
//	packDigest  [20]byte    repeated from the .pack trailer
//	idxDigest   [20]byte    SHA-1 over everything above
package idx

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // on-disk format digest, not a security boundary
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tgentry/packvault/internal/objects"
)

var magic = [4]byte{0xff, 't', 'O', 'c'}

const version = 2

const largeOffsetSentinel = 1 << 31

// typeTagBits is how many high bits of the CRC field carry the object
// type, per spec.md §4.E: "the CRC field secondarily carries the object's
// type in its high bits (design-mandated for encrypted repos where
// restoring from only the idx requires knowing object types without
// reading the pack)."
const typeTagBits = 3
const crcMask = (1 << (32 - typeTagBits)) - 1

// Entry is one record bound for the index: the object's ID, the CRC-32 of
// its compressed on-disk record, its byte offset within the pack, and its
// type.
type Entry struct {
	ID     objects.ID
	CRC    uint32
	Offset uint64
	Type   objects.Type
}

// Idx is a fully-loaded in-memory index, ready for Find or for writing.
type Idx struct {
	Fanout     [256]uint32
	IDs        []objects.ID
	CRCs       []uint32 // includes the type tag in the high bits
	Offsets    []uint32 // large-offset entries carry largeOffsetSentinel|idx
	Large      []uint64
	PackDigest [20]byte
}

// Build sorts entries by ID and constructs the in-memory Idx. Entries must
// all belong to one pack.
func Build(entries []Entry, packDigest [20]byte) (*Idx, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID[:], sorted[j].ID[:]) < 0
	})

	ix := &Idx{
		IDs:        make([]objects.ID, len(sorted)),
		CRCs:       make([]uint32, len(sorted)),
		Offsets:    make([]uint32, len(sorted)),
		PackDigest: packDigest,
	}

	for i, e := range sorted {
		if i > 0 && ix.IDs[i-1] == e.ID {
			return nil, fmt.Errorf("build idx: duplicate object id %s", e.ID)
		}
		ix.IDs[i] = e.ID
		ix.CRCs[i] = (uint32(e.Type) << (32 - typeTagBits)) | (e.CRC & crcMask)
		if e.Offset >= largeOffsetSentinel {
			ix.Offsets[i] = largeOffsetSentinel | uint32(len(ix.Large))
			ix.Large = append(ix.Large, e.Offset)
		} else {
			ix.Offsets[i] = uint32(e.Offset)
		}
		ix.Fanout[e.ID[0]]++
	}
	// Convert per-byte counts into a running total: monotonic and
	// consistent with the sorted ID array, per spec.md invariant 3.
	running := uint32(0)
	for b := 0; b < 256; b++ {
		running += ix.Fanout[b]
		ix.Fanout[b] = running
	}
	return ix, nil
}

// Find looks up id and returns its (offset, crc, type), or ok=false.
func (ix *Idx) Find(id objects.ID) (offset uint64, crc uint32, typ objects.Type, ok bool) {
	lo := uint32(0)
	if id[0] > 0 {
		lo = ix.Fanout[id[0]-1]
	}
	hi := ix.Fanout[id[0]]

	i := sort.Search(int(hi-lo), func(i int) bool {
		return bytes.Compare(ix.IDs[lo+uint32(i)][:], id[:]) >= 0
	})
	idx := lo + uint32(i)
	if idx >= hi || ix.IDs[idx] != id {
		return 0, 0, 0, false
	}

	crcField := ix.CRCs[idx]
	typ = objects.Type(crcField >> (32 - typeTagBits))
	crc = crcField & crcMask

	off := ix.Offsets[idx]
	if off&largeOffsetSentinel != 0 {
		offset = ix.Large[off&^uint32(largeOffsetSentinel)]
	} else {
		offset = uint64(off)
	}
	return offset, crc, typ, true
}

// Len returns the number of indexed objects.
func (ix *Idx) Len() int { return len(ix.IDs) }

// Write serializes ix to w in the on-disk format described in the package
// doc comment, computing and appending the idx's own digest.
func (ix *Idx) Write(w io.Writer) error {
	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(version)); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.BigEndian, ix.Fanout); err != nil {
		return err
	}
	for _, id := range ix.IDs {
		if _, err := mw.Write(id[:]); err != nil {
			return err
		}
	}
	for _, c := range ix.CRCs {
		if err := binary.Write(mw, binary.BigEndian, c); err != nil {
			return err
		}
	}
	for _, o := range ix.Offsets {
		if err := binary.Write(mw, binary.BigEndian, o); err != nil {
			return err
		}
	}
	for _, o := range ix.Large {
		if err := binary.Write(mw, binary.BigEndian, o); err != nil {
			return err
		}
	}
	if _, err := mw.Write(ix.PackDigest[:]); err != nil {
		return err
	}
	sum := h.Sum(nil)
	_, err := w.Write(sum)
	return err
}

// Load parses the on-disk format, verifying magic, version and the
// trailing idx digest.
func Load(r io.ReadSeeker) (*Idx, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("load idx: %w", err)
	}
	if len(all) < 20 {
		return nil, fmt.Errorf("load idx: truncated file")
	}
	body, storedDigest := all[:len(all)-20], all[len(all)-20:]

	h := sha1.New() //nolint:gosec
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), storedDigest) {
		return nil, fmt.Errorf("load idx: digest mismatch (corrupt index)")
	}

	br := bytes.NewReader(body)
	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return nil, fmt.Errorf("load idx: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("load idx: bad magic")
	}
	var ver uint32
	if err := binary.Read(br, binary.BigEndian, &ver); err != nil {
		return nil, fmt.Errorf("load idx: %w", err)
	}
	if ver != version {
		return nil, fmt.Errorf("load idx: unsupported version %d", ver)
	}

	ix := &Idx{}
	if err := binary.Read(br, binary.BigEndian, &ix.Fanout); err != nil {
		return nil, fmt.Errorf("load idx: read fanout: %w", err)
	}
	for b := 1; b < 256; b++ {
		if ix.Fanout[b] < ix.Fanout[b-1] {
			return nil, fmt.Errorf("load idx: fanout not monotonic at byte %d", b)
		}
	}
	n := ix.Fanout[255]

	ix.IDs = make([]objects.ID, n)
	for i := range ix.IDs {
		if _, err := io.ReadFull(br, ix.IDs[i][:]); err != nil {
			return nil, fmt.Errorf("load idx: read id %d: %w", i, err)
		}
	}
	ix.CRCs = make([]uint32, n)
	for i := range ix.CRCs {
		if err := binary.Read(br, binary.BigEndian, &ix.CRCs[i]); err != nil {
			return nil, fmt.Errorf("load idx: read crc %d: %w", i, err)
		}
	}
	ix.Offsets = make([]uint32, n)
	nLarge := uint32(0)
	for i := range ix.Offsets {
		if err := binary.Read(br, binary.BigEndian, &ix.Offsets[i]); err != nil {
			return nil, fmt.Errorf("load idx: read offset %d: %w", i, err)
		}
		if ix.Offsets[i]&largeOffsetSentinel != 0 {
			if c := (ix.Offsets[i] &^ largeOffsetSentinel) + 1; c > nLarge {
				nLarge = c
			}
		}
	}
	ix.Large = make([]uint64, nLarge)
	for i := range ix.Large {
		if err := binary.Read(br, binary.BigEndian, &ix.Large[i]); err != nil {
			return nil, fmt.Errorf("load idx: read large offset %d: %w", i, err)
		}
	}
	if _, err := io.ReadFull(br, ix.PackDigest[:]); err != nil {
		return nil, fmt.Errorf("load idx: read pack digest: %w", err)
	}
	return ix, nil
}

// WriteFile writes ix to a temp file alongside path and renames it into
// place atomically, following the save path's general crash-safety
// pattern: no reader ever observes a half-written idx.
func WriteFile(path string, ix *Idx) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create idx temp file: %w", err)
	}
	if err := ix.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write idx: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync idx: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close idx: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename idx into place: %w", err)
	}
	return nil
}

// LoadFile opens and parses an idx file from disk.
func LoadFile(path string) (*Idx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open idx %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}
