// Package midx implements the multi-pack index (component F): a union of
// many idx files into one sorted ID array plus a Bloom filter, so the
// object store facade can answer "does this ID exist anywhere" without
// opening every idx, and — on a Bloom hit — jump straight to the idx that
// actually holds the ID instead of scanning all of them.
//
// Midx is correct even with zero midxes built (the facade falls back to
// checking every idx); a stale midx, whose covered idxes were since
// deleted, is detected and ignored at load time by the caller.
package midx

import (
	"bytes"
	"container/heap"
	"crypto/sha1" //nolint:gosec // on-disk format digest
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/holiman/bloomfilter/v2"
	"github.com/tgentry/packvault/internal/idx"
	"github.com/tgentry/packvault/internal/objects"
)

var magic = [4]byte{0xff, 'M', 'I', 'x'}

const version = 1

// falsePositiveTarget is the Bloom filter's design false-positive rate,
// per spec.md §4.F ("Bloom false-positive rate target: <1%").
const falsePositiveTarget = 0.01

// Source is one idx file contributing to a midx build. Name is its
// canonical pack identifier (the hex digest used in "pack-<hex>.idx").
type Source struct {
	Name string
	Idx  *idx.Idx
}

// Midx is the in-memory union index.
type Midx struct {
	Sources []string // covered idx names, indexed by OriginIdx
	Fanout  [256]uint32
	IDs     []objects.ID
	Origin  []uint32 // parallel to IDs: index into Sources
	Bloom   *bloomfilter.Filter
}

type mergeItem struct {
	id     objects.ID
	source int
	pos    int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Build merges the sorted ID arrays of sources into one union index with a
// Bloom filter sized for the union at the package's false-positive target.
func Build(sources []Source) (*Midx, error) {
	total := 0
	for _, s := range sources {
		total += s.Idx.Len()
	}

	m := &Midx{}
	for _, s := range sources {
		m.Sources = append(m.Sources, s.Name)
	}

	h := &mergeHeap{}
	heap.Init(h)
	for si, s := range sources {
		if s.Idx.Len() == 0 {
			continue
		}
		heap.Push(h, mergeItem{id: s.Idx.IDs[0], source: si, pos: 0})
	}

	m.IDs = make([]objects.ID, 0, total)
	m.Origin = make([]uint32, 0, total)

	var prev objects.ID
	havePrev := false
	for h.Len() > 0 {
		top := heap.Pop(h).(mergeItem)
		if havePrev && top.id == prev {
			// Same object present in more than one pack: spec.md invariant
			// 1 says this cannot legitimately happen (dedup is total), but
			// a midx build is also where we'd catch a dedup violation, so
			// surface it loudly instead of silently picking one.
			return nil, fmt.Errorf("build midx: object %s present in more than one idx (%s and %s)",
				top.id, m.Sources[m.Origin[len(m.Origin)-1]], m.Sources[top.source])
		}
		m.IDs = append(m.IDs, top.id)
		m.Origin = append(m.Origin, uint32(top.source))
		m.Fanout[top.id[0]]++
		prev = top.id
		havePrev = true

		next := top.pos + 1
		if next < sources[top.source].Idx.Len() {
			heap.Push(h, mergeItem{id: sources[top.source].Idx.IDs[next], source: top.source, pos: next})
		}
	}

	running := uint32(0)
	for b := 0; b < 256; b++ {
		running += m.Fanout[b]
		m.Fanout[b] = running
	}

	bloom, err := newBloom(len(m.IDs))
	if err != nil {
		return nil, fmt.Errorf("build midx: bloom filter: %w", err)
	}
	for _, id := range m.IDs {
		bloom.Add(idKey(id))
	}
	m.Bloom = bloom

	return m, nil
}

func newBloom(n int) (*bloomfilter.Filter, error) {
	if n == 0 {
		n = 1
	}
	return bloomfilter.NewOptimal(uint64(n), falsePositiveTarget)
}

// idKey folds an object ID down to the 64-bit key the Bloom filter hashes
// internally via disjoint 32-bit halves (spec.md §4.F: "k hashes derived
// from disjoint 32-bit slices of each ID (no rehashing)").
func idKey(id objects.ID) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// MaybeContains is a cheap Bloom probe: false means id is definitely not
// in this midx; true means it might be, and Find should be consulted for
// a definitive answer.
func (m *Midx) MaybeContains(id objects.ID) bool {
	return m.Bloom.Contains(idKey(id))
}

// Find returns the name of the idx that holds id (for the caller to open
// and query directly), or ok=false if id is not in this midx. Callers
// should call MaybeContains first to avoid the binary search on a clear
// miss, though Find alone is also correct.
func (m *Midx) Find(id objects.ID) (sourceName string, ok bool) {
	if !m.MaybeContains(id) {
		return "", false
	}
	lo := uint32(0)
	if id[0] > 0 {
		lo = m.Fanout[id[0]-1]
	}
	hi := m.Fanout[id[0]]
	i := sort.Search(int(hi-lo), func(i int) bool {
		return bytes.Compare(m.IDs[lo+uint32(i)][:], id[:]) >= 0
	})
	pos := lo + uint32(i)
	if pos >= hi || m.IDs[pos] != id {
		return "", false
	}
	return m.Sources[m.Origin[pos]], true
}

// Covers reports whether every source this midx claims to cover is present
// in the given set of currently-known idx names. A midx failing this check
// is stale and must be ignored (spec.md: "a stale midx ... is ignored on
// load-time validation").
func (m *Midx) Covers(knownIdxNames map[string]bool) bool {
	for _, s := range m.Sources {
		if !knownIdxNames[s] {
			return false
		}
	}
	return true
}

// Write serializes the midx to w. Format: magic, version, source count,
// source names (length-prefixed), fanout, IDs, origin indices, bloom
// filter (uint32 byte length, then the filter's WriteTo serialization),
// trailing SHA-1 digest.
func (m *Midx) Write(w io.Writer) error {
	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(version)); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(len(m.Sources))); err != nil {
		return err
	}
	for _, s := range m.Sources {
		if err := binary.Write(mw, binary.BigEndian, uint32(len(s))); err != nil {
			return err
		}
		if _, err := io.WriteString(mw, s); err != nil {
			return err
		}
	}
	if err := binary.Write(mw, binary.BigEndian, m.Fanout); err != nil {
		return err
	}
	for _, id := range m.IDs {
		if _, err := mw.Write(id[:]); err != nil {
			return err
		}
	}
	for _, o := range m.Origin {
		if err := binary.Write(mw, binary.BigEndian, o); err != nil {
			return err
		}
	}
	var bloomBuf bytes.Buffer
	if _, err := m.Bloom.WriteTo(&bloomBuf); err != nil {
		return fmt.Errorf("serialize bloom filter: %w", err)
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(bloomBuf.Len())); err != nil {
		return err
	}
	if _, err := mw.Write(bloomBuf.Bytes()); err != nil {
		return err
	}

	sum := h.Sum(nil)
	_, err := w.Write(sum)
	return err
}

// Load parses the on-disk format written by Write.
func Load(r io.Reader) (*Midx, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("load midx: %w", err)
	}
	if len(all) < 20 {
		return nil, fmt.Errorf("load midx: truncated file")
	}
	body, storedDigest := all[:len(all)-20], all[len(all)-20:]
	h := sha1.New() //nolint:gosec
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), storedDigest) {
		return nil, fmt.Errorf("load midx: digest mismatch (corrupt midx)")
	}

	br := bytes.NewReader(body)
	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("load midx: bad magic")
	}
	var ver uint32
	if err := binary.Read(br, binary.BigEndian, &ver); err != nil {
		return nil, err
	}
	if ver != version {
		return nil, fmt.Errorf("load midx: unsupported version %d", ver)
	}

	m := &Midx{}
	var sourceCount uint32
	if err := binary.Read(br, binary.BigEndian, &sourceCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < sourceCount; i++ {
		var nameLen uint32
		if err := binary.Read(br, binary.BigEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, err
		}
		m.Sources = append(m.Sources, string(name))
	}
	if err := binary.Read(br, binary.BigEndian, &m.Fanout); err != nil {
		return nil, err
	}
	n := m.Fanout[255]
	m.IDs = make([]objects.ID, n)
	for i := range m.IDs {
		if _, err := io.ReadFull(br, m.IDs[i][:]); err != nil {
			return nil, err
		}
	}
	m.Origin = make([]uint32, n)
	for i := range m.Origin {
		if err := binary.Read(br, binary.BigEndian, &m.Origin[i]); err != nil {
			return nil, err
		}
	}
	var bloomLen uint32
	if err := binary.Read(br, binary.BigEndian, &bloomLen); err != nil {
		return nil, err
	}
	bloomBytes := make([]byte, bloomLen)
	if _, err := io.ReadFull(br, bloomBytes); err != nil {
		return nil, err
	}
	bloom, err := bloomfilter.NewOptimal(1, falsePositiveTarget)
	if err != nil {
		return nil, fmt.Errorf("load midx: allocate bloom filter: %w", err)
	}
	if _, err := bloom.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
		return nil, fmt.Errorf("load midx: read bloom filter: %w", err)
	}
	m.Bloom = bloom

	return m, nil
}

// WriteFile atomically writes m to path.
func WriteFile(path string, m *Midx) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create midx temp file: %w", err)
	}
	if err := m.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write midx: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync midx: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close midx: %w", err)
	}
	return os.Rename(tmp, path)
}
