package treebuild

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/tgentry/packvault/internal/hashsplit"
	"github.com/tgentry/packvault/internal/objects"
)

// memStore is a minimal ObjectWriter that dedups by ID, enough to drive
// the tree builder in tests without internal/repo.
type memStore struct {
	objs map[objects.ID][]byte
	typ  map[objects.ID]objects.Type
}

func newMemStore() *memStore {
	return &memStore{objs: map[objects.ID][]byte{}, typ: map[objects.ID]objects.Type{}}
}

func (m *memStore) Write(t objects.Type, payload []byte) (objects.ID, error) {
	id := objects.Sum(t, payload)
	if _, ok := m.objs[id]; !ok {
		cp := append([]byte(nil), payload...)
		m.objs[id] = cp
		m.typ[id] = t
	}
	return id, nil
}

func TestBuildFileSmallContentIsSingleBlob(t *testing.T) {
	m := newMemStore()
	id, err := BuildFile(bytes.NewReader([]byte("tiny file")), hashsplit.DefaultParams(), m)
	if err != nil {
		t.Fatalf("build file: %v", err)
	}
	if payload, ok := m.objs[id]; !ok || string(payload) != "tiny file" {
		t.Fatalf("expected content id to reference the single blob directly")
	}
	if m.typ[id] != objects.Blob {
		t.Fatalf("expected blob type, got %v", m.typ[id])
	}
}

func TestBuildFileLargeContentProducesTree(t *testing.T) {
	m := newMemStore()
	data := make([]byte, 2_000_000)
	rand.New(rand.NewSource(7)).Read(data)

	params := hashsplit.Params{Bits: 13}
	id, err := BuildFile(bytes.NewReader(data), params, m)
	if err != nil {
		t.Fatalf("build file: %v", err)
	}

	// The root must be reachable and, since the content is large, must
	// not simply equal a direct blob containing all the data.
	payload, ok := m.objs[id]
	if !ok {
		t.Fatalf("root id %s not found in store", id)
	}
	if bytes.Equal(payload, data) {
		t.Fatalf("expected a tree root for multi-blob content, got the raw content back")
	}

	// Reconstruct by walking the tree/blob graph and check the
	// concatenation matches the original bytes.
	got, err := flatten(m, id, objects.Blob)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reconstructed content mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

// flatten walks a content tree rooted at id, concatenating leaf blob
// payloads in order. leafType distinguishes blob leaves from subtree
// nodes purely so the test doesn't need to guess payload shape.
func flatten(m *memStore, id objects.ID, leafType objects.Type) ([]byte, error) {
	if m.typ[id] == leafType {
		return m.objs[id], nil
	}
	children, err := DecodeSubtree(m.objs[id])
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for _, c := range children {
		b, err := flatten(m, c, leafType)
		if err != nil {
			return nil, err
		}
		out.Write(b)
	}
	return out.Bytes(), nil
}

func TestBuildFileEmptyContent(t *testing.T) {
	m := newMemStore()
	id, err := BuildFile(bytes.NewReader(nil), hashsplit.DefaultParams(), m)
	if err != nil {
		t.Fatalf("build file: %v", err)
	}
	if len(m.objs[id]) != 0 {
		t.Fatalf("expected empty blob for empty file")
	}
}

func TestBuildFileDeterministic(t *testing.T) {
	data := make([]byte, 500_000)
	rand.New(rand.NewSource(42)).Read(data)

	m1, m2 := newMemStore(), newMemStore()
	id1, err := BuildFile(bytes.NewReader(data), hashsplit.DefaultParams(), m1)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	id2, err := BuildFile(bytes.NewReader(data), hashsplit.DefaultParams(), m2)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical content to produce identical root ids, got %s != %s", id1, id2)
	}
}

// everyNIDBoundary is a deterministic IDBoundary standing in for the
// source's runtime-mocked hashsplitter: it ignores the ID's bytes
// entirely and closes level 0 after every n-th ID, giving tests an
// exact, reproducible tree shape instead of hunting for content that
// happens to hash to a wanted boundary.
type everyNIDBoundary struct {
	n, count int
}

func (e *everyNIDBoundary) Check(objects.ID) (bool, int) {
	e.count++
	if e.count%e.n == 0 {
		return true, 1
	}
	return false, 0
}

func TestBuildIDTreeWithInjectedBoundaryGroupsEveryN(t *testing.T) {
	m := newMemStore()
	ids := make([]objects.ID, 11)
	for i := range ids {
		id, err := m.Write(objects.Blob, []byte{byte(i)})
		if err != nil {
			t.Fatalf("write leaf blob %d: %v", i, err)
		}
		ids[i] = id
	}

	rootID, err := buildIDTreeWithBoundary(ids, m, &everyNIDBoundary{n: 4})
	if err != nil {
		t.Fatalf("build id tree: %v", err)
	}

	// 11 ids split every 4 (boundaries after id 4 and id 8) close two
	// level-0 subtrees of 4 ids each; the final collapse wraps the trailing
	// 3 ids into a third level-0 subtree and then closes level 1, so the
	// root references exactly those 3 subtrees.
	root, err := DecodeSubtree(m.objs[rootID])
	if err != nil {
		t.Fatalf("decode root subtree: %v", err)
	}
	if len(root) != 3 {
		t.Fatalf("expected the root to reference 3 subtrees, got %d", len(root))
	}

	seen := map[objects.ID]bool{}
	var walk func(objects.ID)
	walk = func(id objects.ID) {
		if typ, ok := m.typ[id]; ok && typ == objects.Blob {
			seen[id] = true
			return
		}
		children, err := DecodeSubtree(m.objs[id])
		if err != nil {
			t.Fatalf("decode subtree %s: %v", id, err)
		}
		for _, c := range children {
			walk(c)
		}
	}
	for _, id := range root {
		walk(id)
	}
	if len(seen) != len(ids) {
		t.Fatalf("expected the forced-every-4 tree to cover all %d leaf ids, covered %d", len(ids), len(seen))
	}
}

func TestBuildDirectoryMatchesEncodeTree(t *testing.T) {
	m := newMemStore()
	entries := []objects.Entry{
		{Mode: objects.ModeFile, Name: "a.txt", ID: objects.Sum(objects.Blob, []byte("a"))},
		{Mode: objects.ModeDir, Name: "sub", ID: objects.Sum(objects.Tree, []byte("sub-tree"))},
	}
	objects.SortEntries(entries)

	id, err := BuildDirectory(entries, m)
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	want, err := objects.EncodeTree(objects.Tree{Entries: entries})
	if err != nil {
		t.Fatalf("encode tree: %v", err)
	}
	wantID := objects.Sum(objects.Tree, want)
	if id != wantID {
		t.Fatalf("directory id mismatch: got %s, want %s", id, wantID)
	}
}

func TestBuildDirectoryEmpty(t *testing.T) {
	m := newMemStore()
	id, err := BuildDirectory(nil, m)
	if err != nil {
		t.Fatalf("build empty directory: %v", err)
	}
	if id != objects.EmptyTreeID {
		t.Fatalf("expected the well-known empty tree id, got %s", id)
	}
}
