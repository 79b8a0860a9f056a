package pack

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // on-disk format digest
	"os"
	"path/filepath"
	"testing"

	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/storage/localfs"
)

func openDriver(t *testing.T) (*localfs.Driver, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := localfs.New(dir)
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return d, dir
}

func TestAddAndCloseRoundTrip(t *testing.T) {
	d, dir := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payloads := [][]byte{
		[]byte("hello world"),
		[]byte("a second blob with different content"),
		bytes.Repeat([]byte{0x42}, 5000),
	}
	var ids []objects.ID
	for _, p := range payloads {
		id, err := w.Add(objects.Blob, p)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	res, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Entries) != len(payloads) {
		t.Fatalf("entry count = %d, want %d", len(res.Entries), len(payloads))
	}
	packPath := filepath.Join(dir, res.Pack)
	idxPath := filepath.Join(dir, res.Idx)
	if _, err := os.Stat(packPath); err != nil {
		t.Fatalf("pack file missing: %v", err)
	}
	if _, err := os.Stat(idxPath); err != nil {
		t.Fatalf("idx file missing: %v", err)
	}
	if err := VerifyTrailer(packPath); err != nil {
		t.Fatalf("verify trailer: %v", err)
	}

	for i, id := range ids {
		found := false
		for _, e := range res.Entries {
			if e.ID == id {
				found = true
				got, err := ReadRecordAt(packPath, e.Offset)
				if err != nil {
					t.Fatalf("read record: %v", err)
				}
				if !bytes.Equal(got, payloads[i]) {
					t.Fatalf("record %d mismatch", i)
				}
			}
		}
		if !found {
			t.Fatalf("id %s missing from idx entries", id)
		}
	}
}

func TestSizeLimitRotatesPack(t *testing.T) {
	d, _ := openDriver(t)
	// The 12-byte header plus any zlib record is already over 16 bytes.
	opts := Options{CompressionLevel: 1, SizeLimit: 16}
	w, err := Open(d, KindData, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	big := bytes.Repeat([]byte("x"), 200)
	if _, err := w.Add(objects.Blob, big); err != nil {
		t.Fatalf("first add into an empty pack must succeed even over the limit: %v", err)
	}
	if _, err := w.Add(objects.Blob, []byte("more data")); err != ErrPackFull {
		t.Fatalf("expected ErrPackFull on the second add, got %v", err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAbortRemovesTempFile(t *testing.T) {
	d, dir := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Add(objects.Blob, []byte("doomed")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files left behind after abort, found %v", entries)
	}
}

func TestDuplicatePayloadsGetDistinctOffsetsWithinOnePack(t *testing.T) {
	// The writer itself does not dedup (that is the facade's job); it must
	// still record two entries if asked to add the same bytes twice.
	d, _ := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id1, err := w.Add(objects.Blob, []byte("same"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := w.Add(objects.Blob, []byte("same"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("identical payloads must hash to the same id")
	}
	res, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 raw entries (writer does not dedup), got %d", len(res.Entries))
	}
}

func TestCompressionPoolMatchesSerialAdd(t *testing.T) {
	pool := NewCompressionPool(4, 1)
	defer pool.Close()

	jobs := []CompressJob{
		{Index: 0, Type: objects.Blob, Payload: []byte("alpha")},
		{Index: 1, Type: objects.Blob, Payload: []byte("beta")},
		{Index: 2, Type: objects.Tree, Payload: []byte("gamma-tree-payload")},
	}
	results, err := pool.Submit(jobs)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	d, dir := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, r := range results {
		if err := w.AddCompressed(r.ID, r.Type, r.Compressed); err != nil {
			t.Fatalf("add compressed %d: %v", i, err)
		}
	}
	res, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	packPath := filepath.Join(dir, res.Pack)
	for i, j := range jobs {
		got, err := ReadRecordAt(packPath, res.Entries[i].Offset)
		if err != nil {
			t.Fatalf("read record %d: %v", i, err)
		}
		if !bytes.Equal(got, j.Payload) {
			t.Fatalf("record %d = %q, want %q", i, got, j.Payload)
		}
	}
}

func TestAddBatchMatchesSerialAdd(t *testing.T) {
	jobs := []CompressJob{
		{Index: 0, Type: objects.Blob, Payload: []byte("alpha")},
		{Index: 1, Type: objects.Blob, Payload: []byte("beta")},
		{Index: 2, Type: objects.Tree, Payload: []byte("gamma-tree-payload")},
	}

	d, dir := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ids, err := w.AddBatch(jobs)
	if err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if len(ids) != len(jobs) {
		t.Fatalf("got %d ids, want %d", len(ids), len(jobs))
	}
	res, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	packPath := filepath.Join(dir, res.Pack)
	for i, j := range jobs {
		if ids[i] != objects.Sum(j.Type, j.Payload) {
			t.Fatalf("id %d mismatch", i)
		}
		got, err := ReadRecordAt(packPath, res.Entries[i].Offset)
		if err != nil {
			t.Fatalf("read record %d: %v", i, err)
		}
		if !bytes.Equal(got, j.Payload) {
			t.Fatalf("record %d = %q, want %q", i, got, j.Payload)
		}
	}
}

func TestPackFileNameIsDigestOfSortedIDs(t *testing.T) {
	d, _ := openDriver(t)
	w, err := Open(d, KindData, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Add(objects.Blob, []byte("one")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := w.Add(objects.Blob, []byte("two")); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	want := "pack-" + res.ID.String() + ".pack"
	if res.Pack != want {
		t.Fatalf("pack name = %s, want %s", res.Pack, want)
	}
	lo := objects.Sum(objects.Blob, []byte("one"))
	hi := objects.Sum(objects.Blob, []byte("two"))
	if bytes.Compare(hi[:], lo[:]) < 0 {
		lo, hi = hi, lo
	}
	digest := sha1.Sum(append(lo[:], hi[:]...))
	if !bytes.Equal(res.ID[:], digest[:]) {
		t.Fatalf("pack id = %s, want sha1 of sorted ids %x", res.ID, digest)
	}
}
