package objects

import "testing"

func TestSumIsDeterministic(t *testing.T) {
	a := Sum(Blob, []byte("hello"))
	b := Sum(Blob, []byte("hello"))
	if a != b {
		t.Fatalf("same (type, payload) produced different IDs")
	}
}

func TestSumDistinguishesType(t *testing.T) {
	payload := []byte("same bytes, different type")
	if Sum(Blob, payload) == Sum(Tree, payload) {
		t.Fatalf("blob and tree hashed the same payload to the same ID")
	}
}

func TestVerify(t *testing.T) {
	payload := []byte("content")
	id := Sum(Blob, payload)
	if !Verify(id, Blob, payload) {
		t.Fatalf("Verify rejected a matching (id, type, payload)")
	}
	if Verify(id, Blob, []byte("tampered")) {
		t.Fatalf("Verify accepted tampered payload")
	}
}

func TestEmptyTreeIDMatchesWellKnownValue(t *testing.T) {
	const want = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	if got := EmptyTreeID.String(); got != want {
		t.Fatalf("empty tree ID = %s, want %s (git's well-known empty tree)", got, want)
	}
}

func TestTreeRoundTrip(t *testing.T) {
	entries := []Entry{
		{Mode: ModeFile, Name: "README.md", ID: Sum(Blob, []byte("readme"))},
		{Mode: ModeDir, Name: "src", ID: Sum(Tree, nil)},
		{Mode: ModeFile, Name: "src.bak", ID: Sum(Blob, []byte("bak"))},
	}
	SortEntries(entries)

	payload, err := EncodeTree(Tree{Entries: entries})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTree(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Entries) != len(entries) {
		t.Fatalf("round trip entry count = %d, want %d", len(decoded.Entries), len(entries))
	}
	for i := range entries {
		if decoded.Entries[i] != entries[i] {
			t.Fatalf("entry %d round-tripped as %+v, want %+v", i, decoded.Entries[i], entries[i])
		}
	}
}

func TestSortEntriesDirectorySuffixRule(t *testing.T) {
	// "foo" (file) must sort before "foo.bar", and a directory "foo" sorts
	// as if it were "foo/", which puts it after "foo.bar" ('.' < '/').
	entries := []Entry{
		{Mode: ModeFile, Name: "foo.bar"},
		{Mode: ModeDir, Name: "foo"},
		{Mode: ModeFile, Name: "foo"},
	}
	// Only one "foo" would legally coexist in a real tree; here we just
	// check pairwise ordering of the sort key used.
	fileFoo := Entry{Mode: ModeFile, Name: "foo"}
	dirFoo := Entry{Mode: ModeDir, Name: "foo"}
	fileFooBar := Entry{Mode: ModeFile, Name: "foo.bar"}
	if !(fileFoo.sortKey() < fileFooBar.sortKey()) {
		t.Fatalf("expected file %q to sort before %q", fileFoo.sortKey(), fileFooBar.sortKey())
	}
	if !(fileFooBar.sortKey() < dirFoo.sortKey()) {
		t.Fatalf("expected %q to sort before dir %q", fileFooBar.sortKey(), dirFoo.sortKey())
	}
	_ = entries
}

func TestEncodeTreeRejectsDuplicateNames(t *testing.T) {
	entries := []Entry{
		{Mode: ModeFile, Name: "a", ID: Sum(Blob, []byte("1"))},
		{Mode: ModeFile, Name: "a", ID: Sum(Blob, []byte("2"))},
	}
	if _, err := EncodeTree(Tree{Entries: entries}); err == nil {
		t.Fatalf("expected error for duplicate entry name")
	}
}
