package vault

import (
	"bytes"
	"math/rand"
	"testing"
)

func testRepoKey(t *testing.T) RepoKey {
	t.Helper()
	k, err := GenerateRepoKey()
	if err != nil {
		t.Fatalf("generate repokey: %v", err)
	}
	return k
}

func TestEncryptPackRoundTrip(t *testing.T) {
	repo := testRepoKey(t)
	c := NewSealOnlyCipher(repo, PublicKey{})

	data := make([]byte, 200_000)
	rand.New(rand.NewSource(1)).Read(data)

	ciphertext, salt, err := c.EncryptPack(data)
	if err != nil {
		t.Fatalf("encrypt pack: %v", err)
	}

	got, err := c.DecryptPack(ciphertext, salt)
	if err != nil {
		t.Fatalf("decrypt pack: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestEncryptPackSizeHiding(t *testing.T) {
	repoA := testRepoKey(t)
	repoB := testRepoKey(t)

	data := make([]byte, 500_000)
	rand.New(rand.NewSource(2)).Read(data)

	cA := NewSealOnlyCipher(repoA, PublicKey{})
	cB := NewSealOnlyCipher(repoB, PublicKey{})

	ctA, _, err := cA.EncryptPack(data)
	if err != nil {
		t.Fatalf("encrypt A: %v", err)
	}
	ctB, _, err := cB.EncryptPack(data)
	if err != nil {
		t.Fatalf("encrypt B: %v", err)
	}
	if len(ctA) != len(ctB) {
		t.Fatalf("expected equal ciphertext lengths for equal plaintext lengths under different repokeys, got %d != %d", len(ctA), len(ctB))
	}
}

func TestEncryptPackRoundsUpToBlockGranularity(t *testing.T) {
	repo := testRepoKey(t)
	c := NewSealOnlyCipher(repo, PublicKey{})

	small, _, err := c.EncryptPack([]byte("tiny"))
	if err != nil {
		t.Fatalf("encrypt small: %v", err)
	}
	other, _, err := c.EncryptPack([]byte("also tiny but different"))
	if err != nil {
		t.Fatalf("encrypt other: %v", err)
	}
	if len(small) != len(other) {
		t.Fatalf("expected both sub-block plaintexts to round up to the same ciphertext length, got %d != %d", len(small), len(other))
	}
	if len(small) != BlockSize+16 {
		t.Fatalf("expected one block's worth of ciphertext (%d), got %d", BlockSize+16, len(small))
	}
}

func TestDecryptPackWrongKeyFails(t *testing.T) {
	repo := testRepoKey(t)
	other := testRepoKey(t)
	c := NewSealOnlyCipher(repo, PublicKey{})
	wrong := NewSealOnlyCipher(other, PublicKey{})

	ciphertext, salt, err := c.EncryptPack([]byte("secret payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := wrong.DecryptPack(ciphertext, salt); err == nil {
		t.Fatalf("expected decryption under the wrong repokey to fail")
	}
}

func TestEncryptIdxBindsPackID(t *testing.T) {
	repo := testRepoKey(t)
	c := NewSealOnlyCipher(repo, PublicKey{})

	plaintext := []byte("idx bytes")
	ct, err := c.EncryptIdx(plaintext, []byte("pack-aaaa"))
	if err != nil {
		t.Fatalf("encrypt idx: %v", err)
	}

	if _, err := c.DecryptIdx(ct, []byte("pack-bbbb")); err == nil {
		t.Fatalf("expected decryption under a different pack id to fail")
	}

	got, err := c.DecryptIdx(ct, []byte("pack-aaaa"))
	if err != nil {
		t.Fatalf("decrypt idx: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("idx round trip mismatch")
	}
}

func TestEncryptRefsBindsRefsname(t *testing.T) {
	repo := testRepoKey(t)
	c := NewSealOnlyCipher(repo, PublicKey{})

	plaintext := []byte("refs/heads/main -> deadbeef")
	ct, err := c.EncryptRefs(plaintext, "writer-1")
	if err != nil {
		t.Fatalf("encrypt refs: %v", err)
	}
	if _, err := c.DecryptRefs(ct, "writer-2"); err == nil {
		t.Fatalf("expected decryption under a different refsname to fail")
	}
	got, err := c.DecryptRefs(ct, "writer-1")
	if err != nil {
		t.Fatalf("decrypt refs: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("refs round trip mismatch")
	}
}

func TestSealToWriteKeyRoundTrip(t *testing.T) {
	repo := testRepoKey(t)
	writeKey, readKey, err := GenerateDataKeyPair()
	if err != nil {
		t.Fatalf("generate data keypair: %v", err)
	}

	sealer := NewSealOnlyCipher(repo, writeKey)
	plaintext := []byte("a blob only the readkey holder should see")
	sealed, err := sealer.SealToWriteKey(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opener := NewCipher(repo, writeKey, readKey)
	got, err := opener.OpenWithReadKey(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("sealed blob round trip mismatch")
	}
}

func TestOpenWithReadKeyRequiresReadKey(t *testing.T) {
	repo := testRepoKey(t)
	writeKey, _, err := GenerateDataKeyPair()
	if err != nil {
		t.Fatalf("generate data keypair: %v", err)
	}
	sealer := NewSealOnlyCipher(repo, writeKey)
	sealed, err := sealer.SealToWriteKey([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := sealer.OpenWithReadKey(sealed); err == nil {
		t.Fatalf("expected a seal-only cipher to refuse opening without a readkey")
	}
}

func TestOpenWithReadKeyWrongPairFails(t *testing.T) {
	repo := testRepoKey(t)
	writeKey, _, err := GenerateDataKeyPair()
	if err != nil {
		t.Fatalf("generate data keypair: %v", err)
	}
	_, otherReadKey, err := GenerateDataKeyPair()
	if err != nil {
		t.Fatalf("generate other data keypair: %v", err)
	}

	sealer := NewSealOnlyCipher(repo, writeKey)
	sealed, err := sealer.SealToWriteKey([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	mismatched := NewCipher(repo, writeKey, otherReadKey)
	if _, err := mismatched.OpenWithReadKey(sealed); err == nil {
		t.Fatalf("expected opening with a mismatched readkey to fail")
	}
}
