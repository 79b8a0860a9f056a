// Package vault implements the encrypted storage wrapper (component J):
// chunking packs into equal-size ciphertext blocks, encrypting idxes and
// refs as single authenticated blobs, and sealing data to an asymmetric
// writekey so that only the paired readkey can recover it. None of it
// runs unless the repository is configured as encrypted; a plain
// repository never imports this package's encrypt/decrypt paths.
//
// Key material mirrors spec.md §4.J:
//
//	repokey  - symmetric, 256-bit. AEAD over idxes and refs.
//	writekey - asymmetric public half. Data blobs are sealed to it.
//	readkey  - asymmetric private half. Only it opens sealed data blobs.
package vault

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/blake3"
)

// blake3Hash32 adapts lukechampine.com/blake3 to the func() hash.Hash
// shape hkdf.New wants; a nil key always succeeds, so the constructor
// never fails.
func blake3Hash32() hash.Hash {
	h, _ := blake3.New(32, nil)
	return h
}

// BlockSize is the fixed storage block size packs are padded to. A
// repository-wide constant so block count leaks only the packed size
// rounded up to this granularity; object count and boundaries do not
// leak (spec.md §4.J point 1).
const BlockSize = 64 * 1024

const saltSize = 16

// RepoKey is the symmetric key encrypting idxes, refs, and pack storage
// blocks.
type RepoKey [32]byte

// PublicKey is the writekey half of the asymmetric data keypair: data
// blobs are sealed to it.
type PublicKey [32]byte

// PrivateKey is the readkey half: only it opens blobs sealed to the
// matching PublicKey.
type PrivateKey [32]byte

// GenerateRepoKey produces a fresh random repokey.
func GenerateRepoKey() (RepoKey, error) {
	var k RepoKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return RepoKey{}, fmt.Errorf("vault: generate repokey: %w", err)
	}
	return k, nil
}

// GenerateDataKeyPair produces a fresh writekey/readkey pair.
func GenerateDataKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("vault: generate data keypair: %w", err)
	}
	return PublicKey(*pub), PrivateKey(*priv), nil
}

// Cipher bundles the key material one repository session needs and
// exposes the encrypt/decrypt operations as methods, playing the role of
// spec.md §8's "StorageBlockCipher wrapper" the encrypted Repository
// implementation composes over the plain one.
type Cipher struct {
	Repo       RepoKey
	WriteKey   PublicKey
	ReadKey    PrivateKey
	hasReadKey bool
}

// NewCipher builds a Cipher that can both seal and open data blobs. Use
// NewSealOnlyCipher for a writer that must never need the readkey.
func NewCipher(repo RepoKey, writeKey PublicKey, readKey PrivateKey) Cipher {
	return Cipher{Repo: repo, WriteKey: writeKey, ReadKey: readKey, hasReadKey: true}
}

// NewSealOnlyCipher builds a Cipher that can write but not read data
// blobs, for save-path processes that should never hold the readkey.
func NewSealOnlyCipher(repo RepoKey, writeKey PublicKey) Cipher {
	return Cipher{Repo: repo, WriteKey: writeKey}
}

// deriveBlockKey derives a per-block subkey from the repokey, a
// pack-scoped salt, and the block index, so each block is encrypted
// under a key unique to that (salt, index) pair and a fixed nonce is
// safe to reuse across blocks (spec.md §4.J point 2: "distinct nonce
// (block index xor pack-scoped salt)" — implemented as a distinct key
// per block instead of a varying nonce under one key, which is the
// HKDF-subkey construction this repository's grounding settled on).
func deriveBlockKey(repo RepoKey, salt [saltSize]byte, blockIndex uint64) ([chacha20poly1305.KeySize]byte, error) {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], blockIndex)
	r := hkdf.New(blake3Hash32, repo[:], salt[:], info[:])
	var key [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("vault: derive block key: %w", err)
	}
	return key, nil
}

var zeroNonce [chacha20poly1305.NonceSizeX]byte

// EncryptPack pads plaintext to a multiple of BlockSize (after a leading
// 8-byte length prefix recording the true size) and encrypts each block
// independently under its own HKDF-derived subkey. Equal-length
// plaintexts always produce equal-length ciphertexts, satisfying
// spec.md's size-hiding invariant (S5).
func (c Cipher) EncryptPack(plaintext []byte) (ciphertext []byte, salt [saltSize]byte, err error) {
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, salt, fmt.Errorf("vault: generate pack salt: %w", err)
	}

	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(plaintext)))
	padded := append(append([]byte(nil), lenPrefix[:]...), plaintext...)
	if rem := len(padded) % BlockSize; rem != 0 {
		padded = append(padded, make([]byte, BlockSize-rem)...)
	}

	numBlocks := len(padded) / BlockSize
	for i := 0; i < numBlocks; i++ {
		key, err := deriveBlockKey(c.Repo, salt, uint64(i))
		if err != nil {
			return nil, salt, err
		}
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, salt, fmt.Errorf("vault: block aead: %w", err)
		}
		block := padded[i*BlockSize : (i+1)*BlockSize]
		ciphertext = append(ciphertext, aead.Seal(nil, zeroNonce[:], block, nil)...)
	}
	return ciphertext, salt, nil
}

// DecryptPack is the inverse of EncryptPack.
func (c Cipher) DecryptPack(ciphertext []byte, salt [saltSize]byte) ([]byte, error) {
	key0, err := deriveBlockKey(c.Repo, salt, 0)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key0[:])
	if err != nil {
		return nil, fmt.Errorf("vault: block aead: %w", err)
	}
	blockCipherLen := BlockSize + aead.Overhead()
	if len(ciphertext)%blockCipherLen != 0 {
		return nil, fmt.Errorf("vault: ciphertext length %d not a multiple of block size %d", len(ciphertext), blockCipherLen)
	}

	var padded []byte
	numBlocks := len(ciphertext) / blockCipherLen
	for i := 0; i < numBlocks; i++ {
		key, err := deriveBlockKey(c.Repo, salt, uint64(i))
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("vault: block aead: %w", err)
		}
		block := ciphertext[i*blockCipherLen : (i+1)*blockCipherLen]
		plainBlock, err := aead.Open(nil, zeroNonce[:], block, nil)
		if err != nil {
			return nil, fmt.Errorf("vault: open block %d: %w", i, err)
		}
		padded = append(padded, plainBlock...)
	}

	if len(padded) < 8 {
		return nil, fmt.Errorf("vault: decrypted pack shorter than its length header")
	}
	n := binary.BigEndian.Uint64(padded[:8])
	padded = padded[8:]
	if uint64(len(padded)) < n {
		return nil, fmt.Errorf("vault: decrypted pack shorter than recorded length")
	}
	return padded[:n], nil
}

// sealBlob encrypts plaintext as a single authenticated ciphertext under
// the repokey with a fresh random nonce, binding associatedData (e.g. an
// idx's pack ID, or a refsname) so ciphertexts can't be swapped across
// the object they belong to.
func sealBlob(repo RepoKey, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(repo[:])
	if err != nil {
		return nil, fmt.Errorf("vault: repokey aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, associatedData)
	return out, nil
}

func openBlob(repo RepoKey, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(repo[:])
	if err != nil {
		return nil, fmt.Errorf("vault: repokey aead: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, body, associatedData)
	if err != nil {
		return nil, fmt.Errorf("vault: open blob: %w", err)
	}
	return plaintext, nil
}

// EncryptIdx seals an idx file's bytes, binding the pack ID it indexes
// so a ciphertext can't be mistaken for a different pack's idx.
func (c Cipher) EncryptIdx(plaintext []byte, packID []byte) ([]byte, error) {
	return sealBlob(c.Repo, plaintext, packID)
}

// DecryptIdx is the inverse of EncryptIdx.
func (c Cipher) DecryptIdx(ciphertext []byte, packID []byte) ([]byte, error) {
	return openBlob(c.Repo, ciphertext, packID)
}

// EncryptRefs seals a refs blob, binding the configurable refsname
// (spec.md §4.J: "stored as an encrypted blob under a configurable
// refsname") so distinct writers' ref files can't be swapped.
func (c Cipher) EncryptRefs(plaintext []byte, refsname string) ([]byte, error) {
	return sealBlob(c.Repo, plaintext, []byte(refsname))
}

// DecryptRefs is the inverse of EncryptRefs.
func (c Cipher) DecryptRefs(ciphertext []byte, refsname string) ([]byte, error) {
	return openBlob(c.Repo, ciphertext, []byte(refsname))
}

// SealToWriteKey encrypts a data blob to the writekey. Any holder of the
// writekey's public bytes can call this; only the paired readkey opens
// the result.
func (c Cipher) SealToWriteKey(plaintext []byte) ([]byte, error) {
	pub := [32]byte(c.WriteKey)
	out, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vault: seal to writekey: %w", err)
	}
	return out, nil
}

// OpenWithReadKey decrypts a blob produced by SealToWriteKey. It returns
// an error if this Cipher was constructed without a readkey
// (NewSealOnlyCipher), matching the save-path discipline that a writer
// process never needs to read data back.
func (c Cipher) OpenWithReadKey(ciphertext []byte) ([]byte, error) {
	if !c.hasReadKey {
		return nil, fmt.Errorf("vault: cipher has no readkey")
	}
	pub := [32]byte(c.WriteKey)
	priv := [32]byte(c.ReadKey)
	out, ok := box.OpenAnonymous(nil, ciphertext, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("vault: open sealed blob: authentication failed")
	}
	return out, nil
}
