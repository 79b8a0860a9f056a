// Package repo implements the object store facade (component G): the
// single entry point a save session writes objects through, owning the
// live pack writers, the dedup-before-insert existence check against
// every idx (and midx, when present) already on disk, and the optional
// transparent encryption of finalized packs and idx files when the
// repository is configured as a vault.
//
// It satisfies the same (Type, payload) -> ID write shape that
// internal/treebuild and internal/treesplit already depend on through
// their ObjectWriter interfaces, so either package can drive a real
// on-disk repository without modification.
package repo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tgentry/packvault/internal/idx"
	"github.com/tgentry/packvault/internal/logging"
	"github.com/tgentry/packvault/internal/midx"
	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/pack"
	"github.com/tgentry/packvault/internal/refstore"
	"github.com/tgentry/packvault/internal/repoerr"
	"github.com/tgentry/packvault/internal/storage/localfs"
	"github.com/tgentry/packvault/internal/vault"
	"go.uber.org/zap"
)

const midxName = "multi-pack.midx"

// Store is the object store facade. One Store owns the pack writers for
// one save session; multiple concurrent sessions are expected to use
// distinct refsnames (internal/refstore) but may safely share a Store's
// underlying directory since dedup only ever adds objects, never removes.
type Store struct {
	driver       *localfs.Driver
	opts         pack.Options
	separateMeta bool
	cipher       *vault.Cipher // nil: repository is unencrypted

	mu      sync.Mutex
	known   map[objects.ID]bool
	writers map[pack.Kind]*pack.Writer
	results []pack.Result
}

// Open loads every existing idx (preferring a valid multi-pack index
// when one covers the directory) to seed the dedup set, then returns a
// Store ready to accept writes. cipher may be nil for an unencrypted
// repository. All of the Store's I/O, including this load, is routed
// through a localfs.Driver rooted at dir rather than bare os calls, so
// swapping in a remote storage driver (spec.md §6) only ever touches
// this one seam.
func Open(dir string, opts pack.Options, separateMeta bool, cipher *vault.Cipher) (*Store, error) {
	driver, err := localfs.New(dir)
	if err != nil {
		return nil, fmt.Errorf("repo: open storage driver: %w", err)
	}
	known, err := loadKnownIDs(driver, cipher)
	if err != nil {
		return nil, err
	}
	return &Store{
		driver:       driver,
		opts:         opts,
		separateMeta: separateMeta,
		cipher:       cipher,
		known:        known,
		writers:      make(map[pack.Kind]*pack.Writer),
	}, nil
}

// topLevelIdxNames lists the ".idx" files directly under the driver's
// root, excluding anything nested under quarantine/ (ListPrefix walks
// the whole tree, so names containing a slash are filtered out).
func topLevelIdxNames(driver *localfs.Driver) ([]string, error) {
	names, err := driver.ListPrefix("")
	if err != nil {
		return nil, fmt.Errorf("repo: list objects dir: %w", err)
	}
	var idxNames []string
	for _, n := range names {
		if strings.Contains(n, "/") {
			continue
		}
		if strings.HasSuffix(n, ".idx") {
			idxNames = append(idxNames, n)
		}
	}
	return idxNames, nil
}

func loadKnownIDs(driver *localfs.Driver, cipher *vault.Cipher) (map[objects.ID]bool, error) {
	idxNames, err := topLevelIdxNames(driver)
	if err != nil {
		return nil, err
	}

	known := make(map[objects.ID]bool)

	if m, ok, err := tryLoadMidx(driver, cipher, idxNames); err != nil {
		return nil, err
	} else if ok {
		for _, id := range m.IDs {
			known[id] = true
		}
		return known, nil
	}

	for _, name := range idxNames {
		packID, err := packIDFromIdxName(name)
		if err != nil {
			return nil, err
		}
		ix, err := loadIdxFile(driver, name, packID, cipher)
		if err != nil {
			return nil, err
		}
		for _, id := range ix.IDs {
			known[id] = true
		}
	}
	return known, nil
}

// tryLoadMidx loads the directory's multi-pack index if present and
// still valid (covers every idx currently on disk). A stale midx, left
// behind after a pack was quarantined or rewritten, is ignored and the
// caller falls back to scanning every idx individually.
func tryLoadMidx(driver *localfs.Driver, cipher *vault.Cipher, idxNames []string) (*midx.Midx, bool, error) {
	data, err := driver.Read(midxName, 0, -1)
	if err != nil {
		if errors.Is(err, localfs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("repo: read midx: %w", err)
	}
	if cipher != nil {
		data, err = cipher.DecryptIdx(data, []byte(midxName))
		if err != nil {
			return nil, false, repoerr.AuthFailure(midxName, err)
		}
	}
	m, err := midx.Load(bytes.NewReader(data))
	if err != nil {
		return nil, false, repoerr.Corruption(midxName, err)
	}

	known := make(map[string]bool, len(idxNames))
	for _, n := range idxNames {
		known[strings.TrimSuffix(n, ".idx")] = true
	}
	if !m.Covers(known) {
		return nil, false, nil
	}
	return m, true, nil
}

func packIDFromIdxName(name string) (objects.ID, error) {
	hexPart := strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".idx")
	return objects.ParseID(hexPart)
}

func loadIdxFile(driver *localfs.Driver, name string, packID objects.ID, cipher *vault.Cipher) (*idx.Idx, error) {
	data, err := driver.Read(name, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("repo: read idx %s: %w", name, err)
	}
	if cipher != nil {
		data, err = cipher.DecryptIdx(data, packID[:])
		if err != nil {
			return nil, repoerr.AuthFailure(name, err)
		}
	}
	ix, err := idx.Load(bytes.NewReader(data))
	if err != nil {
		return nil, repoerr.Corruption(name, err)
	}
	return ix, nil
}

// Exists reports whether id has already been written to this repository,
// either in a prior session (loaded at Open) or earlier in this one.
func (s *Store) Exists(id objects.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id], nil
}

// kindFor routes an object to its pack stream. When bup.separatemeta is
// off every type shares the data pack; when it's on, trees and commits
// (the directory/history metadata spec.md §4.G calls out) go to the
// meta pack and blobs stay in the data pack.
func (s *Store) kindFor(t objects.Type) pack.Kind {
	if s.separateMeta && (t == objects.Tree || t == objects.Commit) {
		return pack.KindMeta
	}
	return pack.KindData
}

// Write computes payload's object ID, skips the write entirely if it's
// already known (dedup-before-insert, spec.md invariant 1: "no duplicate
// content is ever stored twice"), and otherwise appends it to the
// appropriate live pack, rotating to a fresh pack on ErrPackFull.
func (s *Store) Write(t objects.Type, payload []byte) (objects.ID, error) {
	id := objects.Sum(t, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known[id] {
		return id, nil
	}

	kind := s.kindFor(t)
	for {
		w, err := s.writerFor(kind)
		if err != nil {
			return objects.ID{}, err
		}
		_, err = w.Add(t, payload)
		if err == nil {
			break
		}
		if !errors.Is(err, pack.ErrPackFull) {
			return objects.ID{}, fmt.Errorf("repo: add object: %w", err)
		}
		if _, finishErr := s.finalizeLocked(kind); finishErr != nil {
			return objects.ID{}, finishErr
		}
	}

	s.known[id] = true
	return id, nil
}

// WriteBatch is Write's bulk counterpart: it lets a caller holding a
// whole file's hashsplit chunks, or a directory's tree-split subtrees,
// hand them all to the live pack writer at once so AddBatch can pipeline
// their compression across internal/pack's worker pool instead of
// compressing one at a time on the caller's goroutine. Payloads already
// known (deduped) are filtered out before submission; their IDs are
// still returned in the same order as jobs.
func (s *Store) WriteBatch(t objects.Type, payloads [][]byte) ([]objects.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]objects.ID, len(payloads))
	var jobs []pack.CompressJob
	var jobPositions []int
	queued := map[objects.ID]bool{}
	for i, p := range payloads {
		id := objects.Sum(t, p)
		ids[i] = id
		if s.known[id] || queued[id] {
			continue
		}
		queued[id] = true
		jobs = append(jobs, pack.CompressJob{Index: len(jobs), Type: t, Payload: p})
		jobPositions = append(jobPositions, i)
	}
	if len(jobs) == 0 {
		return ids, nil
	}

	kind := s.kindFor(t)
	for {
		w, err := s.writerFor(kind)
		if err != nil {
			return nil, err
		}
		appended, err := w.AddBatch(jobs)
		if err == nil {
			break
		}
		if !errors.Is(err, pack.ErrPackFull) {
			return nil, fmt.Errorf("repo: add batch: %w", err)
		}
		if _, finishErr := s.finalizeLocked(kind); finishErr != nil {
			return nil, finishErr
		}
		jobs = jobs[len(appended):]
		for i := range jobs {
			jobs[i].Index = i
		}
	}

	for _, pos := range jobPositions {
		s.known[ids[pos]] = true
	}
	return ids, nil
}

func (s *Store) writerFor(kind pack.Kind) (*pack.Writer, error) {
	if w, ok := s.writers[kind]; ok {
		return w, nil
	}
	w, err := pack.Open(s.driver, kind, s.opts)
	if err != nil {
		return nil, fmt.Errorf("repo: open %s pack: %w", kind, err)
	}
	s.writers[kind] = w
	return w, nil
}

// finalizeLocked closes whatever writer is open for kind, encrypts its
// pack and idx files in place when the repository is a vault, and
// records the Result. Callers must hold s.mu.
func (s *Store) finalizeLocked(kind pack.Kind) (pack.Result, error) {
	w, ok := s.writers[kind]
	if !ok {
		return pack.Result{}, nil
	}
	delete(s.writers, kind)

	if w.Len() == 0 {
		return pack.Result{}, w.Abort()
	}

	res, err := w.Close()
	if err != nil {
		return pack.Result{}, fmt.Errorf("repo: close %s pack: %w", kind, err)
	}
	logging.L().Info("pack finalized",
		zap.String("kind", kind.String()),
		zap.String("pack", res.Pack),
		zap.Int("objects", len(res.Entries)),
	)

	if s.cipher != nil {
		if err := encryptPackInPlace(s.driver, *s.cipher, res.Pack); err != nil {
			return pack.Result{}, err
		}
		if err := encryptIdxInPlace(s.driver, *s.cipher, res.Idx, res.ID); err != nil {
			return pack.Result{}, err
		}
	}

	s.results = append(s.results, res)
	return res, nil
}

// encryptPackInPlace overwrites a freshly-closed plaintext pack file with
// [16-byte salt][ciphertext], so the same rename-into-place durability
// the pack writer already gave the plaintext carries over to its
// encrypted form.
func encryptPackInPlace(driver *localfs.Driver, cipher vault.Cipher, name string) error {
	plaintext, err := driver.Read(name, 0, -1)
	if err != nil {
		return fmt.Errorf("repo: read pack for encryption: %w", err)
	}
	ciphertext, salt, err := cipher.EncryptPack(plaintext)
	if err != nil {
		return fmt.Errorf("repo: encrypt pack: %w", err)
	}
	return driver.Overwrite(name, append(append([]byte(nil), salt[:]...), ciphertext...))
}

func encryptIdxInPlace(driver *localfs.Driver, cipher vault.Cipher, name string, packID objects.ID) error {
	plaintext, err := driver.Read(name, 0, -1)
	if err != nil {
		return fmt.Errorf("repo: read idx for encryption: %w", err)
	}
	ciphertext, err := cipher.EncryptIdx(plaintext, packID[:])
	if err != nil {
		return fmt.Errorf("repo: encrypt idx: %w", err)
	}
	return driver.Overwrite(name, ciphertext)
}

// Finish closes every still-open pack writer, rebuilds the directory's
// multi-pack index over every idx now on disk, and returns the Results
// finalized during this session (including any finalized earlier via an
// explicit pack-size rotation).
func (s *Store) Finish() ([]pack.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []pack.Kind{pack.KindData, pack.KindMeta} {
		if _, err := s.finalizeLocked(kind); err != nil {
			return nil, err
		}
	}

	if err := s.rebuildMidxLocked(); err != nil {
		return nil, err
	}

	return s.results, nil
}

// rebuildMidxLocked regenerates the multi-pack index from every idx file
// on disk. Best-effort: a repository with zero packs has nothing to
// build, and callers fall back to per-idx scanning if this is skipped.
func (s *Store) rebuildMidxLocked() error {
	idxNames, err := topLevelIdxNames(s.driver)
	if err != nil {
		return err
	}
	if len(idxNames) == 0 {
		return nil
	}
	sort.Strings(idxNames)

	sources := make([]midx.Source, 0, len(idxNames))
	for _, name := range idxNames {
		packID, err := packIDFromIdxName(name)
		if err != nil {
			return err
		}
		ix, err := loadIdxFile(s.driver, name, packID, s.cipher)
		if err != nil {
			return err
		}
		sources = append(sources, midx.Source{Name: strings.TrimSuffix(name, ".idx"), Idx: ix})
	}

	m, err := midx.Build(sources)
	if err != nil {
		return fmt.Errorf("repo: build midx: %w", err)
	}

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		return fmt.Errorf("repo: serialize midx: %w", err)
	}
	out := buf.Bytes()
	if s.cipher != nil {
		out, err = s.cipher.EncryptIdx(out, []byte(midxName))
		if err != nil {
			return fmt.Errorf("repo: encrypt midx: %w", err)
		}
	}
	logging.L().Info("idx built", zap.String("idx", midxName), zap.Int("sources", len(sources)))
	return s.driver.Overwrite(midxName, out)
}

// CommitRef writes a new commit object built by buildCommit and advances
// branch to point at it, retrying through refstore's RefConflict loop
// (spec.md §7) if another writer races it: on a lost CAS, buildCommit is
// called again with the tip that won, so the caller can re-parent its
// pending commit before the next attempt.
func (s *Store) CommitRef(
	refs *refstore.Store,
	refsname, branch string,
	buildCommit func(parent objects.ID, exists bool) (objects.Commit, error),
) (objects.ID, error) {
	attempt := 0
	return refs.UpdateWithRetry(refsname, branch, func(currentTip objects.ID, exists bool) (objects.ID, error) {
		attempt++
		if attempt > 1 {
			logging.L().Warn("ref cas retry",
				zap.String("refsname", refsname),
				zap.String("branch", branch),
				zap.Int("attempt", attempt),
				zap.String("tip", currentTip.String()),
			)
		}
		c, err := buildCommit(currentTip, exists)
		if err != nil {
			return objects.ID{}, err
		}
		return s.Write(objects.Commit, objects.EncodeCommit(c))
	})
}

// Quarantine moves a pack and its idx aside under a "quarantine/" prefix
// instead of deleting them, per spec.md §7's corruption handling: a
// corrupt pack is never silently discarded, so it remains available for
// forensics or manual recovery. packName is the pack's driver-relative
// name (pack.Result.Pack), not an absolute path.
func (s *Store) Quarantine(packName string) error {
	logging.L().Warn("pack quarantined", zap.String("pack", packName))
	dest := "quarantine/" + packName
	if err := s.driver.Move(packName, dest); err != nil {
		return err
	}
	idxName := strings.TrimSuffix(packName, ".pack") + ".idx"
	if err := s.driver.Move(idxName, "quarantine/"+idxName); err != nil && !errors.Is(err, localfs.ErrNotExist) {
		return err
	}
	return nil
}
