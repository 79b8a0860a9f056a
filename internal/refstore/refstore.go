// Package refstore implements the ref store: the branch-name to
// commit-ID mapping that anchors a repository's history, backed by a
// bbolt key/value file the way the teacher's internal/store package
// backs its human-key and Git-hash mappings.
//
// Refs are namespaced by refsname (spec.md §4.J, §5: "a configurable
// refsname to allow concurrent writers to use disjoint ref files and
// avoid cross-writer CAS contention"). Two sessions using distinct
// refsnames never contend; two sessions sharing one race on the CAS and
// the loser must rebase onto the new tip (spec.md §7 RefConflict).
package refstore

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/repoerr"
)

// MaxCASRetries bounds the RefConflict retry loop (spec.md §7: "up to a
// fixed cap (e.g., 10) before surfacing").
const MaxCASRetries = 10

// ErrNotExist is returned by Get when the named ref has never been set.
var ErrNotExist = errors.New("refstore: ref does not exist")

// Store owns one bbolt database file holding every refsname's branch
// tips as separate buckets.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the ref store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("refstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(refsname string) []byte {
	return []byte("refs:" + refsname)
}

// Get returns the current tip commit ID for branch under refsname.
func (s *Store) Get(refsname, branch string) (objects.ID, error) {
	var id objects.ID
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(refsname))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(branch))
		if v == nil {
			return nil
		}
		if len(v) != len(id) {
			return fmt.Errorf("refstore: corrupt ref value for %s/%s: length %d", refsname, branch, len(v))
		}
		copy(id[:], v)
		found = true
		return nil
	})
	if err != nil {
		return objects.ID{}, err
	}
	if !found {
		return objects.ID{}, ErrNotExist
	}
	return id, nil
}

// CAS sets branch's tip to newTip only if its current value equals
// oldTip (oldTip may be the zero ID to mean "branch does not exist
// yet"). It returns a *repoerr.Error of KindRefConflict if the compare
// fails; the current tip appears only in that error's message text, so a
// caller that needs it as an ID reads it with a follow-up Get.
func (s *Store) CAS(refsname, branch string, oldTip, newTip objects.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(refsname))
		if err != nil {
			return fmt.Errorf("refstore: open bucket %s: %w", refsname, err)
		}
		current := b.Get([]byte(branch))
		var currentID objects.ID
		if current != nil {
			if len(current) != len(currentID) {
				return fmt.Errorf("refstore: corrupt ref value for %s/%s", refsname, branch)
			}
			copy(currentID[:], current)
		}
		if currentID != oldTip {
			return repoerr.RefConflict(refsname+"/"+branch, fmt.Errorf("expected tip %s, found %s", oldTip, currentID))
		}
		return b.Put([]byte(branch), newTip[:])
	})
}

// UpdateWithRetry implements the RefConflict retry loop: it reads the
// current tip, asks build to produce the next commit ID from it, and
// attempts the CAS. On a lost race it re-reads the new tip and calls
// build again — the caller is expected to re-parent its pending commit
// onto the new tip and write a fresh commit object — retrying up to
// MaxCASRetries times before surfacing the conflict.
//
// build receives (currentTip, exists) since a never-before-seen branch
// has no meaningful oldTip; it returns the ID of the commit object that
// should become the new tip.
func (s *Store) UpdateWithRetry(refsname, branch string, build func(currentTip objects.ID, exists bool) (objects.ID, error)) (objects.ID, error) {
	var lastErr error
	for attempt := 0; attempt < MaxCASRetries; attempt++ {
		tip, err := s.Get(refsname, branch)
		exists := true
		if errors.Is(err, ErrNotExist) {
			tip, exists = objects.ID{}, false
		} else if err != nil {
			return objects.ID{}, fmt.Errorf("refstore: read current tip: %w", err)
		}

		newTip, err := build(tip, exists)
		if err != nil {
			return objects.ID{}, fmt.Errorf("refstore: build commit: %w", err)
		}

		err = s.CAS(refsname, branch, tip, newTip)
		if err == nil {
			return newTip, nil
		}
		var refErr *repoerr.Error
		if !errors.As(err, &refErr) || refErr.Kind != repoerr.KindRefConflict {
			return objects.ID{}, err
		}
		lastErr = err
	}
	return objects.ID{}, fmt.Errorf("refstore: exceeded %d CAS retries: %w", MaxCASRetries, lastErr)
}
