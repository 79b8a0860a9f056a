package refstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/repoerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "refs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func idOf(s string) objects.ID { return objects.Sum(objects.Commit, []byte(s)) }

func TestGetMissingRefReturnsErrNotExist(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("refs", "main"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestCASCreatesAndAdvancesRef(t *testing.T) {
	s := openTestStore(t)
	c1 := idOf("commit-1")
	if err := s.CAS("refs", "main", objects.ID{}, c1); err != nil {
		t.Fatalf("initial cas: %v", err)
	}
	got, err := s.Get("refs", "main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != c1 {
		t.Fatalf("tip mismatch: got %s, want %s", got, c1)
	}

	c2 := idOf("commit-2")
	if err := s.CAS("refs", "main", c1, c2); err != nil {
		t.Fatalf("advance cas: %v", err)
	}
	got, err = s.Get("refs", "main")
	if err != nil {
		t.Fatalf("get after advance: %v", err)
	}
	if got != c2 {
		t.Fatalf("tip mismatch after advance: got %s, want %s", got, c2)
	}
}

func TestCASRejectsStaleOldTip(t *testing.T) {
	s := openTestStore(t)
	c1 := idOf("commit-1")
	if err := s.CAS("refs", "main", objects.ID{}, c1); err != nil {
		t.Fatalf("initial cas: %v", err)
	}

	err := s.CAS("refs", "main", objects.ID{}, idOf("commit-2"))
	var refErr *repoerr.Error
	if !errors.As(err, &refErr) || refErr.Kind != repoerr.KindRefConflict {
		t.Fatalf("expected a RefConflict error, got %v", err)
	}
}

func TestDistinctRefsnamesDoNotContend(t *testing.T) {
	s := openTestStore(t)
	a := idOf("writer-a-commit")
	b := idOf("writer-b-commit")
	if err := s.CAS("writer-a", "main", objects.ID{}, a); err != nil {
		t.Fatalf("writer-a cas: %v", err)
	}
	if err := s.CAS("writer-b", "main", objects.ID{}, b); err != nil {
		t.Fatalf("writer-b cas: %v", err)
	}
	gotA, err := s.Get("writer-a", "main")
	if err != nil || gotA != a {
		t.Fatalf("writer-a tip mismatch: %v %s", err, gotA)
	}
	gotB, err := s.Get("writer-b", "main")
	if err != nil || gotB != b {
		t.Fatalf("writer-b tip mismatch: %v %s", err, gotB)
	}
}

func TestUpdateWithRetryRebasesOnLostRace(t *testing.T) {
	s := openTestStore(t)

	// Simulate a concurrent writer winning the first race by CASing in a
	// new tip the instant our build function is first called.
	calls := 0
	final, err := s.UpdateWithRetry("refs", "main", func(tip objects.ID, exists bool) (objects.ID, error) {
		calls++
		if calls == 1 {
			if exists {
				t.Fatalf("expected branch not to exist on the first call")
			}
			// Another session wins the race right under us.
			if err := s.CAS("refs", "main", objects.ID{}, idOf("interloper")); err != nil {
				t.Fatalf("simulate concurrent writer: %v", err)
			}
		}
		// Rebase: parent the new commit onto whatever tip we were handed.
		return objects.Sum(objects.Commit, append([]byte("rebased-onto-"), tip[:]...)), nil
	})
	if err != nil {
		t.Fatalf("update with retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
	got, err := s.Get("refs", "main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != final {
		t.Fatalf("stored tip does not match returned tip")
	}
}

func TestUpdateWithRetryExhaustsCap(t *testing.T) {
	s := openTestStore(t)
	calls := 0
	_, err := s.UpdateWithRetry("refs", "main", func(tip objects.ID, exists bool) (objects.ID, error) {
		calls++
		// Force the stored tip to change out from under every attempt, by
		// writing directly (bypassing CAS), so the outer compare-and-swap
		// always loses the race and the loop runs to its cap.
		sabotage := objects.Sum(objects.Commit, []byte(fmt.Sprintf("saboteur-%d", calls)))
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketName("refs"))
			if err != nil {
				return err
			}
			return b.Put([]byte("main"), sabotage[:])
		})
		if err != nil {
			t.Fatalf("sabotage: %v", err)
		}
		return idOf("candidate"), nil
	})
	if err == nil {
		t.Fatalf("expected the retry loop to exhaust its cap and return an error")
	}
	if calls != MaxCASRetries {
		t.Fatalf("expected %d attempts, got %d", MaxCASRetries, calls)
	}
}
