package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/gf5-dispatch/internal/models"
)

// blockingSource holds the fetch until released, to simulate a slow network.
type blockingSource struct {
	release chan struct{}
	drivers []models.Driver
	err     error
}

func (b *blockingSource) AvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.drivers, b.err
}

func waitForState(t *testing.T, s *Session, want MatchingState) MatchingStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, last state %v", want, s.Status().State)
	return MatchingStatus{}
}

func TestSessionMatches(t *testing.T) {
	src := &blockingSource{drivers: []models.Driver{
		driver("A", 4.0, 0, 0),
		driver("B", 5.0, 1, 1),
	}}
	s := NewSession(src)
	s.Request(context.Background(), 0, 0)
	st := waitForState(t, s, StateMatched)
	if st.Driver.ID != "B" {
		t.Fatalf("expected B, got %s", st.Driver.ID)
	}
}

func TestSessionNoMatch(t *testing.T) {
	s := NewSession(&blockingSource{})
	s.Request(context.Background(), 0, 0)
	waitForState(t, s, StateNoMatch)
}

func TestSessionFetchErrorSurfaces(t *testing.T) {
	s := NewSession(&blockingSource{err: errors.New("listing endpoint down")})
	s.Request(context.Background(), 0, 0)
	st := waitForState(t, s, StateError)
	if st.Err == "" {
		t.Fatal("expected error message")
	}
}

func TestSessionCancelResetsToIdle(t *testing.T) {
	src := &blockingSource{release: make(chan struct{}), drivers: []models.Driver{driver("A", 5, 0, 0)}}
	s := NewSession(src)
	s.Request(context.Background(), 0, 0)
	waitForState(t, s, StateSearching)
	s.Cancel()
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after cancel, got %v", st.State)
	}
}

// A response that arrives after the rider cancelled must not overwrite Idle.
func TestSessionLateResultDoesNotOverwriteCancel(t *testing.T) {
	release := make(chan struct{})
	src := &blockingSource{release: release, drivers: []models.Driver{driver("A", 5, 0, 0)}}
	s := NewSession(src)
	s.Request(context.Background(), 0, 0)
	waitForState(t, s, StateSearching)

	s.Cancel()
	close(release)

	// give the stale goroutine a chance to (incorrectly) publish
	time.Sleep(50 * time.Millisecond)
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("stale result overwrote cancellation: %v", st.State)
	}
}

func TestSessionNewerRequestSupersedesOlder(t *testing.T) {
	firstRelease := make(chan struct{})
	src := &blockingSource{release: firstRelease, drivers: []models.Driver{driver("old", 5, 0, 0)}}
	s := NewSession(src)
	s.Request(context.Background(), 0, 0)
	waitForState(t, s, StateSearching)

	// second attempt against a fast source
	s.source = &blockingSource{drivers: []models.Driver{driver("new", 5, 0, 0)}}
	s.Request(context.Background(), 0, 0)
	st := waitForState(t, s, StateMatched)
	if st.Driver.ID != "new" {
		t.Fatalf("expected new, got %s", st.Driver.ID)
	}

	close(firstRelease)
	time.Sleep(50 * time.Millisecond)
	if st := s.Status(); st.Driver.ID != "new" {
		t.Fatalf("old attempt overwrote newer result: %s", st.Driver.ID)
	}
}

func TestSessionWatchSeesTransitions(t *testing.T) {
	src := &blockingSource{drivers: []models.Driver{driver("A", 5, 0, 0)}}
	s := NewSession(src)
	ch := s.Watch()
	s.Request(context.Background(), 0, 0)

	seen := map[MatchingState]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[StateMatched] {
		select {
		case st := <-ch:
			seen[st.State] = true
		case <-deadline:
			t.Fatalf("never observed matched, saw %v", seen)
		}
	}
	if !seen[StateSearching] {
		t.Fatal("searching transition not observed")
	}
}
