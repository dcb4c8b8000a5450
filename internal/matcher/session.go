package matcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/gf5-dispatch/internal/geo"
	"github.com/example/gf5-dispatch/internal/models"
)

// MatchingState tags the session status union.
type MatchingState int

const (
	StateIdle MatchingState = iota
	StateSearching
	StateMatched
	StateNoMatch
	StateError
)

func (s MatchingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	case StateNoMatch:
		return "no_match"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MatchingStatus is the session status with its payload: Driver is set only in
// StateMatched, Err only in StateError.
type MatchingStatus struct {
	State  MatchingState
	Driver models.Driver
	Err    string
}

// DriverSource supplies match candidates for a session attempt. The fetch may
// block on the network and must honour ctx cancellation.
type DriverSource interface {
	AvailableDrivers(ctx context.Context) ([]models.Driver, error)
}

// GeoSource backs a session with the service's geo state. A store fetch error
// propagates and surfaces as the session's error state.
type GeoSource struct {
	Geo geo.Geo
}

func (g GeoSource) AvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	return g.Geo.Available()
}

// Session tracks one rider's search for a driver. Each Request supersedes the
// previous one: an attempt publishes its outcome only while it is still the
// current generation, so a response that arrives after Cancel (or after a
// newer Request) cannot overwrite the session state.
type Session struct {
	source DriverSource

	mu     sync.Mutex
	status MatchingStatus
	gen    uint64
	cancel context.CancelFunc
	subs   []chan MatchingStatus
}

func NewSession(source DriverSource) *Session {
	return &Session{source: source, status: MatchingStatus{State: StateIdle}}
}

// Status returns the current session status snapshot.
func (s *Session) Status() MatchingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Watch registers an observer. Slow observers drop updates rather than block
// the session.
func (s *Session) Watch() <-chan MatchingStatus {
	ch := make(chan MatchingStatus, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Request starts a search: the session moves to Searching, fetches the
// candidate list, ranks it, and publishes Matched, NoMatch, or Error. The
// fetch runs under a context cancelled by Cancel or by a newer Request. There
// is no retry; a failed fetch surfaces as Error carrying the cause.
func (s *Session) Request(ctx context.Context, pickupLat, pickupLon float64) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	source := s.source
	ctx, s.cancel = context.WithCancel(ctx)
	s.publishLocked(MatchingStatus{State: StateSearching})
	s.mu.Unlock()

	go s.run(ctx, gen, source, pickupLat, pickupLon)
}

// Cancel stops the in-flight search and resets the session to Idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.publishLocked(MatchingStatus{State: StateIdle})
}

func (s *Session) run(ctx context.Context, gen uint64, source DriverSource, pickupLat, pickupLon float64) {
	drivers, err := source.AvailableDrivers(ctx)
	var st MatchingStatus
	switch {
	case err != nil:
		st = MatchingStatus{State: StateError, Err: fmt.Sprintf("failed to find a match: %v", err)}
	default:
		if best, ok := FindBestMatch(drivers, pickupLat, pickupLon); ok {
			st = MatchingStatus{State: StateMatched, Driver: best}
		} else {
			st = MatchingStatus{State: StateNoMatch}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// superseded by Cancel or a newer Request; drop the stale result
		return
	}
	s.cancel = nil
	s.publishLocked(st)
}

func (s *Session) publishLocked(st MatchingStatus) {
	s.status = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
