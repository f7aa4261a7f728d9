package session

import "sync"

// EventKind identifies a session lifecycle notification.
type EventKind int

const (
	// EventHydrated is emitted once, when the startup hydration pass has finished.
	EventHydrated EventKind = iota + 1
	// EventLoggedIn is the "session started" notification.
	EventLoggedIn
	// EventRefreshed is emitted once per successful refresh flight.
	EventRefreshed
	// EventLoggedOut is emitted when an explicit logout ends an authenticated session.
	EventLoggedOut
	// EventExpired is emitted instead of EventLoggedOut when a failed refresh ends the session.
	EventExpired
	// EventProfileUnavailable is a non-fatal notification that the profile fetch failed.
	EventProfileUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventHydrated:
		return "hydrated"
	case EventLoggedIn:
		return "logged_in"
	case EventRefreshed:
		return "refreshed"
	case EventLoggedOut:
		return "logged_out"
	case EventExpired:
		return "expired"
	case EventProfileUnavailable:
		return "profile_unavailable"
	default:
		return "unknown"
	}
}

// Event carries the kind of change and the state right after it.
type Event struct {
	Kind  EventKind
	State State
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

// notify calls every subscriber without holding the lock, so a subscriber may call back into
// the manager or unsubscribe.
func (s *subscribers) notify(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
