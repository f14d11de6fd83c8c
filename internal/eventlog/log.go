// Package eventlog holds the append-only, per-request event history that is the
// only source of truth for request state.
package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
)

var (
	ErrInvalidEvent   = errors.New("invalid event")
	ErrForeignRequest = errors.New("event belongs to another request")
	ErrDuplicateEvent = errors.New("duplicate event id")
)

// Log is the event history of one request. Entries are never removed or
// rewritten. Safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	requestID string
	events    []domain.Event
	ids       map[string]struct{}
}

// New returns a log for requestID seeded with already persisted events.
func New(requestID string, events ...domain.Event) (*Log, error) {
	l := &Log{requestID: requestID, ids: make(map[string]struct{}, len(events))}
	for _, e := range events {
		if err := l.Append(e); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// RequestID returns the owning request.
func (l *Log) RequestID() string { return l.requestID }

// Check is the structural validation every stored event must pass: an id, an
// owning request, an author and a payload.
func Check(e domain.Event) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.RequestID == "":
		return fmt.Errorf("%w: request id is required", ErrInvalidEvent)
	case e.Author.ID == "":
		return fmt.Errorf("%w: author is required", ErrInvalidEvent)
	case e.Payload == nil:
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	return nil
}

// Append adds e. Only structural checks are done here; business rules belong to
// the caller.
func (l *Log) Append(e domain.Event) error {
	if err := Check(e); err != nil {
		return err
	}
	if e.RequestID != l.requestID {
		return fmt.Errorf("%w: %s != %s", ErrForeignRequest, e.RequestID, l.requestID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.ID)
	}
	l.ids[e.ID] = struct{}{}
	l.events = append(l.events, e)
	return nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Snapshot returns an immutable, timestamp-ordered copy of the log.
func (l *Log) Snapshot() Snapshot {
	l.mu.RLock()
	cp := make([]domain.Event, len(l.events))
	copy(cp, l.events)
	l.mu.RUnlock()
	return NewSnapshot(cp)
}

// Snapshot is a read-only view of a log ordered by CreatedAt. Events with equal
// timestamps keep their insertion order.
type Snapshot struct {
	events []domain.Event
}

// NewSnapshot orders events by CreatedAt. The slice is copied.
func NewSnapshot(events []domain.Event) Snapshot {
	cp := make([]domain.Event, len(events))
	copy(cp, events)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].CreatedAt.Before(cp[j].CreatedAt) })
	return Snapshot{events: cp}
}

// Events returns a copy of the ordered entries.
func (s Snapshot) Events() []domain.Event {
	cp := make([]domain.Event, len(s.events))
	copy(cp, s.events)
	return cp
}

func (s Snapshot) Len() int { return len(s.events) }

// Predicate selects events.
type Predicate func(domain.Event) bool

// OfType matches events carrying a payload of type t.
func OfType(t domain.EventType) Predicate {
	return func(e domain.Event) bool { return e.Type() == t }
}

// Approvals matches APPROVE reviews.
func Approvals() Predicate {
	return func(e domain.Event) bool { return e.IsApproval() }
}

// After matches events created strictly after t.
func After(t time.Time) Predicate {
	return func(e domain.Event) bool { return e.CreatedAt.After(t) }
}

// And matches when every predicate matches.
func And(ps ...Predicate) Predicate {
	return func(e domain.Event) bool {
		for _, p := range ps {
			if !p(e) {
				return false
			}
		}
		return true
	}
}

// Filter returns the matching events in order.
func (s Snapshot) Filter(p Predicate) Snapshot {
	out := make([]domain.Event, 0, len(s.events))
	for _, e := range s.events {
		if p(e) {
			out = append(out, e)
		}
	}
	return Snapshot{events: out}
}

// Latest returns the matching event with the greatest timestamp.
func (s Snapshot) Latest(p Predicate) (domain.Event, bool) {
	for i := len(s.events) - 1; i >= 0; i-- {
		if p(s.events[i]) {
			return s.events[i], true
		}
	}
	return domain.Event{}, false
}

// Earliest returns the matching event with the smallest timestamp.
func (s Snapshot) Earliest(p Predicate) (domain.Event, bool) {
	for _, e := range s.events {
		if p(e) {
			return e, true
		}
	}
	return domain.Event{}, false
}

// Count returns the number of matching events.
func (s Snapshot) Count(p Predicate) int {
	n := 0
	for _, e := range s.events {
		if p(e) {
			n++
		}
	}
	return n
}

// CountDistinctAuthors returns how many different authors have a matching event.
func (s Snapshot) CountDistinctAuthors(p Predicate) int {
	seen := map[string]struct{}{}
	for _, e := range s.events {
		if p(e) {
			seen[e.Author.ID] = struct{}{}
		}
	}
	return len(seen)
}
