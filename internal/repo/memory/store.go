// Package memory is an in-memory request store (dev/testing fallback).
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/idgen"
	"github.com/cuihairu/execgate/internal/ports"
)

type Store struct {
	mu       sync.RWMutex
	requests map[string]domain.Request
	order    []string
	logs     map[string]*eventlog.Log
	// event ids are unique across requests, as in the SQL schema
	eventIDs map[string]struct{}

	// txMu serialises Atomically blocks, standing in for a row lock.
	txMu sync.Mutex
	now  func() time.Time
}

var _ ports.RequestStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		requests: map[string]domain.Request{},
		logs:     map[string]*eventlog.Log{},
		eventIDs: map[string]struct{}{},
		now:      time.Now,
	}
}

func (m *Store) CreateRequest(_ context.Context, req domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := req.(type) {
	case *domain.DatasourceRequest:
		v.ID = idgen.Ensure(v.ID)
		if v.CreatedAt.IsZero() {
			v.CreatedAt = m.now()
		}
	case *domain.KubernetesRequest:
		v.ID = idgen.Ensure(v.ID)
		if v.CreatedAt.IsZero() {
			v.CreatedAt = m.now()
		}
	default:
		return fmt.Errorf("unsupported request %T", req)
	}
	id := req.Base().ID
	if _, ok := m.requests[id]; ok {
		return fmt.Errorf("request %s: %w", id, ports.ErrDuplicate)
	}
	l, err := eventlog.New(id)
	if err != nil {
		return err
	}
	m.requests[id] = clone(req)
	m.logs[id] = l
	m.order = append(m.order, id)
	return nil
}

func (m *Store) GetRequest(_ context.Context, id string) (domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.requests[id]
	if r == nil {
		return nil, fmt.Errorf("request %s: %w", id, ports.ErrNotFound)
	}
	return clone(r), nil
}

func (m *Store) ListRequests(_ context.Context, f ports.RequestFilter) ([]domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Request
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.requests[m.order[i]]
		b := r.Base()
		if f.AuthorID != "" && b.Author.ID != f.AuthorID {
			continue
		}
		if f.ConnectionID != "" && r.Conn().ConnectionID() != f.ConnectionID {
			continue
		}
		if f.Kind != "" && b.Kind != f.Kind {
			continue
		}
		out = append(out, clone(r))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Store) ListEvents(_ context.Context, requestID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.logs[requestID]
	if l == nil {
		return nil, nil
	}
	return l.Snapshot().Events(), nil
}

func (m *Store) AppendEvent(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = idgen.Ensure(e.ID)
	if err := eventlog.Check(e); err != nil {
		return err
	}
	l := m.logs[e.RequestID]
	if l == nil {
		return fmt.Errorf("request %s: %w", e.RequestID, ports.ErrNotFound)
	}
	if _, ok := m.eventIDs[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, ports.ErrDuplicate)
	}
	if err := l.Append(e); err != nil {
		if errors.Is(err, eventlog.ErrDuplicateEvent) {
			return fmt.Errorf("event %s: %w", e.ID, ports.ErrDuplicate)
		}
		return err
	}
	m.eventIDs[e.ID] = struct{}{}
	return nil
}

// Atomically runs fn while holding the store-wide transaction mutex. Writes
// are applied directly; there is no rollback.
func (m *Store) Atomically(ctx context.Context, requestID string, fn func(ctx context.Context, tx ports.RequestStore) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if _, err := m.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return fn(ctx, m)
}

func clone(r domain.Request) domain.Request {
	switch v := r.(type) {
	case *domain.DatasourceRequest:
		cp := *v
		if v.Connection != nil {
			c := *v.Connection
			cp.Connection = &c
		}
		return &cp
	case *domain.KubernetesRequest:
		cp := *v
		if v.Connection != nil {
			c := *v.Connection
			cp.Connection = &c
		}
		return &cp
	}
	return r
}
