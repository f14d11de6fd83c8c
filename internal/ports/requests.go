package ports

import (
	"context"
	"errors"

	"github.com/cuihairu/execgate/internal/domain"
)

var (
	// ErrNotFound is returned for an unknown request or connection id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an id is already taken.
	ErrDuplicate = errors.New("duplicate id")
)

// RequestStore persists requests and their append-only event logs.
type RequestStore interface {
	CreateRequest(ctx context.Context, req domain.Request) error
	GetRequest(ctx context.Context, id string) (domain.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error)

	// Events come back ordered by CreatedAt, ties by insertion.
	ListEvents(ctx context.Context, requestID string) ([]domain.Event, error)
	AppendEvent(ctx context.Context, e domain.Event) error

	// Atomically runs fn against a store bound to one transaction in which the
	// request row is locked. Reads and appends made through tx commit together.
	Atomically(ctx context.Context, requestID string, fn func(ctx context.Context, tx RequestStore) error) error
}

type RequestFilter struct {
	AuthorID     string
	ConnectionID string
	Kind         domain.RequestKind
	Limit        int
}

// ConnectionLookup resolves connection ids to their current definition and
// review policy.
type ConnectionLookup interface {
	Connection(id string) (domain.Connection, error)
}

