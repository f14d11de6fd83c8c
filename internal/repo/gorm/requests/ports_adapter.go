package requests

import (
	"context"
	"fmt"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/idgen"
	"github.com/cuihairu/execgate/internal/ports"
)

// PortRepo adapts *Repo to the ports.RequestStore interface.
type PortRepo struct{ r *Repo }

func NewPortRepo(r *Repo) *PortRepo { return &PortRepo{r: r} }

var _ ports.RequestStore = (*PortRepo)(nil)

func (p *PortRepo) CreateRequest(ctx context.Context, req domain.Request) error {
	m, err := fromDomain(req)
	if err != nil {
		return err
	}
	if err := p.r.Create(ctx, m); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("request %s: %w", m.ID, ports.ErrDuplicate)
		}
		return err
	}
	switch v := req.(type) {
	case *domain.DatasourceRequest:
		v.ID, v.CreatedAt = m.ID, m.CreatedAt
	case *domain.KubernetesRequest:
		v.ID, v.CreatedAt = m.ID, m.CreatedAt
	}
	return nil
}

func (p *PortRepo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	m, err := p.r.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("request %s: %w", id, ports.ErrNotFound)
		}
		return nil, err
	}
	return toDomain(m)
}

func (p *PortRepo) ListRequests(ctx context.Context, f ports.RequestFilter) ([]domain.Request, error) {
	arr, err := p.r.List(ctx, Filter{AuthorID: f.AuthorID, ConnectionID: f.ConnectionID, Kind: string(f.Kind), Limit: f.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Request, 0, len(arr))
	for _, m := range arr {
		req, err := toDomain(m)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (p *PortRepo) ListEvents(ctx context.Context, requestID string) ([]domain.Event, error) {
	arr, err := p.r.ListEvents(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(arr))
	for _, m := range arr {
		payload, err := domain.DecodePayload(domain.EventType(m.Type), m.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", m.ID, err)
		}
		e, err := domain.NewEvent(m.ID, m.RequestID, domain.User{ID: m.AuthorID, Email: m.AuthorEmail, FullName: m.AuthorName}, m.CreatedAt, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *PortRepo) AppendEvent(ctx context.Context, e domain.Event) error {
	e.ID = idgen.Ensure(e.ID)
	if err := eventlog.Check(e); err != nil {
		return err
	}
	raw, err := domain.EncodePayload(e.Payload)
	if err != nil {
		return err
	}
	m := &Event{
		ID:          e.ID,
		RequestID:   e.RequestID,
		Type:        string(e.Type()),
		AuthorID:    e.Author.ID,
		AuthorEmail: e.Author.Email,
		AuthorName:  e.Author.FullName,
		Payload:     raw,
		CreatedAt:   e.CreatedAt.UTC(),
	}
	if err := p.r.AppendEvent(ctx, m); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("event %s: %w", e.ID, ports.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (p *PortRepo) Atomically(ctx context.Context, requestID string, fn func(ctx context.Context, tx ports.RequestStore) error) error {
	err := p.r.Atomically(ctx, requestID, func(tx *Repo) error {
		return fn(ctx, &PortRepo{r: tx})
	})
	if isNotFound(err) {
		return fmt.Errorf("request %s: %w", requestID, ports.ErrNotFound)
	}
	return err
}

// Helpers
func fromDomain(req domain.Request) (*Request, error) {
	b := req.Base()
	c := req.Conn()
	if c == nil {
		return nil, fmt.Errorf("request %s has no connection", b.ID)
	}
	snap, err := snapshotOf(c)
	if err != nil {
		return nil, err
	}
	m := &Request{
		ID:           b.ID,
		Kind:         string(b.Kind),
		Title:        b.Title,
		Description:  b.Description,
		AuthorID:     b.Author.ID,
		AuthorEmail:  b.Author.Email,
		AuthorName:   b.Author.FullName,
		ConnectionID: c.ConnectionID(),
		Connection:   snap,
		CreatedAt:    b.CreatedAt.UTC(),
	}
	switch v := req.(type) {
	case *domain.DatasourceRequest:
		m.Type = typeDatasource
		m.Statement, m.ReadOnly = v.Statement, v.ReadOnly
	case *domain.KubernetesRequest:
		m.Type = typeKubernetes
		m.Namespace, m.PodName, m.ContainerName, m.Command = v.Namespace, v.PodName, v.ContainerName, v.Command
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
	return m, nil
}

func toDomain(m *Request) (domain.Request, error) {
	base := domain.RequestBase{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Kind:        domain.RequestKind(m.Kind),
		Author:      domain.User{ID: m.AuthorID, Email: m.AuthorEmail, FullName: m.AuthorName},
		CreatedAt:   m.CreatedAt,
	}
	s, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	switch m.Type {
	case typeDatasource:
		return &domain.DatasourceRequest{
			RequestBase: base,
			Connection:  &domain.DatasourceConnection{ID: s.ID, DisplayName: s.DisplayName, DatabaseType: s.DatabaseType, Policy: s.Policy},
			Statement:   m.Statement,
			ReadOnly:    m.ReadOnly,
		}, nil
	case typeKubernetes:
		return &domain.KubernetesRequest{
			RequestBase:   base,
			Connection:    &domain.KubernetesConnection{ID: s.ID, DisplayName: s.DisplayName, Policy: s.Policy},
			Namespace:     m.Namespace,
			PodName:       m.PodName,
			ContainerName: m.ContainerName,
			Command:       m.Command,
		}, nil
	}
	return nil, fmt.Errorf("request %s: unknown type %q", m.ID, m.Type)
}
