package requests

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuihairu/execgate/internal/db"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/idgen"
	"github.com/cuihairu/execgate/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newStore(t *testing.T) *PortRepo {
	t.Helper()
	g, err := db.Open("sqlite:///"+filepath.Join(t.TempDir(), "requests.db"), db.Options{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(g))
	t.Cleanup(func() {
		if sqlDB, err := g.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewPortRepo(NewRepo(g))
}

var (
	alice = domain.User{ID: "alice", Email: "alice@example.com", FullName: "Alice"}
	bob   = domain.User{ID: "bob"}
	t0    = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func sqlRequest() *domain.DatasourceRequest {
	return &domain.DatasourceRequest{
		RequestBase: domain.RequestBase{Title: "fix row", Kind: domain.SingleExecution, Author: alice, CreatedAt: t0},
		Connection: &domain.DatasourceConnection{
			ID: "orders-db", DisplayName: "Orders", DatabaseType: domain.DatabaseMySQL,
			Policy: domain.Policy{NumTotalRequired: 2, MaxExecutions: domain.MaxExecutionsOf(1)},
		},
		Statement: "UPDATE orders SET state = 'x' WHERE id = 1",
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	req := sqlRequest()
	require.NoError(t, s.CreateRequest(ctx, req))
	require.True(t, idgen.Valid(req.ID), req.ID)

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	ds, ok := got.(*domain.DatasourceRequest)
	require.True(t, ok)
	assert.Equal(t, req.Statement, ds.Statement)
	assert.Equal(t, alice, ds.Author)
	assert.Equal(t, domain.DatabaseMySQL, ds.Connection.DatabaseType)
	require.NotNil(t, ds.Connection.Policy.MaxExecutions)
	assert.Equal(t, 1, *ds.Connection.Policy.MaxExecutions)
	assert.Equal(t, 2, ds.Connection.Policy.NumTotalRequired)
	assert.True(t, t0.Equal(ds.CreatedAt))

	err = s.CreateRequest(ctx, req)
	assert.True(t, errors.Is(err, ports.ErrDuplicate), err)
}

func TestKubernetesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	req := &domain.KubernetesRequest{
		RequestBase:   domain.RequestBase{Kind: domain.TemporaryAccess, Author: bob},
		Connection:    &domain.KubernetesConnection{ID: "prod-k8s"},
		Namespace:     "shop",
		PodName:       "api-0",
		ContainerName: "api",
		Command:       "sh",
	}
	require.NoError(t, s.CreateRequest(ctx, req))
	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	k, ok := got.(*domain.KubernetesRequest)
	require.True(t, ok)
	assert.Equal(t, "api-0", k.PodName)
	assert.Nil(t, k.Connection.Policy.MaxExecutions)
	assert.False(t, k.CreatedAt.IsZero())

	list, err := s.ListRequests(ctx, ports.RequestFilter{AuthorID: "bob"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetMissing(t *testing.T) {
	_, err := newStore(t).GetRequest(context.Background(), "nope")
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestEventsOrderedByTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	req := sqlRequest()
	require.NoError(t, s.CreateRequest(ctx, req))

	mk := func(at time.Time, p domain.Payload) domain.Event {
		e, err := domain.NewEvent(idgen.Generate(), req.ID, bob, at, p)
		require.NoError(t, err)
		return e
	}
	late := mk(t0.Add(2*time.Minute), domain.ExecutePayload{})
	early := mk(t0.Add(time.Minute), domain.ReviewPayload{Action: domain.ReviewApprove, Comment: "ok"})
	edit := mk(t0.Add(90*time.Second), domain.EditPayload{Statement: "SELECT 1", PreviousStatement: req.Statement})
	for _, e := range []domain.Event{late, early, edit} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, early.ID, events[0].ID)
	assert.Equal(t, edit.ID, events[1].ID)
	assert.Equal(t, late.ID, events[2].ID)
	assert.True(t, events[0].IsApproval())
	assert.Equal(t, edit.Payload, events[1].Payload)

	err = s.AppendEvent(ctx, early)
	assert.True(t, errors.Is(err, ports.ErrDuplicate), err)
}

func TestAtomically(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	req := sqlRequest()
	require.NoError(t, s.CreateRequest(ctx, req))

	err := s.Atomically(ctx, "missing", func(context.Context, ports.RequestStore) error { return nil })
	assert.True(t, errors.Is(err, ports.ErrNotFound))

	boom := errors.New("boom")
	err = s.Atomically(ctx, req.ID, func(ctx context.Context, tx ports.RequestStore) error {
		e, _ := domain.NewEvent("", req.ID, alice, t0, domain.ExecutePayload{})
		require.NoError(t, tx.AppendEvent(ctx, e))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	events, err := s.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, events, "rolled back")

	err = s.Atomically(ctx, req.ID, func(ctx context.Context, tx ports.RequestStore) error {
		e, _ := domain.NewEvent("", req.ID, alice, t0, domain.ExecutePayload{})
		return tx.AppendEvent(ctx, e)
	})
	require.NoError(t, err)
	events, err = s.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.True(t, idgen.Valid(events[0].ID))
}

func TestCorruptConnectionSnapshotFailsClosed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	req := sqlRequest()
	require.NoError(t, s.CreateRequest(ctx, req))

	err := s.r.db.WithContext(ctx).Model(&Request{}).Where("id = ?", req.ID).
		Update("connection", datatypes.JSON(`{"policy":`)).Error
	require.NoError(t, err)

	_, err = s.GetRequest(ctx, req.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode connection snapshot")

	_, err = s.ListRequests(ctx, ports.RequestFilter{})
	require.Error(t, err)
}

func TestAppendRejectsAnonymousAuthor(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	req := sqlRequest()
	require.NoError(t, s.CreateRequest(ctx, req))

	anon, err := domain.NewEvent(idgen.Generate(), req.ID, domain.User{}, t0.Add(time.Minute), domain.ReviewPayload{Action: domain.ReviewApprove})
	require.NoError(t, err)
	err = s.AppendEvent(ctx, anon)
	assert.True(t, errors.Is(err, eventlog.ErrInvalidEvent), err)

	events, err := s.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
