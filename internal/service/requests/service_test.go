package requests

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuihairu/execgate/internal/audit/chain"
	"github.com/cuihairu/execgate/internal/authz"
	"github.com/cuihairu/execgate/internal/db"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/export"
	"github.com/cuihairu/execgate/internal/lock"
	"github.com/cuihairu/execgate/internal/notify"
	"github.com/cuihairu/execgate/internal/policy"
	"github.com/cuihairu/execgate/internal/ports"
	reqrepo "github.com/cuihairu/execgate/internal/repo/gorm/requests"
	"github.com/cuihairu/execgate/internal/repo/memory"
	"github.com/cuihairu/execgate/internal/status"
	"github.com/cuihairu/execgate/internal/telemetry"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	alice = domain.User{ID: "alice"}
	bob   = domain.User{ID: "bob"}
	carol = domain.User{ID: "carol"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func registry() *policy.Registry {
	return policy.NewRegistry(
		&domain.DatasourceConnection{ID: "orders", DatabaseType: domain.DatabasePostgres, Policy: domain.Policy{NumTotalRequired: 2, MaxExecutions: domain.MaxExecutionsOf(1)}},
		&domain.DatasourceConnection{ID: "reporting", DatabaseType: domain.DatabaseMySQL, Policy: domain.Policy{NumTotalRequired: 1, MaxExecutions: domain.MaxExecutionsOf(3)}},
		&domain.KubernetesConnection{ID: "prod", Policy: domain.Policy{NumTotalRequired: 1}},
	)
}

func newService(t *testing.T, opts ...Option) (*Service, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(memory.NewStore(), registry(), append([]Option{WithClock(c.Now)}, opts...)...), c
}

func createSQL(t *testing.T, s *Service, conn, stmt string, kind domain.RequestKind) *domain.DatasourceRequest {
	t.Helper()
	req, err := s.CreateDatasourceRequest(context.Background(), alice, DatasourceInput{ConnectionID: conn, Title: "fix", Kind: kind, Statement: stmt})
	require.NoError(t, err)
	return req
}

func TestSingleExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	req := createSQL(t, s, "orders", "UPDATE t SET a = 1", domain.SingleExecution)

	_, err := s.Execute(ctx, req.ID, alice, "")
	assert.True(t, errors.Is(err, ErrForbidden), "not approved")

	// self-approval counts
	_, err = s.Review(ctx, req.ID, alice, domain.ReviewApprove, "mine")
	require.NoError(t, err)
	_, err = s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)

	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Approved, d.Status.Review)
	assert.Equal(t, status.Executable, d.Status.Execution)
	assert.Equal(t, 2, d.Status.Approvals)

	_, err = s.Execute(ctx, req.ID, bob, "")
	assert.True(t, errors.Is(err, ErrForbidden), "only the author executes")

	ev, err := s.Execute(ctx, req.ID, alice, "ignored")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutePayload{Statement: "UPDATE t SET a = 1"}, ev.Payload)

	_, err = s.Execute(ctx, req.ID, alice, "")
	assert.True(t, errors.Is(err, ErrAlreadyExecuted))

	d, err = s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Executed, d.Status.Execution)
	assert.Len(t, d.Events, 3)
}

func TestEditResetsApprovals(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	req := createSQL(t, s, "orders", "SELECT 1", domain.SingleExecution)

	_, err := s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)
	_, err = s.Review(ctx, req.ID, carol, domain.ReviewApprove, "")
	require.NoError(t, err)

	_, err = s.Edit(ctx, req.ID, bob, "SELECT 2")
	assert.True(t, errors.Is(err, ErrForbidden))

	ev, err := s.Edit(ctx, req.ID, alice, "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, domain.EditPayload{Statement: "SELECT 2", PreviousStatement: "SELECT 1"}, ev.Payload)

	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingApproval, d.Status.Review)
	assert.Zero(t, d.Status.Approvals)
	assert.Equal(t, "SELECT 2", d.Request.(*domain.DatasourceRequest).Statement)
	assert.Equal(t, "SELECT 1", d.Original.(*domain.DatasourceRequest).Statement)

	ok, err := s.Authorize(ctx, req.ID, alice, authz.PermissionExecute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	_, err := s.CreateDatasourceRequest(ctx, alice, DatasourceInput{ConnectionID: "nope", Title: "x", Kind: domain.SingleExecution, Statement: "SELECT 1"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.CreateDatasourceRequest(ctx, alice, DatasourceInput{ConnectionID: "prod", Title: "x", Kind: domain.SingleExecution, Statement: "SELECT 1"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = s.CreateDatasourceRequest(ctx, alice, DatasourceInput{ConnectionID: "orders", Title: "x", Kind: domain.SingleExecution})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = s.CreateDatasourceRequest(ctx, alice, DatasourceInput{ConnectionID: "orders", Title: "x", Kind: "Forever"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = s.CreateDatasourceRequest(ctx, domain.User{}, DatasourceInput{ConnectionID: "orders", Title: "x", Kind: domain.TemporaryAccess})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = s.CreateKubernetesRequest(ctx, alice, KubernetesInput{ConnectionID: "prod", Title: "x", Kind: domain.SingleExecution, Namespace: "ns", PodName: "p"})
	assert.True(t, errors.Is(err, ErrInvalidInput), "command required")

	_, err = s.CreateKubernetesRequest(ctx, alice, KubernetesInput{ConnectionID: "orders", Title: "x", Kind: domain.TemporaryAccess, Namespace: "ns", PodName: "p"})
	assert.True(t, errors.Is(err, ErrInvalidInput), "wrong connection type")

	req := createSQL(t, s, "orders", "SELECT 1", domain.SingleExecution)
	_, err = s.Comment(ctx, req.ID, bob, "  ")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = s.Review(ctx, req.ID, bob, "MAYBE", "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = s.Edit(ctx, req.ID, alice, "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = s.Comment(ctx, "missing", bob, "hi")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTemporaryAccessLease(t *testing.T) {
	ctx := context.Background()
	s, c := newService(t)
	req, err := s.CreateKubernetesRequest(ctx, alice, KubernetesInput{ConnectionID: "prod", Title: "debug", Kind: domain.TemporaryAccess, Namespace: "shop", PodName: "api-0"})
	require.NoError(t, err)
	_, err = s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)

	ev, err := s.Execute(ctx, req.ID, alice, "ls /tmp")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutePayload{Statement: "ls /tmp"}, ev.Payload)

	c.Advance(30 * time.Minute)
	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Active, d.Status.Execution)
	_, err = s.Execute(ctx, req.ID, alice, "env")
	require.NoError(t, err)

	c.Advance(30 * time.Minute)
	_, err = s.Execute(ctx, req.ID, alice, "env")
	assert.True(t, errors.Is(err, ErrAlreadyExecuted))
}

func TestExportCheck(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	req := createSQL(t, s, "orders", "SELECT * FROM t;", domain.SingleExecution)

	ok, reason, err := s.CanExportCSV(ctx, req.ID, bob, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, export.ReasonNotApproved, reason)

	for _, u := range []domain.User{bob, carol} {
		_, err := s.Review(ctx, req.ID, u, domain.ReviewApprove, "")
		require.NoError(t, err)
	}
	ok, reason, err = s.CanExportCSV(ctx, req.ID, bob, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	_, _, err = s.CanExportCSV(ctx, "missing", bob, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRoleLayerNarrows(t *testing.T) {
	ctx := context.Background()
	p, err := authz.NewCasbinPolicyFromModel("")
	require.NoError(t, err)
	require.NoError(t, p.AddPolicy("role:engineer", "execution_request", "*"))
	require.NoError(t, p.AddPolicy("role:viewer", "execution_request", "get"))
	roles := map[string][]string{"alice": {"engineer"}, "bob": {"engineer"}, "carol": {"viewer"}}
	s, _ := newService(t, WithRoles(p, func(u domain.User) []string { return roles[u.ID] }))

	req := createSQL(t, s, "reporting", "SELECT 1", domain.SingleExecution)
	_, err = s.Comment(ctx, req.ID, carol, "looks fine")
	require.NoError(t, err)
	_, err = s.Review(ctx, req.ID, carol, domain.ReviewApprove, "")
	assert.True(t, errors.Is(err, ErrForbidden))
	_, _, err = s.CanExportCSV(ctx, req.ID, carol, "")
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)
	_, err = s.Execute(ctx, req.ID, alice, "")
	require.NoError(t, err)
}

func approveAndHammer(t *testing.T, s *Service, callers int) (int, []domain.Event) {
	t.Helper()
	ctx := context.Background()
	req := createSQL(t, s, "reporting", "SELECT 1", domain.SingleExecution)
	_, err := s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Execute(ctx, req.ID, alice, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyExecuted):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, callers, ok+rejected)

	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	var execs []domain.Event
	for _, e := range d.Events {
		if e.Type() == domain.EventExecute {
			execs = append(execs, e)
		}
	}
	return ok, execs
}

func TestConcurrentExecuteRespectsCapMemory(t *testing.T) {
	s, _ := newService(t)
	ok, execs := approveAndHammer(t, s, 20)
	assert.Equal(t, 3, ok)
	assert.Len(t, execs, 3)
}

func TestConcurrentExecuteRespectsCapSQLite(t *testing.T) {
	g, err := db.Open("sqlite:///"+filepath.Join(t.TempDir(), "gate.db"), db.Options{})
	require.NoError(t, err)
	require.NoError(t, reqrepo.AutoMigrate(g))
	t.Cleanup(func() {
		if sqlDB, err := g.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	c := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := NewService(reqrepo.NewPortRepo(reqrepo.NewRepo(g)), registry(), WithClock(c.Now))

	ok, execs := approveAndHammer(t, s, 20)
	assert.Equal(t, 3, ok)
	assert.Len(t, execs, 3)
}

func TestConcurrentExecuteWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	s, _ := newService(t, WithLocker(lock.NewRedis(cli, lock.WithBackoff(time.Millisecond, 5*time.Millisecond))))

	ok, execs := approveAndHammer(t, s, 10)
	assert.Equal(t, 3, ok)
	assert.Len(t, execs, 3)
}

func TestSideEffects(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	aw, err := chain.NewWriter(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = aw.Close() })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.NewGateMetrics(mp.Meter("test"))
	require.NoError(t, err)

	s, _ := newService(t, WithNotifier(notify.NewRedis(cli, "gate", 0, false)), WithAuditor(aw), WithMetrics(m))
	req := createSQL(t, s, "reporting", "SELECT 1", domain.SingleExecution)
	rev, err := s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)
	_, err = s.Execute(ctx, req.ID, alice, "")
	require.NoError(t, err)

	msgs, err := cli.XRange(ctx, "gate", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	var first notify.Message
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &first))
	assert.Equal(t, rev.ID, first.EventID)
	assert.Equal(t, domain.ReviewApprove, first.Action)

	n, err := chain.VerifyFile(auditPath)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "create, review, execute")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var appended int64
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name == "execgate.events.appended" {
				for _, dp := range mt.Data.(metricdata.Sum[int64]).DataPoints {
					appended += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), appended)
}

func TestPolicyChangeAppliesToOpenRequests(t *testing.T) {
	ctx := context.Background()
	reg := registry()
	c := &clock{t: time.Now()}
	s := NewService(memory.NewStore(), reg, WithClock(c.Now))
	req := createSQL(t, s, "orders", "SELECT 1", domain.SingleExecution)
	_, err := s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)

	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingApproval, d.Status.Review)

	s.conns = policy.NewRegistry(&domain.DatasourceConnection{ID: "orders", Policy: domain.Policy{NumTotalRequired: 1}})
	d, err = s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Approved, d.Status.Review)
	assert.Equal(t, 1, d.Status.Required)

	list, err := s.List(ctx, ports.RequestFilter{AuthorID: "alice"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAnonymousActorRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	req := createSQL(t, s, "reporting", "SELECT 1", domain.SingleExecution)

	_, err := s.Review(ctx, req.ID, domain.User{}, domain.ReviewApprove, "")
	assert.True(t, errors.Is(err, ErrInvalidInput), err)
	_, err = s.Comment(ctx, req.ID, domain.User{ID: "  "}, "hi")
	assert.True(t, errors.Is(err, ErrInvalidInput), err)

	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingApproval, d.Status.Review)
	assert.Zero(t, d.Status.Approvals)
	assert.Empty(t, d.Events)

	_, err = s.Execute(ctx, req.ID, alice, "")
	assert.True(t, errors.Is(err, ErrForbidden), err)
	_, err = s.Execute(ctx, req.ID, domain.User{}, "")
	assert.True(t, errors.Is(err, ErrInvalidInput), err)
}

func TestEventTimesKeepMicrosecondPrecision(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	now := base
	s := NewService(memory.NewStore(), registry(), WithClock(func() time.Time { return now }))
	req := createSQL(t, s, "reporting", "SELECT 1", domain.SingleExecution)

	// both land in the same microsecond, so the approval is not after the edit
	now = base.Add(1200 * time.Nanosecond)
	edit, err := s.Edit(ctx, req.ID, alice, "SELECT 2")
	require.NoError(t, err)
	now = base.Add(1700 * time.Nanosecond)
	_, err = s.Review(ctx, req.ID, bob, domain.ReviewApprove, "")
	require.NoError(t, err)

	assert.True(t, edit.CreatedAt.Equal(base.Add(time.Microsecond)))
	d, err := s.Details(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingApproval, d.Status.Review)
	for _, e := range d.Events {
		assert.Zero(t, e.CreatedAt.Nanosecond()%1000, e.ID)
	}
}
