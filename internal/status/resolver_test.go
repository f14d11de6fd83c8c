package status

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func request(kind domain.RequestKind, p domain.Policy) *domain.DatasourceRequest {
	return &domain.DatasourceRequest{
		RequestBase: domain.RequestBase{ID: "r1", Kind: kind, Author: domain.User{ID: "author"}, CreatedAt: t0},
		Connection:  &domain.DatasourceConnection{ID: "c1", DatabaseType: domain.DatabasePostgres, Policy: p},
		Statement:   "SELECT 1",
	}
}

type builder struct {
	n      int
	events []domain.Event
}

func (b *builder) add(author string, at time.Time, p domain.Payload) *builder {
	b.n++
	b.events = append(b.events, domain.Event{ID: fmt.Sprintf("e%d", b.n), RequestID: "r1", Author: domain.User{ID: author}, CreatedAt: at, Payload: p})
	return b
}

func (b *builder) approve(author string, at time.Time) *builder {
	return b.add(author, at, domain.ReviewPayload{Action: domain.ReviewApprove})
}

func (b *builder) snap() eventlog.Snapshot { return eventlog.NewSnapshot(b.events) }

func fixed(at time.Time) Option { return WithClock(func() time.Time { return at }) }

func TestApprovalCountDedupesAuthors(t *testing.T) {
	r := NewResolver()
	b := (&builder{}).
		approve("alice", t0).
		approve("alice", t0.Add(time.Minute)).
		approve("bob", t0.Add(2*time.Minute)).
		add("carol", t0.Add(3*time.Minute), domain.ReviewPayload{Action: domain.ReviewRequestChange}).
		add("dave", t0.Add(4*time.Minute), domain.CommentPayload{Comment: "lgtm"})

	assert.Equal(t, 2, r.ApprovalCount(b.snap()))
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 2})
	assert.Equal(t, Approved, r.ReviewStatus(req, b.snap()))
	req = request(domain.SingleExecution, domain.Policy{NumTotalRequired: 3})
	assert.Equal(t, AwaitingApproval, r.ReviewStatus(req, b.snap()))
}

func TestEditResetsApprovals(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 1})
	b := (&builder{}).approve("alice", t0)
	require.Equal(t, Approved, r.ReviewStatus(req, b.snap()))

	b.add("author", t0.Add(time.Minute), domain.EditPayload{Statement: "SELECT 2"})
	assert.Equal(t, AwaitingApproval, r.ReviewStatus(req, b.snap()))
	assert.Equal(t, 0, r.ApprovalCount(b.snap()))

	// approval at the same instant as the edit does not count
	b.approve("bob", t0.Add(time.Minute))
	assert.Equal(t, AwaitingApproval, r.ReviewStatus(req, b.snap()))

	b.approve("alice", t0.Add(2*time.Minute))
	assert.Equal(t, Approved, r.ReviewStatus(req, b.snap()))
}

func TestEditOrderingUsesTimestampNotInsertion(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 1})
	// approval inserted first but stamped after the edit
	b := (&builder{}).
		approve("alice", t0.Add(5*time.Minute)).
		add("author", t0, domain.EditPayload{})
	assert.Equal(t, Approved, r.ReviewStatus(req, b.snap()))
}

func TestZeroQuorumIsApprovedWithoutEvents(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 0})
	assert.Equal(t, Approved, r.ReviewStatus(req, eventlog.NewSnapshot(nil)))
}

// The author's own approval counts toward the quorum. Kept deliberately; see
// DESIGN.md, self-approval.
func TestSelfApprovalCounts(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 1})
	b := (&builder{}).approve("author", t0)
	assert.Equal(t, Approved, r.ReviewStatus(req, b.snap()))
}

func TestSingleExecutionUnlimited(t *testing.T) {
	r := NewResolver()
	b := &builder{}
	for i := 0; i < 10; i++ {
		b.add("author", t0.Add(time.Duration(i)*time.Minute), domain.ExecutePayload{})
	}
	for _, p := range []domain.Policy{{MaxExecutions: nil}, {MaxExecutions: domain.MaxExecutionsOf(0)}} {
		assert.Equal(t, Executable, r.ExecutionStatus(request(domain.SingleExecution, p), b.snap()))
	}
}

func TestSingleExecutionCap(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{MaxExecutions: domain.MaxExecutionsOf(2)})
	b := &builder{}
	assert.Equal(t, Executable, r.ExecutionStatus(req, b.snap()))
	b.add("author", t0, domain.ExecutePayload{})
	assert.Equal(t, Executable, r.ExecutionStatus(req, b.snap()))
	b.add("author", t0.Add(time.Second), domain.ExecutePayload{})
	assert.Equal(t, Executed, r.ExecutionStatus(req, b.snap()))
	b.add("author", t0.Add(2*time.Second), domain.ExecutePayload{})
	assert.Equal(t, Executed, r.ExecutionStatus(req, b.snap()))
}

func TestNegativeCapComparesLiterally(t *testing.T) {
	r := NewResolver()
	req := request(domain.SingleExecution, domain.Policy{MaxExecutions: domain.MaxExecutionsOf(-1)})
	assert.Equal(t, Executed, r.ExecutionStatus(req, eventlog.NewSnapshot(nil)))
}

func TestTemporaryAccessLease(t *testing.T) {
	req := request(domain.TemporaryAccess, domain.Policy{NumTotalRequired: 1})
	b := &builder{}
	assert.Equal(t, Executable, NewResolver(fixed(t0)).ExecutionStatus(req, b.snap()))

	b.add("author", t0, domain.ExecutePayload{Statement: "SELECT 1"})
	b.add("author", t0.Add(30*time.Minute), domain.ExecutePayload{Statement: "SELECT 2"})

	cases := []struct {
		now  time.Time
		want ExecutionStatus
	}{
		{t0, Active},
		{t0.Add(59 * time.Minute), Active},
		{t0.Add(60*time.Minute - time.Nanosecond), Active},
		{t0.Add(60 * time.Minute), Executed},
		{t0.Add(61 * time.Minute), Executed},
	}
	for _, c := range cases {
		got := NewResolver(fixed(c.now)).ExecutionStatus(req, b.snap())
		assert.Equal(t, c.want, got, "now=%s", c.now.Sub(t0))
	}
}

func TestTemporaryAccessCustomLease(t *testing.T) {
	req := request(domain.TemporaryAccess, domain.Policy{})
	b := (&builder{}).add("author", t0, domain.ExecutePayload{})
	r := NewResolver(fixed(t0.Add(10*time.Minute)), WithLease(5*time.Minute))
	assert.Equal(t, Executed, r.ExecutionStatus(req, b.snap()))
}

func TestResolveCombines(t *testing.T) {
	req := request(domain.SingleExecution, domain.Policy{NumTotalRequired: 1, MaxExecutions: domain.MaxExecutionsOf(1)})
	b := (&builder{}).approve("alice", t0).add("author", t0.Add(time.Minute), domain.ExecutePayload{})
	res := NewResolver().Resolve(req, b.snap())
	assert.Equal(t, Result{Review: Approved, Execution: Executed, Approvals: 1, Required: 1}, res)
}

func TestUnknownKindPanics(t *testing.T) {
	req := request("Bogus", domain.Policy{})
	assert.Panics(t, func() { NewResolver().ExecutionStatus(req, eventlog.NewSnapshot(nil)) })
}
