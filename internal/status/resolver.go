// Package status derives review and execution status from a request's event log.
// Nothing here is cached: every call recomputes from the snapshot it is given.
package status

import (
	"fmt"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
)

type ReviewStatus string

const (
	AwaitingApproval ReviewStatus = "AWAITING_APPROVAL"
	Approved         ReviewStatus = "APPROVED"
)

type ExecutionStatus string

const (
	Executable ExecutionStatus = "EXECUTABLE"
	Active     ExecutionStatus = "ACTIVE"
	Executed   ExecutionStatus = "EXECUTED"
)

// DefaultLease is how long a TemporaryAccess request stays active after its
// first execution.
const DefaultLease = 60 * time.Minute

// Result is the derived state of a request at one instant.
type Result struct {
	Review    ReviewStatus    `json:"review_status"`
	Execution ExecutionStatus `json:"execution_status"`
	Approvals int             `json:"approvals"`
	Required  int             `json:"required"`
}

// Resolver is a pure function of (request, events, now).
type Resolver struct {
	now   func() time.Time
	lease time.Duration
}

type Option func(*Resolver)

// WithClock replaces the wall clock used for the lease window.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLease overrides DefaultLease.
func WithLease(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lease = d
		}
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now, lease: DefaultLease}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve computes both statuses.
func (r *Resolver) Resolve(req domain.Request, events eventlog.Snapshot) Result {
	n := r.ApprovalCount(events)
	return Result{
		Review:    reviewFor(n, domain.PolicyOf(req)),
		Execution: r.ExecutionStatus(req, events),
		Approvals: n,
		Required:  domain.PolicyOf(req).NumTotalRequired,
	}
}

// ApprovalCount counts distinct authors that approved after the latest edit.
func (r *Resolver) ApprovalCount(events eventlog.Snapshot) int {
	match := eventlog.Approvals()
	if edit, ok := events.Latest(eventlog.OfType(domain.EventEdit)); ok {
		match = eventlog.And(match, eventlog.After(edit.CreatedAt))
	}
	return events.CountDistinctAuthors(match)
}

// ReviewStatus is APPROVED once the approval count reaches the policy quorum.
func (r *Resolver) ReviewStatus(req domain.Request, events eventlog.Snapshot) ReviewStatus {
	return reviewFor(r.ApprovalCount(events), domain.PolicyOf(req))
}

func reviewFor(approvals int, p domain.Policy) ReviewStatus {
	if approvals >= p.NumTotalRequired {
		return Approved
	}
	return AwaitingApproval
}

// ExecutionStatus applies the lifecycle of the request kind.
func (r *Resolver) ExecutionStatus(req domain.Request, events eventlog.Snapshot) ExecutionStatus {
	executions := eventlog.OfType(domain.EventExecute)
	switch kind := req.Base().Kind; kind {
	case domain.SingleExecution:
		max := domain.PolicyOf(req).MaxExecutions
		if max == nil || *max == 0 {
			return Executable
		}
		if events.Count(executions) >= *max {
			return Executed
		}
		return Executable
	case domain.TemporaryAccess:
		first, ok := events.Earliest(executions)
		if !ok {
			return Executable
		}
		// the lease is over at exactly first+lease
		if !first.CreatedAt.After(r.now().Add(-r.lease)) {
			return Executed
		}
		return Active
	default:
		panic(fmt.Sprintf("status: unknown request kind %q", kind))
	}
}
