package domain

import "time"

// RequestKind decides which execution lifecycle applies.
type RequestKind string

const (
	SingleExecution RequestKind = "SingleExecution"
	TemporaryAccess RequestKind = "TemporaryAccess"
)

// Valid reports whether k is one of the known kinds.
func (k RequestKind) Valid() bool { return k == SingleExecution || k == TemporaryAccess }

// RequestBase holds the attributes shared by every request variant.
type RequestBase struct {
	ID          string
	Title       string
	Description string
	Kind        RequestKind
	Author      User
	CreatedAt   time.Time
}

// Request is a closed set: *DatasourceRequest or *KubernetesRequest.
// Requests are never mutated after creation; edits are events.
type Request interface {
	Base() RequestBase
	Conn() Connection
	isRequest()
}

type DatasourceRequest struct {
	RequestBase
	Connection *DatasourceConnection
	Statement  string
	ReadOnly   bool
}

func (r *DatasourceRequest) Base() RequestBase { return r.RequestBase }

func (r *DatasourceRequest) Conn() Connection {
	if r.Connection == nil {
		return nil
	}
	return r.Connection
}

func (*DatasourceRequest) isRequest() {}

type KubernetesRequest struct {
	RequestBase
	Connection    *KubernetesConnection
	Namespace     string
	PodName       string
	ContainerName string
	Command       string
}

func (r *KubernetesRequest) Base() RequestBase { return r.RequestBase }

func (r *KubernetesRequest) Conn() Connection {
	if r.Connection == nil {
		return nil
	}
	return r.Connection
}

func (*KubernetesRequest) isRequest() {}

// PolicyOf returns the policy of the connection a request points at.
func PolicyOf(r Request) Policy {
	if c := r.Conn(); c != nil {
		return c.ReviewPolicy()
	}
	return Policy{}
}

// Current returns a copy of req with edited content applied. events must be
// ordered by CreatedAt; for each field the latest edit carrying a non-empty value
// wins.
func Current(req Request, events []Event) Request {
	var statement, command string
	edited := false
	for _, e := range events {
		p, ok := e.Payload.(EditPayload)
		if !ok {
			continue
		}
		edited = true
		if p.Statement != "" {
			statement = p.Statement
		}
		if p.Command != "" {
			command = p.Command
		}
	}
	if !edited {
		return req
	}
	switch r := req.(type) {
	case *DatasourceRequest:
		cp := *r
		if statement != "" {
			cp.Statement = statement
		}
		return &cp
	case *KubernetesRequest:
		cp := *r
		if command != "" {
			cp.Command = command
		}
		return &cp
	default:
		panic(unknownVariant("request", req))
	}
}
