package domain

import (
	"errors"
	"fmt"
	"time"
)

// EventType tags the payload variant of an event.
type EventType string

const (
	EventComment EventType = "COMMENT"
	EventReview  EventType = "REVIEW"
	EventEdit    EventType = "EDIT"
	EventExecute EventType = "EXECUTE"
)

// ReviewAction is the verdict carried by a review.
type ReviewAction string

const (
	ReviewApprove       ReviewAction = "APPROVE"
	ReviewComment       ReviewAction = "COMMENT"
	ReviewRequestChange ReviewAction = "REQUEST_CHANGE"
)

// Valid reports whether a is one of the known actions.
func (a ReviewAction) Valid() bool {
	switch a {
	case ReviewApprove, ReviewComment, ReviewRequestChange:
		return true
	}
	return false
}

// Payload is a closed set: CommentPayload, ReviewPayload, EditPayload,
// ExecutePayload.
type Payload interface {
	Type() EventType
	isPayload()
}

type CommentPayload struct {
	Comment string `json:"comment"`
}

type ReviewPayload struct {
	Comment string       `json:"comment"`
	Action  ReviewAction `json:"action"`
}

// EditPayload marks a change of the executable content. Statement / Command hold
// the replacement, Previous* the value it replaced.
type EditPayload struct {
	Statement         string `json:"statement,omitempty"`
	PreviousStatement string `json:"previous_statement,omitempty"`
	Command           string `json:"command,omitempty"`
	PreviousCommand   string `json:"previous_command,omitempty"`
}

// ExecutePayload marks that the request's action was carried out.
type ExecutePayload struct {
	Statement string `json:"statement,omitempty"`
}

func (CommentPayload) Type() EventType { return EventComment }
func (ReviewPayload) Type() EventType  { return EventReview }
func (EditPayload) Type() EventType    { return EventEdit }
func (ExecutePayload) Type() EventType { return EventExecute }

func (CommentPayload) isPayload() {}
func (ReviewPayload) isPayload()  {}
func (EditPayload) isPayload()    {}
func (ExecutePayload) isPayload() {}

// Event is an immutable fact appended to a request's log.
type Event struct {
	ID        string
	RequestID string
	Author    User
	CreatedAt time.Time
	Payload   Payload
}

// Type returns the payload tag.
func (e Event) Type() EventType { return e.Payload.Type() }

// IsApproval reports whether e is a review with the APPROVE action.
func (e Event) IsApproval() bool {
	p, ok := e.Payload.(ReviewPayload)
	return ok && p.Action == ReviewApprove
}

var ErrUnknownPayload = errors.New("unknown event payload")

// NewEvent builds an event from a payload variant. A nil or foreign payload is a
// programming error and is reported as ErrUnknownPayload.
func NewEvent(id, requestID string, author User, createdAt time.Time, payload Payload) (Event, error) {
	switch payload.(type) {
	case CommentPayload, ReviewPayload, EditPayload, ExecutePayload:
	default:
		return Event{}, fmt.Errorf("%w: %T", ErrUnknownPayload, payload)
	}
	return Event{ID: id, RequestID: requestID, Author: author, CreatedAt: createdAt, Payload: payload}, nil
}

func unknownVariant(what string, v any) string {
	return fmt.Sprintf("domain: unknown %s variant %T", what, v)
}
