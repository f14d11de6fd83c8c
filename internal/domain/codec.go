package domain

import (
	"encoding/json"
	"fmt"
)

// EncodePayload renders the payload body; the variant travels separately as
// its EventType.
func EncodePayload(p Payload) ([]byte, error) {
	switch p.(type) {
	case CommentPayload, ReviewPayload, EditPayload, ExecutePayload:
		return json.Marshal(p)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EventComment:
		var v CommentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventReview:
		var v ReviewPayload
		err = json.Unmarshal(raw, &v)
		if err == nil && !v.Action.Valid() {
			err = fmt.Errorf("invalid review action %q", v.Action)
		}
		p = v
	case EventEdit:
		var v EditPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventExecute:
		var v ExecutePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: event type %q", ErrUnknownPayload, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
