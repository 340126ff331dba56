package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names the hub operation an event records
type Action string

const (
	ActionLogin         Action = "login"
	ActionLoginFailed   Action = "login_failed"
	ActionLogout        Action = "logout"
	ActionServerStart   Action = "server_start"
	ActionServerStop    Action = "server_stop"
	ActionServerFailed  Action = "server_failed"
	ActionServerReaped  Action = "server_reaped"
	ActionTokenCreated  Action = "token_created"
	ActionTokenRevoked  Action = "token_revoked"
	ActionUserCreated   Action = "user_created"
	ActionUserDeleted   Action = "user_deleted"
	ActionRoleChanged   Action = "role_changed"
	ActionGroupChanged  Action = "group_changed"
	ActionAccessDenied  Action = "access_denied"
)

// Event is one audit record. Actor is who did it, Subject is who or
// what it was done to.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Action    Action            `json:"action"`
	Actor     string            `json:"actor"`
	Subject   string            `json:"subject,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewEvent builds a timestamped event with a fresh ID
func NewEvent(action Action, actor, subject string) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Action:  action,
		Actor:   actor,
		Subject: subject,
	}
}

// WithDetail attaches a key/value pair to the event
func (e *Event) WithDetail(key, value string) *Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// WithRequestID tags the event with the originating request
func (e *Event) WithRequestID(id string) *Event {
	e.RequestID = id
	return e
}

// Sink receives audit events. Record must not block request handling
// for long; slow destinations should buffer internally.
type Sink interface {
	Record(ctx context.Context, event *Event) error
}

// MultiSink fans events out to several sinks; the first error wins but
// every sink still sees the event.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event *Event) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
