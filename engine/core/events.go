package mywant

import (
	"context"
	"time"
)

type EventType string

const (
	EventWantCreated       EventType = "want.created"
	EventWantUpdated       EventType = "want.updated"
	EventWantDeleted       EventType = "want.deleted"
	EventReactionSubmitted EventType = "reaction.submitted"
	EventReactionDecided   EventType = "reaction.decided"
	EventReconcileTrigger  EventType = "reconcile.trigger"
)

// Event is published after a commit, outside the want's lock.
type Event struct {
	Type    EventType  `json:"type"`
	WantID  string     `json:"want_id"`
	Version int64      `json:"version,omitempty"`
	Status  WantStatus `json:"status,omitempty"`
	QueueID string     `json:"queue_id,omitempty"`
	Trigger Trigger    `json:"trigger,omitempty"`
	Want    *Want      `json:"want,omitempty"`
	At      time.Time  `json:"at"`
}

// EventSink receives committed changes. Implementations must not block.
type EventSink interface {
	Emit(Event)
}

// Persister stores committed wants. Save calls for one want arrive in
// version order; implementations must ignore versions older than stored.
type Persister interface {
	Load(ctx context.Context) ([]*Want, error)
	Save(ctx context.Context, want *Want) error
	Delete(ctx context.Context, id string, version int64) error
	Close() error
}
