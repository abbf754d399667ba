package matching

import (
	"context"
	"time"
)

// EventKind names a lifecycle transition worth pushing to clients.
type EventKind string

const (
	EventMatchCreated EventKind = "match_created"
	EventUnmatched    EventKind = "unmatched"
)

// Event is emitted after a match lifecycle change has been written.
type Event struct {
	Kind    EventKind `json:"kind"`
	MatchID string    `json:"match_id"`
	Users   []UserID  `json:"users"`
	At      time.Time `json:"at"`
}

// EventSink receives lifecycle events. Publishing is best effort; a failed publish
// never undoes a committed write.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
