// Package chatlog stores the ordered, append-only message history of each match.
package chatlog

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agouch/outdora/backend/matching"
)

const (
	MaxTextLength = 2000
	DefaultLimit  = 50
	MaxLimit      = 200
)

// Message is one entry of a match conversation.
type Message struct {
	ID        string          `json:"id"`
	MatchID   string          `json:"match_id"`
	SenderID  matching.UserID `json:"sender_id"`
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
}

// Query selects the newest Limit messages sent strictly before Before.
// A zero Before means "up to now".
type Query struct {
	Limit  int
	Before time.Time
}

// Log is the chat log collaborator. List returns messages oldest first.
type Log interface {
	Append(ctx context.Context, msg Message) (Message, error)
	List(ctx context.Context, matchID string, q Query) ([]Message, error)
}

// Prepare validates msg and fills in the id and timestamp.
func Prepare(msg Message, now time.Time) (Message, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	switch {
	case msg.MatchID == "":
		return Message{}, matching.New(matching.CodeInvalidState, "match id is required")
	case msg.SenderID == "":
		return Message{}, matching.New(matching.CodeInvalidState, "sender is required")
	case msg.Text == "":
		return Message{}, matching.New(matching.CodeInvalidState, "message text is empty")
	case utf8.RuneCountInString(msg.Text) > MaxTextLength:
		return Message{}, matching.New(matching.CodeInvalidState, "message text is too long")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}
	return msg, nil
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	if q.Limit > MaxLimit {
		return MaxLimit
	}
	return q.Limit
}
