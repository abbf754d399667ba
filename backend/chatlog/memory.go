package chatlog

import (
	"context"
	"sync"
	"time"
)

// Memory keeps conversations in process. Used by tests and the memory store driver.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string][]Message
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string][]Message), clock: time.Now}
}

func (m *Memory) Append(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := Prepare(msg, m.clock())
	if err != nil {
		return Message{}, err
	}
	// Keep the log ordered even if the clock steps backwards.
	if log := m.byID[msg.MatchID]; len(log) > 0 {
		if last := log[len(log)-1].Timestamp; msg.Timestamp.Before(last) {
			msg.Timestamp = last
		}
	}
	m.byID[msg.MatchID] = append(m.byID[msg.MatchID], msg)
	return msg, nil
}

func (m *Memory) List(_ context.Context, matchID string, q Query) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.byID[matchID]
	end := len(log)
	if !q.Before.IsZero() {
		end = 0
		for end < len(log) && log[end].Timestamp.Before(q.Before) {
			end++
		}
	}
	start := max(end-q.limit(), 0)
	out := make([]Message, end-start)
	copy(out, log[start:end])
	return out, nil
}
