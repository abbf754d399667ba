package store

import (
	"context"
	"sync"

	"github.com/agouch/outdora/backend/matching"
)

// BatchReader is implemented by adapters that can load many profiles in one round trip.
// Missing ids are absent from the result.
type BatchReader interface {
	ReadProfiles(ctx context.Context, ids []matching.UserID) (map[matching.UserID]*matching.UserProfile, error)
}

// Fanout delivers profile changes to per-document subscribers. Adapters feed it
// from whatever change signal their backend offers.
type Fanout struct {
	mu     sync.RWMutex
	byUser map[matching.UserID]map[chan matching.UserProfile]bool
}

func NewFanout() *Fanout {
	return &Fanout{byUser: make(map[matching.UserID]map[chan matching.UserProfile]bool)}
}

// Subscribe registers onChange for id and runs it on its own goroutine until the
// returned cancel func is called or ctx ends.
func (f *Fanout) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) func() {
	ch := f.add(id)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer f.remove(id, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-ch:
				onChange(p)
			}
		}
	}()
	return cancel
}

// Watching reports whether anyone subscribed to id.
func (f *Fanout) Watching(id matching.UserID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byUser[id]) > 0
}

// Broadcast hands p to every subscriber of p.ID. Subscribers that are behind miss
// this version and see the next one.
func (f *Fanout) Broadcast(p matching.UserProfile) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.byUser[p.ID] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (f *Fanout) add(id matching.UserID) chan matching.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan matching.UserProfile, 10)
	if f.byUser[id] == nil {
		f.byUser[id] = make(map[chan matching.UserProfile]bool)
	}
	f.byUser[id][ch] = true
	return ch
}

func (f *Fanout) remove(id matching.UserID, ch chan matching.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if subscribers, ok := f.byUser[id]; ok {
		delete(subscribers, ch)
		if len(subscribers) == 0 {
			delete(f.byUser, id)
		}
	}
}
