package matching_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store/memstore"
)

var errStoreDown = errors.New("store unavailable")

// faultyStore wraps a ProfileStore and fails selected calls.
type faultyStore struct {
	matching.ProfileStore

	mu         sync.Mutex
	failAppend map[string]error
	failRemove map[string]error
	failRead   map[matching.UserID]error
}

func newFaultyStore(inner matching.ProfileStore) *faultyStore {
	return &faultyStore{
		ProfileStore: inner,
		failAppend:   make(map[string]error),
		failRemove:   make(map[string]error),
		failRead:     make(map[matching.UserID]error),
	}
}

func faultKey(id matching.UserID, list matching.ListName) string {
	return fmt.Sprintf("%s/%s", id, list)
}

func (f *faultyStore) breakAppend(id matching.UserID, list matching.ListName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppend[faultKey(id, list)] = errStoreDown
}

func (f *faultyStore) breakRemove(id matching.UserID, list matching.ListName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemove[faultKey(id, list)] = errStoreDown
}

func (f *faultyStore) breakRead(id matching.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead[id] = errStoreDown
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.failAppend)
	clear(f.failRemove)
	clear(f.failRead)
}

func (f *faultyStore) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	f.mu.Lock()
	err := f.failRead[id]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ProfileStore.ReadProfile(ctx, id)
}

func (f *faultyStore) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	f.mu.Lock()
	err := f.failAppend[faultKey(id, list)]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ProfileStore.AppendToList(ctx, id, list, value)
}

func (f *faultyStore) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	f.mu.Lock()
	err := f.failRemove[faultKey(id, list)]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ProfileStore.RemoveFromList(ctx, id, list, key)
}

// faultyTxStore applies the faults of its faultyStore inside transactions too.
type faultyTxStore struct {
	*faultyStore
	tx matching.Transactor
}

func newFaultyTxStore(inner *memstore.TxStore) *faultyTxStore {
	return &faultyTxStore{faultyStore: newFaultyStore(inner), tx: inner}
}

func (f *faultyTxStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	return f.tx.WithinTx(ctx, func(ctx context.Context, tx matching.ProfileStore) error {
		f.mu.Lock()
		scoped := &faultyStore{
			ProfileStore: tx,
			failAppend:   maps.Clone(f.failAppend),
			failRemove:   maps.Clone(f.failRemove),
			failRead:     maps.Clone(f.failRead),
		}
		f.mu.Unlock()
		return fn(ctx, scoped)
	})
}

// lockingTxStore records the LockProfiles calls made inside its transactions.
type lockingTxStore struct {
	*memstore.TxStore

	mu    sync.Mutex
	locks [][]matching.UserID
}

func (s *lockingTxStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	return s.TxStore.WithinTx(ctx, func(ctx context.Context, tx matching.ProfileStore) error {
		return fn(ctx, &lockingView{ProfileStore: tx, owner: s})
	})
}

func (s *lockingTxStore) calls() [][]matching.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.locks)
}

type lockingView struct {
	matching.ProfileStore
	owner *lockingTxStore
}

func (v *lockingView) LockProfiles(_ context.Context, ids ...matching.UserID) error {
	v.owner.mu.Lock()
	defer v.owner.mu.Unlock()
	v.owner.locks = append(v.owner.locks, slices.Clone(ids))
	return nil
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []matching.Event
}

func (s *recordingSink) Publish(_ context.Context, evt matching.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) kinds() []matching.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]matching.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

// sequentialIDs hands out m1, m2, ... so tests can reason about id order.
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("m%d", n)
	}
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	mem    *memstore.Store
	faults *faultyStore
	sink   *recordingSink
	rec    *matching.Reconciler
}

func newTestEnv(t *testing.T, profiles ...matching.UserProfile) *testEnv {
	t.Helper()
	mem := memstore.New()
	for i := range profiles {
		require.NoError(t, mem.Put(context.Background(), &profiles[i]))
	}
	faults := newFaultyStore(mem)
	sink := &recordingSink{}
	rec := matching.NewReconciler(faults, matching.Options{
		Events: sink,
		NewID:  sequentialIDs(),
		Now:    func() time.Time { return fixedNow },
	})
	return &testEnv{mem: mem, faults: faults, sink: sink, rec: rec}
}

func (e *testEnv) profile(t *testing.T, id matching.UserID) *matching.UserProfile {
	t.Helper()
	p, err := e.mem.ReadProfile(context.Background(), id)
	require.NoError(t, err)
	return p
}

func user(id matching.UserID) matching.UserProfile {
	return matching.UserProfile{ID: id, Username: string(id), FirstName: "User " + string(id), Age: 30}
}
