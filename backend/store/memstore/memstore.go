// Package memstore is an in-process ProfileStore. Documents are kept encoded so
// callers never share memory with the store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
)

type Store struct {
	// writeMu serializes mutations and transactions.
	writeMu sync.Mutex

	mu   sync.RWMutex
	docs map[matching.UserID][]byte

	subs *store.Fanout
}

var _ matching.ProfileStore = (*Store)(nil)

func New() *Store {
	return &Store{
		docs: make(map[matching.UserID][]byte),
		subs: store.NewFanout(),
	}
}

// Put creates or replaces a whole profile document.
func (s *Store) Put(ctx context.Context, p *matching.UserProfile) error {
	if p == nil || p.ID == "" {
		return matching.New(matching.CodeInvalidState, "profile id is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	changed, err := s.put(p)
	if err != nil {
		return err
	}
	s.subs.Broadcast(changed)
	return nil
}

// Delete removes a profile document. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, id matching.UserID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *Store) WriteProfileFields(ctx context.Context, id matching.UserID, fields matching.Fields) error {
	return s.mutate(ctx, func(v *view) error { return v.WriteProfileFields(ctx, id, fields) })
}

func (s *Store) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	return s.mutate(ctx, func(v *view) error { return v.AppendToList(ctx, id, list, value) })
}

func (s *Store) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	return s.mutate(ctx, func(v *view) error { return v.RemoveFromList(ctx, id, list, key) })
}

// ListAllProfiles returns every profile ordered by id.
func (s *Store) ListAllProfiles(ctx context.Context) ([]matching.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]matching.UserID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]matching.UserProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.read(id)
		if matching.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// ReadProfiles returns the documents that exist among ids.
func (s *Store) ReadProfiles(ctx context.Context, ids []matching.UserID) (map[matching.UserID]*matching.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[matching.UserID]*matching.UserProfile, len(ids))
	for _, id := range ids {
		p, err := s.read(id)
		if matching.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// Subscribe delivers a copy of the document after every committed change until
// cancel is called or ctx ends. Slow subscribers miss intermediate versions.
func (s *Store) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) (func(), error) {
	if _, err := s.read(id); err != nil {
		return nil, err
	}
	return s.subs.Subscribe(ctx, id, onChange), nil
}

// mutate runs fn as a single-document write and notifies subscribers afterwards.
func (s *Store) mutate(ctx context.Context, fn func(v *view) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	v := &view{s: s, dirty: make(map[matching.UserID]bool)}
	if err := fn(v); err != nil {
		return err
	}
	v.notify()
	return nil
}

func (s *Store) read(id matching.UserID) (*matching.UserProfile, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, matching.ErrProfileNotFound
	}
	return store.Decode(id, data)
}

func (s *Store) put(p *matching.UserProfile) (matching.UserProfile, error) {
	data, err := store.Encode(p)
	if err != nil {
		return matching.UserProfile{}, err
	}
	s.mu.Lock()
	s.docs[p.ID] = data
	s.mu.Unlock()
	return *store.Clone(p), nil
}

// TxStore adds WithinTx to Store. Transactions are serialized; their writes are
// staged and become visible to other readers only on commit.
type TxStore struct {
	*Store
}

var _ matching.Transactor = (*TxStore)(nil)

func NewTransactional() *TxStore {
	return &TxStore{Store: New()}
}

func (t *TxStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	v := &view{s: t.Store, dirty: make(map[matching.UserID]bool), staged: make(map[matching.UserID][]byte)}
	if err := fn(ctx, v); err != nil {
		return err
	}
	v.commit()
	v.notify()
	return nil
}

// view performs writes while the caller holds writeMu. A view with staged set
// belongs to a transaction and keeps its writes there until commit.
type view struct {
	s      *Store
	dirty  map[matching.UserID]bool
	staged map[matching.UserID][]byte
}

func (v *view) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	return v.read(id)
}

func (v *view) WriteProfileFields(ctx context.Context, id matching.UserID, fields matching.Fields) error {
	p, err := v.read(id)
	if err != nil {
		return err
	}
	merged, err := store.MergeFields(p, fields)
	if err != nil {
		return err
	}
	return v.save(merged)
}

func (v *view) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	p, err := v.read(id)
	if err != nil {
		return err
	}
	changed, err := store.AppendToList(p, list, value)
	if err != nil || !changed {
		return err
	}
	return v.save(p)
}

func (v *view) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	p, err := v.read(id)
	if err != nil {
		return err
	}
	changed, err := store.RemoveFromList(p, list, key)
	if err != nil || !changed {
		return err
	}
	return v.save(p)
}

func (v *view) ListAllProfiles(ctx context.Context) ([]matching.UserProfile, error) {
	all, err := v.s.ListAllProfiles(ctx)
	if err != nil || len(v.staged) == 0 {
		return all, err
	}
	for i := range all {
		if _, ok := v.staged[all[i].ID]; !ok {
			continue
		}
		p, err := v.read(all[i].ID)
		if err != nil {
			return nil, err
		}
		all[i] = *p
	}
	return all, nil
}

func (v *view) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) (func(), error) {
	return v.s.Subscribe(ctx, id, onChange)
}

func (v *view) read(id matching.UserID) (*matching.UserProfile, error) {
	if data, ok := v.staged[id]; ok {
		return store.Decode(id, data)
	}
	return v.s.read(id)
}

func (v *view) save(p *matching.UserProfile) error {
	if v.staged == nil {
		if _, err := v.s.put(p); err != nil {
			return err
		}
	} else {
		data, err := store.Encode(p)
		if err != nil {
			return err
		}
		v.staged[p.ID] = data
	}
	v.dirty[p.ID] = true
	return nil
}

// commit publishes the staged documents in one step.
func (v *view) commit() {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for id, data := range v.staged {
		v.s.docs[id] = data
	}
}

func (v *view) notify() {
	for id := range v.dirty {
		if p, err := v.s.read(id); err == nil {
			v.s.subs.Broadcast(*p)
		}
	}
}
