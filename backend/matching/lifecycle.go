package matching

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/metrics"
)

// Options carries the collaborators shared by Lifecycle and Reconciler.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Matching
	Events  EventSink
	// NewID generates match ids. Defaults to uuid.NewString.
	NewID func() string
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Events == nil {
		o.Events = nopSink{}
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// MatchPair holds the two mirrored copies of one match.
type MatchPair struct {
	ForA MatchRecord
	ForB MatchRecord
	// Created is false when an existing match for the pair was reused.
	Created bool
}

// ID returns the id shared by both copies.
func (p MatchPair) ID() string { return p.ForA.ID }

// Lifecycle creates, mirrors and removes match records on both participants' documents.
type Lifecycle struct {
	store ProfileStore
	opts  Options
	// pending holds events and counters of a transaction attempt. It is nil
	// outside a transaction, where they take effect immediately.
	pending *[]func()
}

func NewLifecycle(store ProfileStore, opts Options) *Lifecycle {
	return &Lifecycle{store: store, opts: opts.withDefaults()}
}

// inTx returns a Lifecycle bound to a transaction. Its side effects wait for
// flush, which the caller runs only once the transaction committed.
func (l *Lifecycle) inTx(store ProfileStore) *Lifecycle {
	return &Lifecycle{store: store, opts: l.opts, pending: new([]func())}
}

// afterCommit runs fn now, or queues it until the enclosing transaction commits.
func (l *Lifecycle) afterCommit(fn func()) {
	if l.pending == nil {
		fn()
		return
	}
	*l.pending = append(*l.pending, fn)
}

func (l *Lifecycle) flush() {
	if l.pending == nil {
		return
	}
	queued := *l.pending
	*l.pending = nil
	for _, fn := range queued {
		fn()
	}
}

// CreateMutualMatch writes one match, under a single id, into both a's and b's
// match lists. If the pair already shares a match (on either side) its id is reused
// and only the missing copy is written, so retries never mint a second id.
//
// a is written before b. A failure on a leaves nothing persisted; a failure on b
// after a succeeded returns a CodePartialWrite error together with the pair, and the
// next Reconcile pass mirrors the missing copy.
func (l *Lifecycle) CreateMutualMatch(ctx context.Context, a, b *UserProfile) (MatchPair, error) {
	if a == nil || b == nil || a.ID == "" || b.ID == "" {
		return MatchPair{}, New(CodeInvalidState, "match needs two profiles")
	}
	if a.ID == b.ID {
		return MatchPair{}, New(CodeInvalidState, "cannot match a profile with itself")
	}
	ctx = l.opts.Logger.WithFields(ctx, map[string]any{"user_a": a.ID, "user_b": b.ID})

	id, createdAt, reused := l.existingMatch(a, b)
	if !reused {
		id = l.opts.NewID()
		createdAt = l.opts.Now()
	}
	pair := MatchPair{
		ForA:    snapshotOf(id, a.ID, b, createdAt),
		ForB:    snapshotOf(id, b.ID, a, createdAt),
		Created: !reused,
	}
	ctx = l.opts.Logger.WithMatchID(ctx, id)

	_, aHas := a.MatchByID(id)
	_, bHas := b.MatchByID(id)

	if !aHas {
		if err := l.store.AppendToList(ctx, a.ID, ListMatches, pair.ForA); err != nil {
			err = fromStore(err, "write match for first participant")
			l.opts.Logger.WarnErr(ctx, "match creation aborted", err)
			return MatchPair{}, err
		}
		a.Matches = append(a.Matches, pair.ForA)
	}
	if !bHas {
		if err := l.store.AppendToList(ctx, b.ID, ListMatches, pair.ForB); err != nil {
			l.afterCommit(func() { l.opts.Metrics.IncPartialWrite("create_match") })
			perr := Wrap(CodePartialWrite, err, "match written for one participant only")
			l.opts.Logger.WarnErr(ctx, "match left asymmetric, reconciliation will mirror it", perr)
			return pair, perr
		}
		b.Matches = append(b.Matches, pair.ForB)
	}

	if pair.Created {
		l.afterCommit(func() {
			l.opts.Metrics.IncMatch()
			l.opts.Logger.Info(ctx, "mutual match created")
			l.publish(ctx, Event{Kind: EventMatchCreated, MatchID: id, Users: []UserID{a.ID, b.ID}, At: createdAt})
		})
	}
	return pair, nil
}

// existingMatch finds a match already shared by a and b. When both sides hold
// different ids for the pair, the smallest id wins so both sides converge.
func (l *Lifecycle) existingMatch(a, b *UserProfile) (string, time.Time, bool) {
	var (
		best    MatchRecord
		found   bool
		records = append(slices.Clone(a.Matches), b.Matches...)
	)
	for _, m := range records {
		if !m.Involves(a.ID, b.ID) {
			continue
		}
		if !found || m.ID < best.ID {
			best, found = m, true
		}
	}
	return best.ID, best.CreatedAt, found
}

// Unmatch removes the match with matchID from both users' lists. A missing record
// or a deleted profile counts as already removed. When only one side could be
// written the error has CodePartialWrite and wraps both outcomes.
func (l *Lifecycle) Unmatch(ctx context.Context, matchID string, a, b UserID) error {
	if matchID == "" {
		return New(CodeInvalidState, "match id is required")
	}
	ctx = l.opts.Logger.WithMatchID(ctx, matchID)

	errA := l.removeMatch(ctx, a, matchID)
	errB := l.removeMatch(ctx, b, matchID)

	switch {
	case errA == nil && errB == nil:
		at := l.opts.Now()
		l.afterCommit(func() {
			l.opts.Metrics.IncUnmatch()
			l.opts.Logger.Info(ctx, "match removed from both participants")
			l.publish(ctx, Event{Kind: EventUnmatched, MatchID: matchID, Users: []UserID{a, b}, At: at})
		})
		return nil
	case errA != nil && errB != nil:
		err := Wrap(CodeUnavailable, multierr.Combine(errA, errB), "unmatch failed on both participants")
		l.opts.Logger.WarnErr(ctx, "unmatch failed", err)
		return err
	default:
		err := Wrap(CodePartialWrite, multierr.Combine(errA, errB), "unmatch applied to one participant only")
		l.opts.Logger.WarnErr(ctx, "unmatch left asymmetric, reconciliation will finish it", err)
		at := l.opts.Now()
		l.afterCommit(func() {
			l.opts.Metrics.IncPartialWrite("unmatch")
			l.publish(ctx, Event{Kind: EventUnmatched, MatchID: matchID, Users: []UserID{a, b}, At: at})
		})
		return err
	}
}

func (l *Lifecycle) removeMatch(ctx context.Context, user UserID, matchID string) error {
	err := l.store.RemoveFromList(ctx, user, ListMatches, matchID)
	if err == nil || IsNotFound(err) {
		return nil
	}
	return fromStore(err, "remove match from "+string(user))
}

// Matches returns user's match list repaired on read: records with missing or
// malformed users are rebuilt from context and duplicate ids are dropped. Nothing
// is written; Reconcile persists the same repairs.
func (l *Lifecycle) Matches(ctx context.Context, user UserID) ([]MatchRecord, error) {
	me, err := l.store.ReadProfile(ctx, user)
	if err != nil {
		return nil, fromStore(err, "read profile")
	}
	repaired, _ := l.repairRecords(ctx, me)
	return repaired, nil
}

// repairRecords normalizes owner's match list. It returns the desired list and the
// number of records that were changed or dropped.
func (l *Lifecycle) repairRecords(ctx context.Context, owner *UserProfile) ([]MatchRecord, int) {
	var (
		out     []MatchRecord
		changes int
		seen    = make(map[string]int, len(owner.Matches))
	)
	for _, m := range owner.Matches {
		fixed, ok := l.repairRecord(ctx, owner.ID, m)
		if !ok {
			l.opts.Logger.Warn(l.opts.Logger.WithMatchID(ctx, m.ID), "dropping match record that cannot be repaired")
			changes++
			continue
		}
		if !slices.Equal(fixed.Users, m.Users) {
			changes++
		}
		if _, dup := seen[fixed.ID]; dup {
			changes++
			continue
		}
		seen[fixed.ID] = len(out)
		out = append(out, fixed)
	}

	// One record per counterpart; the smallest id wins on both sides.
	byCounterpart := make(map[UserID]int, len(out))
	collapsed := out[:0:0]
	for _, m := range out {
		other, _ := m.Counterpart(owner.ID)
		if idx, ok := byCounterpart[other]; ok {
			changes++
			if m.ID < collapsed[idx].ID {
				collapsed[idx] = m
			}
			continue
		}
		byCounterpart[other] = len(collapsed)
		collapsed = append(collapsed, m)
	}
	return collapsed, changes
}

// repairRecord rebuilds the users pair of a record. Older clients stored matches
// without users, keyed by the counterpart's profile id.
func (l *Lifecycle) repairRecord(ctx context.Context, owner UserID, m MatchRecord) (MatchRecord, bool) {
	if m.ID == "" {
		return m, false
	}
	if m.Valid() && containsUser(m.Users, owner) {
		if m.Users[0] != owner {
			m.Users = []UserID{owner, m.Users[0]}
		}
		return m, true
	}
	var other UserID
	for _, u := range m.Users {
		if u != "" && u != owner {
			other = u
			break
		}
	}
	if other == "" && UserID(m.ID) != owner {
		if _, err := l.store.ReadProfile(ctx, UserID(m.ID)); err == nil {
			other = UserID(m.ID)
		}
	}
	if other == "" {
		return m, false
	}
	m.Users = []UserID{owner, other}
	return m, true
}

func (l *Lifecycle) publish(ctx context.Context, evt Event) {
	if err := l.opts.Events.Publish(ctx, evt); err != nil {
		l.opts.Logger.WarnErr(ctx, "publish match event", err)
	}
}
