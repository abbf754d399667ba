package matching

import (
	"context"
	"slices"
)

// Outcome describes what a swipe did.
type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	// OutcomePending: the like was recorded and waits for the counterpart.
	OutcomePending Outcome = "pending"
	// OutcomeMatched: the like was reciprocated and a match exists on both sides.
	OutcomeMatched Outcome = "matched"
	// OutcomeAlreadyMatched: the pair was matched before this swipe.
	OutcomeAlreadyMatched Outcome = "already_matched"
	// OutcomeUnreachable: the counterpart profile is gone; the like is recorded but can never mature.
	OutcomeUnreachable Outcome = "unreachable"
)

// SwipeResult is returned by SwipeRight.
type SwipeResult struct {
	Outcome Outcome
	Match   *MatchRecord
}

// Reconciler is the swipe state machine. It mutates only through ProfileStore
// set operations and relies on Reconcile to finish anything a failed or raced
// write left behind.
type Reconciler struct {
	store     ProfileStore
	lifecycle *Lifecycle
	opts      Options
}

func NewReconciler(store ProfileStore, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		store:     store,
		lifecycle: NewLifecycle(store, opts),
		opts:      opts,
	}
}

// Lifecycle exposes the match lifecycle manager bound to the same store.
func (r *Reconciler) Lifecycle() *Lifecycle {
	return r.lifecycle
}

// inTx runs fn inside a store transaction when the store supports one, otherwise
// directly against the store. Events and counters raised by fn are released only
// after the commit; a store that retries the callback discards earlier attempts.
func (r *Reconciler) inTx(ctx context.Context, fn func(ctx context.Context, r *Reconciler) error) error {
	tr, ok := r.store.(Transactor)
	if !ok {
		return fn(ctx, r)
	}
	var attempt *Reconciler
	err := tr.WithinTx(ctx, func(ctx context.Context, tx ProfileStore) error {
		attempt = &Reconciler{store: tx, lifecycle: r.lifecycle.inTx(tx), opts: r.opts}
		return fn(ctx, attempt)
	})
	if err == nil {
		if attempt != nil {
			attempt.lifecycle.flush()
		}
		return nil
	}
	if CodeOf(err) == CodePartialWrite {
		// Nothing is half-written once the transaction rolled back.
		return Wrap(CodeUnavailable, err, "transaction rolled back")
	}
	return err
}

// lock takes the row locks of ids up front when the transaction view supports it,
// so two transactions over the same documents always lock them in the same order.
func (r *Reconciler) lock(ctx context.Context, ids ...UserID) error {
	l, ok := r.store.(Locker)
	if !ok || len(ids) == 0 {
		return nil
	}
	if err := l.LockProfiles(ctx, ids...); err != nil {
		return fromStore(err, "lock profiles")
	}
	return nil
}

// lockSet lists the documents a Reconcile of me may write: me and everyone me
// has a match record or a pending like for. The read happens outside the
// transaction; a document that joins the set later is locked on first read.
func (r *Reconciler) lockSet(ctx context.Context, me UserID) []UserID {
	if _, ok := r.store.(Transactor); !ok {
		return nil
	}
	ids := []UserID{me}
	self, err := r.store.ReadProfile(ctx, me)
	if err != nil {
		return ids
	}
	for _, m := range self.Matches {
		ids = append(ids, m.Users...)
		if !m.Valid() && m.ID != "" {
			// Legacy records are keyed by the counterpart's id.
			ids = append(ids, UserID(m.ID))
		}
	}
	ids = append(ids, self.RightSwipes...)
	ids = slices.DeleteFunc(ids, func(id UserID) bool { return id == "" })
	slices.Sort(ids)
	return slices.Compact(ids)
}

// SwipeLeft records that me rejected candidate. Repeating it has no further effect.
func (r *Reconciler) SwipeLeft(ctx context.Context, me, candidate UserID) error {
	if me == "" || candidate == "" || me == candidate {
		r.opts.Metrics.IncSwipe("left", "invalid")
		return New(CodeInvalidState, "invalid swipe target")
	}
	ctx = r.opts.Logger.WithFields(ctx, map[string]any{"user_id": me, "target_id": candidate})

	err := r.inTx(ctx, func(ctx context.Context, r *Reconciler) error {
		profile, err := r.store.ReadProfile(ctx, me)
		if err != nil {
			return fromStore(err, "read own profile")
		}
		if _, ok := profile.MatchWith(candidate); ok {
			return New(CodeInvalidState, "already matched; unmatch instead")
		}
		if !profile.HasRejected(candidate) {
			if err := r.store.AppendToList(ctx, me, ListRejectedUsers, candidate); err != nil {
				return fromStore(err, "record rejection")
			}
		}
		// A rejection supersedes a pending like for the same pair.
		if profile.HasPendingLike(candidate) {
			if err := r.store.RemoveFromList(ctx, me, ListRightSwipes, candidate.ListKey()); err != nil {
				r.opts.Logger.WarnErr(ctx, "stale pending like kept after rejection", err)
			}
		}
		return nil
	})
	if err != nil {
		r.opts.Metrics.IncSwipe("left", string(CodeOf(err)))
		r.opts.Logger.WarnErr(ctx, "swipe left failed", err)
		return err
	}
	r.opts.Metrics.IncSwipe("left", string(OutcomeRejected))
	return nil
}

// SwipeRight records interest of me in candidate and creates the match when the
// interest is mutual. Repeating it never duplicates a like or a match.
func (r *Reconciler) SwipeRight(ctx context.Context, me, candidate UserID) (SwipeResult, error) {
	if me == "" || candidate == "" || me == candidate {
		r.opts.Metrics.IncSwipe("right", "invalid")
		return SwipeResult{}, New(CodeInvalidState, "invalid swipe target")
	}
	ctx = r.opts.Logger.WithFields(ctx, map[string]any{"user_id": me, "target_id": candidate})

	var res SwipeResult
	err := r.inTx(ctx, func(ctx context.Context, r *Reconciler) error {
		if err := r.lock(ctx, me, candidate); err != nil {
			return err
		}
		var err error
		res, err = r.swipeRight(ctx, me, candidate)
		return err
	})
	if err != nil {
		if CodeOf(err) != CodePartialWrite {
			res = SwipeResult{}
		}
		r.opts.Metrics.IncSwipe("right", string(CodeOf(err)))
		r.opts.Logger.WarnErr(ctx, "swipe right failed", err)
		return res, err
	}
	r.opts.Metrics.IncSwipe("right", string(res.Outcome))
	return res, nil
}

func (r *Reconciler) swipeRight(ctx context.Context, me, candidate UserID) (SwipeResult, error) {
	self, err := r.store.ReadProfile(ctx, me)
	if err != nil {
		return SwipeResult{}, fromStore(err, "read own profile")
	}
	if self.HasRejected(candidate) {
		return SwipeResult{}, New(CodeInvalidState, "profile was already rejected")
	}
	if m, ok := self.MatchWith(candidate); ok {
		return SwipeResult{Outcome: OutcomeAlreadyMatched, Match: &m}, nil
	}

	other, err := r.store.ReadProfile(ctx, candidate)
	if IsNotFound(err) {
		// The like is kept even though it can never mature; see DESIGN.md.
		if err := r.recordLike(ctx, self, candidate); err != nil {
			return SwipeResult{}, err
		}
		r.opts.Logger.Warn(ctx, "right swipe on a missing profile recorded as unreachable")
		return SwipeResult{Outcome: OutcomeUnreachable}, nil
	}
	if err != nil {
		return SwipeResult{}, fromStore(err, "read counterpart profile")
	}

	// Unless the counterpart's pending like already marks the pair, the like is
	// written before any match so an interrupted creation can be told apart from
	// an interrupted unmatch.
	if !other.HasPendingLike(self.ID) {
		if err := r.recordLike(ctx, self, candidate); err != nil {
			return SwipeResult{}, err
		}
	}
	if !reciprocated(self, other) {
		// Re-read once: a reciprocal swipe may have landed between the two reads.
		other, err = r.store.ReadProfile(ctx, candidate)
		if err != nil || !reciprocated(self, other) {
			return SwipeResult{Outcome: OutcomePending}, nil
		}
	}

	// The swiper's document is written first so that a half-created match is
	// always visible to the swiper's own next Reconcile.
	pair, err := r.lifecycle.CreateMutualMatch(ctx, self, other)
	if err != nil {
		if CodeOf(err) == CodePartialWrite {
			// Pending likes stay so Reconcile can mirror the copy.
			m := pair.ForA
			return SwipeResult{Outcome: OutcomeMatched, Match: &m}, err
		}
		return SwipeResult{}, err
	}
	r.consumeLikes(ctx, self.ID, other.ID)
	m := pair.ForA
	return SwipeResult{Outcome: OutcomeMatched, Match: &m}, nil
}

// reciprocated reports whether other has already expressed interest in self, either
// as a pending like or as a (possibly one-sided) match record.
func reciprocated(self, other *UserProfile) bool {
	if other.HasPendingLike(self.ID) {
		return true
	}
	_, ok := other.MatchWith(self.ID)
	return ok
}

func (r *Reconciler) recordLike(ctx context.Context, self *UserProfile, candidate UserID) error {
	if self.HasPendingLike(candidate) {
		return nil
	}
	if err := r.store.AppendToList(ctx, self.ID, ListRightSwipes, candidate); err != nil {
		return fromStore(err, "record pending like")
	}
	self.RightSwipes = append(self.RightSwipes, candidate)
	return nil
}

// consumeLikes drops the pending likes of a now-matched pair. Failures are left to
// Reconcile, which removes pending likes for matched pairs.
func (r *Reconciler) consumeLikes(ctx context.Context, a, b UserID) {
	if err := r.store.RemoveFromList(ctx, b, ListRightSwipes, a.ListKey()); err != nil && !IsNotFound(err) {
		r.lifecycle.afterCommit(func() { r.opts.Metrics.IncPartialWrite("consume_like") })
		r.opts.Logger.WarnErr(ctx, "pending like not consumed", err)
	}
	if err := r.store.RemoveFromList(ctx, a, ListRightSwipes, b.ListKey()); err != nil && !IsNotFound(err) {
		r.lifecycle.afterCommit(func() { r.opts.Metrics.IncPartialWrite("consume_like") })
		r.opts.Logger.WarnErr(ctx, "pending like not consumed", err)
	}
}

// ReconcileReport counts the repairs applied by one Reconcile pass.
type ReconcileReport struct {
	// Matured pending likes whose reciprocal had arrived.
	Matured int
	// Mirrored one-sided match records copied to the counterpart.
	Mirrored int
	// Pruned one-sided records left behind by an unmatch, and superseded duplicates.
	Pruned int
	// Repaired records rebuilt from context.
	Repaired int
	// Consumed pending likes that belonged to an already matched or rejected pair.
	Consumed int
}

// Total is the number of repairs applied.
func (rep ReconcileReport) Total() int {
	return rep.Matured + rep.Mirrored + rep.Pruned + rep.Repaired + rep.Consumed
}

// Reconcile re-derives the pair state around me from both sides' documents and
// repairs what an interrupted or raced write left behind:
//   - malformed and duplicate match records are rewritten;
//   - a match held by one side only is mirrored when a pending like still exists
//     for the pair (an interrupted creation) and pruned otherwise (an interrupted unmatch);
//   - pending likes whose reciprocal exists become matches;
//   - pending likes for matched or rejected pairs are removed.
//
// It is safe to run at any time and repeatedly; callers run it when a user loads the feed.
func (r *Reconciler) Reconcile(ctx context.Context, me UserID) (ReconcileReport, error) {
	ctx = r.opts.Logger.WithUserID(ctx, string(me))
	locks := r.lockSet(ctx, me)
	var rep ReconcileReport
	err := r.inTx(ctx, func(ctx context.Context, r *Reconciler) error {
		if err := r.lock(ctx, locks...); err != nil {
			return err
		}
		var err error
		rep, err = r.reconcile(ctx, me)
		applied := rep
		r.lifecycle.afterCommit(func() { r.countRepairs(applied) })
		return err
	})
	if err != nil {
		r.opts.Logger.WarnErr(ctx, "reconciliation incomplete", err)
		return rep, err
	}
	if rep.Total() > 0 {
		r.opts.Logger.Info(r.opts.Logger.WithField(ctx, "repairs", rep.Total()), "reconciliation applied repairs")
	}
	return rep, nil
}

func (r *Reconciler) countRepairs(rep ReconcileReport) {
	r.opts.Metrics.AddRepairs("matured", rep.Matured)
	r.opts.Metrics.AddRepairs("mirrored", rep.Mirrored)
	r.opts.Metrics.AddRepairs("pruned", rep.Pruned)
	r.opts.Metrics.AddRepairs("repaired", rep.Repaired)
	r.opts.Metrics.AddRepairs("consumed", rep.Consumed)
}

func (r *Reconciler) reconcile(ctx context.Context, me UserID) (ReconcileReport, error) {
	var rep ReconcileReport
	self, err := r.store.ReadProfile(ctx, me)
	if err != nil {
		return rep, fromStore(err, "read own profile")
	}

	desired, changes := r.lifecycle.repairRecords(ctx, self)
	if changes > 0 {
		if err := r.rewriteMatches(ctx, self, desired); err != nil {
			return rep, err
		}
		rep.Repaired += changes
	}

	peers := make(map[UserID]*UserProfile)
	readPeer := func(id UserID) (*UserProfile, error) {
		if p, ok := peers[id]; ok {
			return p, nil
		}
		p, err := r.store.ReadProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		// Peers are judged on their repaired records; their own pass persists the repair.
		p.Matches, _ = r.lifecycle.repairRecords(ctx, p)
		peers[id] = p
		return p, nil
	}

	for _, m := range slices.Clone(self.Matches) {
		otherID, _ := m.Counterpart(self.ID)
		other, err := readPeer(otherID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return rep, fromStore(err, "read match counterpart")
		}

		mirror, hasMirror := other.MatchWith(self.ID)
		switch {
		case hasMirror && mirror.ID == m.ID:
		case hasMirror && mirror.ID < m.ID:
			// The counterpart holds the canonical id; adopt it.
			if err := r.replaceMatch(ctx, self, m, mirror.ID); err != nil {
				return rep, err
			}
			rep.Pruned++
		case hasMirror:
			// Our id is canonical; the counterpart adopts it on its own pass.
		case self.HasPendingLike(otherID) || other.HasPendingLike(self.ID):
			pair, err := r.lifecycle.CreateMutualMatch(ctx, self, other)
			if err != nil {
				return rep, err
			}
			if !pair.Created {
				rep.Mirrored++
			}
		default:
			if err := r.store.RemoveFromList(ctx, self.ID, ListMatches, m.ID); err != nil {
				return rep, fromStore(err, "prune one-sided match")
			}
			self.Matches = slices.DeleteFunc(self.Matches, func(x MatchRecord) bool { return x.ID == m.ID })
			rep.Pruned++
			continue
		}

		if other.HasPendingLike(self.ID) {
			if err := r.store.RemoveFromList(ctx, other.ID, ListRightSwipes, self.ID.ListKey()); err != nil {
				return rep, fromStore(err, "consume counterpart like")
			}
			other.RightSwipes = slices.DeleteFunc(other.RightSwipes, func(x UserID) bool { return x == self.ID })
			rep.Consumed++
		}
	}

	for _, target := range slices.Clone(self.RightSwipes) {
		_, matched := self.MatchWith(target)
		if matched || self.HasRejected(target) {
			if err := r.store.RemoveFromList(ctx, self.ID, ListRightSwipes, target.ListKey()); err != nil {
				return rep, fromStore(err, "consume own like")
			}
			self.RightSwipes = slices.DeleteFunc(self.RightSwipes, func(x UserID) bool { return x == target })
			rep.Consumed++
			continue
		}
		other, err := readPeer(target)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return rep, fromStore(err, "read liked profile")
		}
		if !reciprocated(self, other) {
			continue
		}
		if _, err := r.lifecycle.CreateMutualMatch(ctx, self, other); err != nil {
			return rep, err
		}
		r.consumeLikes(ctx, self.ID, other.ID)
		rep.Matured++
	}
	return rep, nil
}

// rewriteMatches brings self's stored list in line with desired using per-element
// removes and appends, never a whole-list overwrite.
func (r *Reconciler) rewriteMatches(ctx context.Context, self *UserProfile, desired []MatchRecord) error {
	want := make(map[string]MatchRecord, len(desired))
	for _, m := range desired {
		want[m.ID] = m
	}
	counts := make(map[string]int, len(self.Matches))
	for _, m := range self.Matches {
		counts[m.ID]++
	}
	handled := make(map[string]bool, len(self.Matches))
	for _, m := range self.Matches {
		if handled[m.ID] {
			continue
		}
		handled[m.ID] = true
		w, keep := want[m.ID]
		if keep && counts[m.ID] == 1 && slices.Equal(w.Users, m.Users) {
			continue
		}
		// Removal by key drops every stored copy carrying this id.
		if err := r.store.RemoveFromList(ctx, self.ID, ListMatches, m.ID); err != nil {
			return fromStore(err, "remove malformed match")
		}
		if keep {
			if err := r.store.AppendToList(ctx, self.ID, ListMatches, w); err != nil {
				return fromStore(err, "write repaired match")
			}
		}
	}
	self.Matches = desired
	return nil
}

// replaceMatch swaps self's record m for a copy carrying the canonical id.
func (r *Reconciler) replaceMatch(ctx context.Context, self *UserProfile, m MatchRecord, canonical string) error {
	replacement := m
	replacement.ID = canonical
	if err := r.store.AppendToList(ctx, self.ID, ListMatches, replacement); err != nil {
		return fromStore(err, "adopt canonical match id")
	}
	if err := r.store.RemoveFromList(ctx, self.ID, ListMatches, m.ID); err != nil {
		return fromStore(err, "drop superseded match id")
	}
	for i := range self.Matches {
		if self.Matches[i].ID == m.ID {
			self.Matches[i] = replacement
		}
	}
	return nil
}
