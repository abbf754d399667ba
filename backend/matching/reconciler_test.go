package matching_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/metrics"
	"github.com/agouch/outdora/backend/store/memstore"
)

func TestSwipeReconcilerSuite(t *testing.T) {
	t.Run("SwipeLeft", testSwipeLeft)
	t.Run("OneSidedLike", testOneSidedLike)
	t.Run("ExampleScenario", testExampleScenario)
	t.Run("MutualConvergenceEitherOrder", testMutualConvergenceEitherOrder)
	t.Run("SwipeRightIdempotent", testSwipeRightIdempotent)
	t.Run("SwipeRightRefusals", testSwipeRightRefusals)
	t.Run("UnreachableCounterpart", testUnreachableCounterpart)
	t.Run("ReadFailureLeavesStateUnchanged", testReadFailureLeavesStateUnchanged)
	t.Run("PartialMatchCreation", testPartialMatchCreation)
	t.Run("ConcurrentMutualSwipes", testConcurrentMutualSwipes)
	t.Run("TransactionalStore", testTransactionalStore)
	t.Run("RolledBackMatchPublishesNothing", testRolledBackMatchPublishesNothing)
	t.Run("LocksTouchedProfilesFirst", testLocksTouchedProfilesFirst)
}

func TestReconcileSuite(t *testing.T) {
	t.Run("PrunesInterruptedUnmatch", testReconcilePrunesInterruptedUnmatch)
	t.Run("RepairsLegacyRecords", testReconcileRepairsLegacyRecords)
	t.Run("CollapsesDuplicates", testReconcileCollapsesDuplicates)
	t.Run("ConsumesStaleLikes", testReconcileConsumesStaleLikes)
	t.Run("NoOpOnCleanState", testReconcileNoOpOnCleanState)
}

func testSwipeLeft(t *testing.T) {
	ctx := context.Background()
	a, b := user("a"), user("b")
	a.RightSwipes = []matching.UserID{"b"}
	env := newTestEnv(t, a, b)

	require.NoError(t, env.rec.SwipeLeft(ctx, "a", "b"))
	require.NoError(t, env.rec.SwipeLeft(ctx, "a", "b"))

	got := env.profile(t, "a")
	assert.Equal(t, []matching.UserID{"b"}, got.RejectedUsers)
	assert.Empty(t, got.RightSwipes, "rejection supersedes the pending like")
	assert.Empty(t, env.profile(t, "b").RejectedUsers)

	err := env.rec.SwipeLeft(ctx, "a", "a")
	assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err))

	_, err = env.rec.SwipeRight(ctx, "a", "b")
	assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err), "a rejected profile cannot be liked")
}

func testOneSidedLike(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"), user("b"))

	res, err := env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePending, res.Outcome)
	assert.Nil(t, res.Match)

	a, b := env.profile(t, "a"), env.profile(t, "b")
	assert.Equal(t, []matching.UserID{"b"}, a.RightSwipes)
	assert.Empty(t, b.RightSwipes)
	assert.Empty(t, a.Matches)
	assert.Empty(t, b.Matches)
	assert.Empty(t, env.sink.kinds())
}

func testExampleScenario(t *testing.T) {
	ctx := context.Background()
	a := user("A")
	a.Gender = "male"
	a.PreferredGender = "female"
	a.Region = "northeast"
	b := user("B")
	b.Gender = "female"
	b.Region = "northeast"
	env := newTestEnv(t, a, b)

	feed := matching.ComputeCandidates(a, []matching.UserProfile{a, b}, matching.FeedOptions{})
	require.Equal(t, []matching.UserID{"B"}, ids(feed))

	res, err := env.rec.SwipeRight(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePending, res.Outcome)
	assert.Equal(t, []matching.UserID{"B"}, env.profile(t, "A").RightSwipes)

	res, err = env.rec.SwipeRight(ctx, "B", "A")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeMatched, res.Outcome)
	require.NotNil(t, res.Match)

	gotA, gotB := env.profile(t, "A"), env.profile(t, "B")
	require.Len(t, gotA.Matches, 1)
	require.Len(t, gotB.Matches, 1)
	assert.Equal(t, gotA.Matches[0].ID, gotB.Matches[0].ID)
	assert.Equal(t, res.Match.ID, gotA.Matches[0].ID)
	assert.Empty(t, gotA.RightSwipes)
	assert.Empty(t, gotB.RightSwipes)

	other, ok := gotA.Matches[0].Counterpart("A")
	assert.True(t, ok)
	assert.Equal(t, matching.UserID("B"), other)
	other, ok = gotB.Matches[0].Counterpart("B")
	assert.True(t, ok)
	assert.Equal(t, matching.UserID("A"), other)

	assert.Equal(t, "B", gotA.Matches[0].Username, "each copy describes the other participant")
	assert.Equal(t, "A", gotB.Matches[0].Username)
	assert.Equal(t, []matching.EventKind{matching.EventMatchCreated}, env.sink.kinds())

	feed = matching.ComputeCandidates(*gotA, []matching.UserProfile{*gotA, *gotB}, matching.FeedOptions{})
	assert.Empty(t, feed)
}

func testMutualConvergenceEitherOrder(t *testing.T) {
	orders := map[string][2]matching.UserID{
		"a first": {"a", "b"},
		"b first": {"b", "a"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, user("a"), user("b"))

			_, err := env.rec.SwipeRight(ctx, order[0], order[1])
			require.NoError(t, err)
			res, err := env.rec.SwipeRight(ctx, order[1], order[0])
			require.NoError(t, err)
			assert.Equal(t, matching.OutcomeMatched, res.Outcome)

			a, b := env.profile(t, "a"), env.profile(t, "b")
			require.Len(t, a.Matches, 1)
			require.Len(t, b.Matches, 1)
			assert.Equal(t, a.Matches[0].ID, b.Matches[0].ID)
			assert.NotContains(t, a.RightSwipes, matching.UserID("b"))
			assert.NotContains(t, b.RightSwipes, matching.UserID("a"))
		})
	}
}

func testSwipeRightIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"), user("b"))

	_, err := env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)
	_, err = env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []matching.UserID{"b"}, env.profile(t, "a").RightSwipes)

	first, err := env.rec.SwipeRight(ctx, "b", "a")
	require.NoError(t, err)
	again, err := env.rec.SwipeRight(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeAlreadyMatched, again.Outcome)
	assert.Equal(t, first.Match.ID, again.Match.ID)

	_, err = env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)
	assert.Len(t, env.profile(t, "a").Matches, 1)
	assert.Len(t, env.profile(t, "b").Matches, 1)
	assert.Empty(t, env.profile(t, "a").RightSwipes)
	assert.Len(t, env.sink.kinds(), 1)
}

func testSwipeRightRefusals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"), user("b"))

	_, err := env.rec.SwipeRight(ctx, "a", "a")
	assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err))
	_, err = env.rec.SwipeRight(ctx, "", "b")
	assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err))

	_, err = env.rec.SwipeRight(ctx, "ghost", "b")
	assert.True(t, matching.IsNotFound(err))

	_, err = env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)
	_, err = env.rec.SwipeRight(ctx, "b", "a")
	require.NoError(t, err)
	err = env.rec.SwipeLeft(ctx, "a", "b")
	assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err), "matched pairs are unmatched, not rejected")
}

func testUnreachableCounterpart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"))

	res, err := env.rec.SwipeRight(ctx, "a", "deleted")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeUnreachable, res.Outcome)

	_, err = env.rec.SwipeRight(ctx, "a", "deleted")
	require.NoError(t, err)
	assert.Equal(t, []matching.UserID{"deleted"}, env.profile(t, "a").RightSwipes)

	rep, err := env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, rep.Total())
	assert.Equal(t, []matching.UserID{"deleted"}, env.profile(t, "a").RightSwipes)
}

func testReadFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"), user("b"))
	env.faults.breakRead("b")

	_, err := env.rec.SwipeRight(ctx, "a", "b")
	require.Error(t, err)
	assert.Equal(t, matching.CodeUnavailable, matching.CodeOf(err))
	assert.True(t, errors.Is(err, errStoreDown))
	assert.True(t, matching.MetadataFor(matching.CodeOf(err)).Retryable)
	assert.Empty(t, env.profile(t, "a").RightSwipes)
}

func testPartialMatchCreation(t *testing.T) {
	setup := func(t *testing.T) *testEnv {
		ctx := context.Background()
		env := newTestEnv(t, user("a"), user("b"))
		_, err := env.rec.SwipeRight(ctx, "a", "b")
		require.NoError(t, err)

		env.faults.breakAppend("a", matching.ListMatches)
		res, err := env.rec.SwipeRight(ctx, "b", "a")
		require.Error(t, err)
		assert.Equal(t, matching.CodePartialWrite, matching.CodeOf(err))
		assert.True(t, matching.MetadataFor(matching.CodePartialWrite).Notice)
		assert.Equal(t, matching.OutcomeMatched, res.Outcome)

		assert.Len(t, env.profile(t, "b").Matches, 1)
		assert.Empty(t, env.profile(t, "a").Matches)
		assert.Equal(t, []matching.UserID{"b"}, env.profile(t, "a").RightSwipes)

		env.faults.heal()
		return env
	}
	assertConverged := func(t *testing.T, env *testEnv) {
		a, b := env.profile(t, "a"), env.profile(t, "b")
		require.Len(t, a.Matches, 1)
		require.Len(t, b.Matches, 1)
		assert.Equal(t, a.Matches[0].ID, b.Matches[0].ID)
		assert.Empty(t, a.RightSwipes)
		assert.Empty(t, b.RightSwipes)
	}

	t.Run("holder reconciles", func(t *testing.T) {
		env := setup(t)
		rep, err := env.rec.Reconcile(context.Background(), "b")
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Mirrored)
		assert.Equal(t, 1, rep.Consumed)
		assertConverged(t, env)
	})

	t.Run("missing side reconciles", func(t *testing.T) {
		env := setup(t)
		rep, err := env.rec.Reconcile(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Matured)
		assertConverged(t, env)
	})

	t.Run("reconcile is idempotent", func(t *testing.T) {
		env := setup(t)
		_, err := env.rec.Reconcile(context.Background(), "a")
		require.NoError(t, err)
		rep, err := env.rec.Reconcile(context.Background(), "a")
		require.NoError(t, err)
		assert.Zero(t, rep.Total())
		rep, err = env.rec.Reconcile(context.Background(), "b")
		require.NoError(t, err)
		assert.Zero(t, rep.Total())
		assertConverged(t, env)
	})
}

func testConcurrentMutualSwipes(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx := context.Background()
		env := newTestEnv(t, user("a"), user("b"))

		var wg sync.WaitGroup
		for _, pair := range [][2]matching.UserID{{"a", "b"}, {"b", "a"}} {
			wg.Add(1)
			go func(me, other matching.UserID) {
				defer wg.Done()
				_, err := env.rec.SwipeRight(ctx, me, other)
				assert.NoError(t, err)
			}(pair[0], pair[1])
		}
		wg.Wait()

		_, err := env.rec.Reconcile(ctx, "a")
		require.NoError(t, err)
		_, err = env.rec.Reconcile(ctx, "b")
		require.NoError(t, err)
		_, err = env.rec.Reconcile(ctx, "a")
		require.NoError(t, err)

		a, b := env.profile(t, "a"), env.profile(t, "b")
		require.Len(t, a.Matches, 1)
		require.Len(t, b.Matches, 1)
		assert.Equal(t, a.Matches[0].ID, b.Matches[0].ID)
		assert.Empty(t, a.RightSwipes)
		assert.Empty(t, b.RightSwipes)
	}
}

func testTransactionalStore(t *testing.T) {
	ctx := context.Background()
	mem := memstore.NewTransactional()
	for _, id := range []matching.UserID{"a", "b"} {
		p := user(id)
		require.NoError(t, mem.Put(ctx, &p))
	}
	rec := matching.NewReconciler(mem, matching.Options{NewID: sequentialIDs()})

	var wg sync.WaitGroup
	for _, pair := range [][2]matching.UserID{{"a", "b"}, {"b", "a"}} {
		wg.Add(1)
		go func(me, other matching.UserID) {
			defer wg.Done()
			_, err := rec.SwipeRight(ctx, me, other)
			assert.NoError(t, err)
		}(pair[0], pair[1])
	}
	wg.Wait()

	a, err := mem.ReadProfile(ctx, "a")
	require.NoError(t, err)
	b, err := mem.ReadProfile(ctx, "b")
	require.NoError(t, err)
	require.Len(t, a.Matches, 1)
	require.Len(t, b.Matches, 1)
	assert.Equal(t, "m1", a.Matches[0].ID)
	assert.Equal(t, "m1", b.Matches[0].ID)
	assert.Empty(t, a.RightSwipes)
	assert.Empty(t, b.RightSwipes)
}

func testRolledBackMatchPublishesNothing(t *testing.T) {
	ctx := context.Background()
	mem := memstore.NewTransactional()
	a, b, c := user("a"), user("b"), user("c")
	a.RightSwipes = []matching.UserID{"b", "c"}
	b.RightSwipes = []matching.UserID{"a"}
	for _, p := range []*matching.UserProfile{&a, &b, &c} {
		require.NoError(t, mem.Put(ctx, p))
	}

	faults := newFaultyTxStore(mem)
	faults.breakRead("c")
	sink := &recordingSink{}
	reg := prometheus.NewRegistry()
	rec := matching.NewReconciler(faults, matching.Options{
		Events:  sink,
		Metrics: metrics.NewMatching(reg),
		NewID:   sequentialIDs(),
		Now:     func() time.Time { return fixedNow },
	})
	matchesCreated := func(n int) string {
		return fmt.Sprintf(`# HELP outdora_matches_created_total Mutual matches created.
# TYPE outdora_matches_created_total counter
outdora_matches_created_total %d
`, n)
	}

	t.Run("failure rolls back and publishes nothing", func(t *testing.T) {
		_, err := rec.Reconcile(ctx, "a")
		require.Error(t, err)
		assert.Equal(t, matching.CodeUnavailable, matching.CodeOf(err))
		assert.Empty(t, sink.kinds())
		require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(matchesCreated(0)), "outdora_matches_created_total"))

		stored, err := mem.ReadProfile(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, stored.Matches)
		assert.ElementsMatch(t, []matching.UserID{"b", "c"}, stored.RightSwipes)
	})

	t.Run("commit publishes once", func(t *testing.T) {
		faults.heal()
		rep, err := rec.Reconcile(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Matured)
		assert.Equal(t, []matching.EventKind{matching.EventMatchCreated}, sink.kinds())
		require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(matchesCreated(1)), "outdora_matches_created_total"))

		stored, err := mem.ReadProfile(ctx, "b")
		require.NoError(t, err)
		require.Len(t, stored.Matches, 1)
		assert.Equal(t, "m2", stored.Matches[0].ID)
	})
}

func testLocksTouchedProfilesFirst(t *testing.T) {
	ctx := context.Background()
	st := &lockingTxStore{TxStore: memstore.NewTransactional()}
	a, b, c := user("a"), user("b"), user("c")
	a.RightSwipes = []matching.UserID{"c"}
	a.Matches = []matching.MatchRecord{{ID: "m0", Users: []matching.UserID{"a", "b"}}}
	b.Matches = []matching.MatchRecord{{ID: "m0", Users: []matching.UserID{"b", "a"}}}
	for _, p := range []*matching.UserProfile{&a, &b, &c} {
		require.NoError(t, st.Put(ctx, p))
	}
	rec := matching.NewReconciler(st, matching.Options{NewID: sequentialIDs()})

	t.Run("swipe locks the pair", func(t *testing.T) {
		_, err := rec.SwipeRight(ctx, "c", "a")
		require.NoError(t, err)
		calls := st.calls()
		require.Len(t, calls, 1)
		assert.ElementsMatch(t, []matching.UserID{"a", "c"}, calls[0])
	})

	t.Run("reconcile locks every peer in id order", func(t *testing.T) {
		_, err := rec.Reconcile(ctx, "a")
		require.NoError(t, err)
		calls := st.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, []matching.UserID{"a", "b", "c"}, calls[1])
	})
}

func testReconcilePrunesInterruptedUnmatch(t *testing.T) {
	ctx := context.Background()
	a := user("a")
	a.Matches = []matching.MatchRecord{{ID: "m1", Users: []matching.UserID{"a", "b"}}}
	env := newTestEnv(t, a, user("b"))

	rep, err := env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pruned)
	assert.Empty(t, env.profile(t, "a").Matches)
}

func testReconcileRepairsLegacyRecords(t *testing.T) {
	ctx := context.Background()
	// Older clients keyed each copy by the counterpart's id and stored no users.
	a := user("a")
	a.Matches = []matching.MatchRecord{{ID: "b", Username: "b"}}
	b := user("b")
	b.Matches = []matching.MatchRecord{{ID: "a", Username: "a"}}
	env := newTestEnv(t, a, b)

	rep, err := env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)
	_, err = env.rec.Reconcile(ctx, "b")
	require.NoError(t, err)

	gotA, gotB := env.profile(t, "a"), env.profile(t, "b")
	require.Len(t, gotA.Matches, 1)
	require.Len(t, gotB.Matches, 1)
	assert.Equal(t, gotA.Matches[0].ID, gotB.Matches[0].ID)
	assert.Equal(t, []matching.UserID{"a", "b"}, gotA.Matches[0].Users)
	assert.Equal(t, []matching.UserID{"b", "a"}, gotB.Matches[0].Users)
	assert.Equal(t, "b", gotA.Matches[0].Username, "snapshot fields survive the repair")
}

func testReconcileCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	a := user("a")
	a.Matches = []matching.MatchRecord{
		{ID: "m2", Users: []matching.UserID{"a", "b"}},
		{ID: "m1", Users: []matching.UserID{"a", "b"}},
	}
	b := user("b")
	b.Matches = []matching.MatchRecord{{ID: "m2", Users: []matching.UserID{"b", "a"}}}
	env := newTestEnv(t, a, b)

	listed, err := env.rec.Lifecycle().Matches(ctx, "a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "m1", listed[0].ID)
	assert.Len(t, env.profile(t, "a").Matches, 2, "listing does not write")

	_, err = env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	_, err = env.rec.Reconcile(ctx, "b")
	require.NoError(t, err)

	gotA, gotB := env.profile(t, "a"), env.profile(t, "b")
	require.Len(t, gotA.Matches, 1)
	require.Len(t, gotB.Matches, 1)
	assert.Equal(t, "m1", gotA.Matches[0].ID)
	assert.Equal(t, "m1", gotB.Matches[0].ID)
}

func testReconcileConsumesStaleLikes(t *testing.T) {
	ctx := context.Background()
	a := user("a")
	a.RightSwipes = []matching.UserID{"b", "c"}
	a.RejectedUsers = []matching.UserID{"c"}
	a.Matches = []matching.MatchRecord{{ID: "m1", Users: []matching.UserID{"a", "b"}}}
	b := user("b")
	b.RightSwipes = []matching.UserID{"a"}
	b.Matches = []matching.MatchRecord{{ID: "m1", Users: []matching.UserID{"b", "a"}}}
	env := newTestEnv(t, a, b, user("c"))

	rep, err := env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Consumed)
	assert.Empty(t, env.profile(t, "a").RightSwipes)
	assert.Empty(t, env.profile(t, "b").RightSwipes)
	assert.Len(t, env.profile(t, "a").Matches, 1)
}

func testReconcileNoOpOnCleanState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, user("a"), user("b"))
	_, err := env.rec.SwipeRight(ctx, "a", "b")
	require.NoError(t, err)

	rep, err := env.rec.Reconcile(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, rep.Total())
	assert.Equal(t, []matching.UserID{"b"}, env.profile(t, "a").RightSwipes)

	_, err = env.rec.Reconcile(ctx, "ghost")
	assert.True(t, matching.IsNotFound(err))
}
