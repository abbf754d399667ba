// Package storetest checks that a ProfileStore adapter honours the collaborator contract.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agouch/outdora/backend/matching"
)

// Seeder is the part of an adapter that can create whole documents.
type Seeder interface {
	matching.ProfileStore
	Put(ctx context.Context, p *matching.UserProfile) error
}

// Run exercises s. Profile ids are prefixed so the suite can share a database.
func Run(t *testing.T, s Seeder) {
	prefix := fmt.Sprintf("storetest-%d-", time.Now().UnixNano())
	id := func(name string) matching.UserID { return matching.UserID(prefix + name) }
	ctx := context.Background()

	put := func(t *testing.T, name string) matching.UserID {
		t.Helper()
		uid := id(name)
		require.NoError(t, s.Put(ctx, &matching.UserProfile{ID: uid, Username: name}))
		return uid
	}

	t.Run("ReadMissing", func(t *testing.T) {
		_, err := s.ReadProfile(ctx, id("missing"))
		assert.True(t, matching.IsNotFound(err), "got %v", err)
	})

	t.Run("AppendIsSetUnion", func(t *testing.T) {
		a := put(t, "append")
		for i := 0; i < 2; i++ {
			require.NoError(t, s.AppendToList(ctx, a, matching.ListRightSwipes, id("b")))
			require.NoError(t, s.AppendToList(ctx, a, matching.ListMatches, matching.MatchRecord{ID: "m1", Users: []matching.UserID{a, id("b")}}))
		}
		p, err := s.ReadProfile(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []matching.UserID{id("b")}, p.RightSwipes)
		require.Len(t, p.Matches, 1)
		assert.Equal(t, []matching.UserID{a, id("b")}, p.Matches[0].Users)
	})

	t.Run("RemoveByKey", func(t *testing.T) {
		a := put(t, "remove")
		require.NoError(t, s.AppendToList(ctx, a, matching.ListMatches, matching.MatchRecord{ID: "m1", Users: []matching.UserID{a, id("b")}}))
		require.NoError(t, s.AppendToList(ctx, a, matching.ListMatches, matching.MatchRecord{ID: "m2", Users: []matching.UserID{a, id("c")}}))
		require.NoError(t, s.RemoveFromList(ctx, a, matching.ListMatches, "m1"))
		require.NoError(t, s.RemoveFromList(ctx, a, matching.ListMatches, "m1"))

		p, err := s.ReadProfile(ctx, a)
		require.NoError(t, err)
		require.Len(t, p.Matches, 1)
		assert.Equal(t, "m2", p.Matches[0].ID)
	})

	t.Run("WriteFieldsMerges", func(t *testing.T) {
		a := put(t, "fields")
		require.NoError(t, s.AppendToList(ctx, a, matching.ListRejectedUsers, id("x")))
		require.NoError(t, s.WriteProfileFields(ctx, a, matching.Fields{"selectedActivity": "fishing"}))

		p, err := s.ReadProfile(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, "fishing", p.Activity)
		assert.Equal(t, "fields", p.Username)
		assert.Equal(t, []matching.UserID{id("x")}, p.RejectedUsers)
	})

	t.Run("ListAll", func(t *testing.T) {
		a := put(t, "list")
		all, err := s.ListAllProfiles(ctx)
		require.NoError(t, err)
		found := false
		for _, p := range all {
			if p.ID == a {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("MutualMatch", func(t *testing.T) {
		a, b := put(t, "mutual-a"), put(t, "mutual-b")
		rec := matching.NewReconciler(s, matching.Options{})

		_, err := rec.SwipeRight(ctx, a, b)
		require.NoError(t, err)
		res, err := rec.SwipeRight(ctx, b, a)
		require.NoError(t, err)
		assert.Equal(t, matching.OutcomeMatched, res.Outcome)

		pa, err := s.ReadProfile(ctx, a)
		require.NoError(t, err)
		pb, err := s.ReadProfile(ctx, b)
		require.NoError(t, err)
		require.Len(t, pa.Matches, 1)
		require.Len(t, pb.Matches, 1)
		assert.Equal(t, pa.Matches[0].ID, pb.Matches[0].ID)
		assert.Empty(t, pa.RightSwipes)
		assert.Empty(t, pb.RightSwipes)
	})
}
