package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agouch/outdora/backend/matching"
)

// POST /swipes {"target_id": "...", "direction": "left|right"}
func swipeHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)

		var req swipeRequest
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		target := matching.UserID(req.TargetID)

		if req.Direction == "left" {
			if err := a.rec.SwipeLeft(ctx, me, target); err != nil {
				writeMatchingError(w, r, a.log, err)
				return
			}
			writeJSON(w, http.StatusOK, swipeResponse{Outcome: matching.OutcomeRejected})
			return
		}

		res, err := a.rec.SwipeRight(ctx, me, target)
		resp := swipeResponse{Outcome: res.Outcome}
		if res.Match != nil {
			v := viewOfMatch(me, *res.Match)
			v.Online = isOnlineNow(a.hub, v.UserID)
			resp.Match = &v
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, resp)
		case matching.CodeOf(err) == matching.CodePartialWrite:
			// The match exists on the caller's side; reconciliation completes the other.
			a.log.WarnErr(ctx, "swipe matched with a partial write", err)
			resp.Notice = matching.MetadataFor(matching.CodePartialWrite).PublicMessage
			writeJSON(w, http.StatusAccepted, resp)
		default:
			writeMatchingError(w, r, a.log, err)
		}
	}
}

// GET /matches
// Records are repaired on read and display fields come from the counterpart's
// current profile when it can be loaded.
func matchesHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)

		records, err := a.rec.Lifecycle().Matches(ctx, me)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]matchView{"matches": a.matchViews(ctx, me, records)})
	}
}

func (a *app) matchViews(ctx context.Context, me matching.UserID, records []matching.MatchRecord) []matchView {
	views := make([]matchView, len(records))
	loaders := GetDataLoadersFromContext(ctx)
	thunks := make([]func() (*matching.UserProfile, error), len(records))
	for i, m := range records {
		views[i] = viewOfMatch(me, m)
		if loaders != nil && views[i].UserID != "" {
			thunks[i] = loaders.Profiles.Load(ctx, views[i].UserID)
		}
	}
	for i := range views {
		views[i].Online = isOnlineNow(a.hub, views[i].UserID)
		if thunks[i] == nil {
			continue
		}
		p, err := thunks[i]()
		switch {
		case err == nil:
			views[i].refresh(p)
		case matching.IsNotFound(err):
			views[i].Unavailable = true
		default:
			// Keep the stored snapshot.
			a.log.WarnErr(a.log.WithMatchID(ctx, views[i].ID), "counterpart profile not loaded", err)
		}
	}
	return views
}

// DELETE /matches/{matchID}
func unmatchHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)
		matchID := chi.URLParam(r, "matchID")

		m, ok, err := a.lookupMatch(ctx, me, matchID)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		if !ok {
			// Already gone from the caller's list: a repeated or raced unmatch.
			writeJSON(w, http.StatusOK, map[string]any{"unmatched": true, "id": matchID})
			return
		}
		other, _ := m.Counterpart(me)

		err = a.rec.Lifecycle().Unmatch(ctx, m.ID, me, other)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"unmatched": true, "id": m.ID})
		case matching.CodeOf(err) == matching.CodePartialWrite:
			writeJSON(w, http.StatusAccepted, map[string]any{
				"unmatched": true,
				"id":        m.ID,
				"notice":    matching.MetadataFor(matching.CodePartialWrite).PublicMessage,
			})
		default:
			writeMatchingError(w, r, a.log, err)
		}
	}
}

// findMatch returns the caller's (repaired) match record with the given id.
func (a *app) findMatch(ctx context.Context, me matching.UserID, matchID string) (matching.MatchRecord, error) {
	m, ok, err := a.lookupMatch(ctx, me, matchID)
	if err != nil {
		return matching.MatchRecord{}, err
	}
	if !ok {
		return matching.MatchRecord{}, matching.New(matching.CodeNotFound, "match not found")
	}
	return m, nil
}

// lookupMatch reports whether the caller holds matchID. The error is set only when
// the caller's match list could not be read.
func (a *app) lookupMatch(ctx context.Context, me matching.UserID, matchID string) (matching.MatchRecord, bool, error) {
	records, err := a.rec.Lifecycle().Matches(ctx, me)
	if err != nil {
		return matching.MatchRecord{}, false, err
	}
	for _, m := range records {
		if m.ID == matchID {
			return m, true, nil
		}
	}
	return matching.MatchRecord{}, false, nil
}
