package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agouch/outdora/backend/matching"
)

// meView is the caller's own profile with the state of their swipe queues.
type meView struct {
	profileView
	PreferredGender string                `json:"preferredGender,omitempty"`
	Location        *matching.Coordinates `json:"location,omitempty"`
	RangeMiles      float64               `json:"rangeMiles,omitempty"`
	PendingLikes    int                   `json:"pendingLikes"`
	Rejected        int                   `json:"rejected"`
	Matches         int                   `json:"matches"`
}

// GET /me
func meHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)
		p, err := a.store.ReadProfile(ctx, me)
		if err != nil {
			writeMatchingError(w, r, a.log, storeError(err, "read own profile"))
			return
		}
		records, err := a.rec.Lifecycle().Matches(ctx, me)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		writeJSON(w, http.StatusOK, meView{
			profileView:     publicProfile(*p),
			PreferredGender: p.PreferredGender,
			Location:        p.Location,
			RangeMiles:      p.RangeMiles,
			PendingLikes:    len(p.RightSwipes),
			Rejected:        len(p.RejectedUsers),
			Matches:         len(records),
		})
	}
}

// GET /users/{userID}
func userHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := matching.UserID(chi.URLParam(r, "userID"))

		var (
			p   *matching.UserProfile
			err error
		)
		if loaders := GetDataLoadersFromContext(ctx); loaders != nil {
			p, err = loaders.Profiles.Load(ctx, id)()
		} else {
			p, err = a.store.ReadProfile(ctx, id)
		}
		if err != nil {
			writeMatchingError(w, r, a.log, storeError(err, "read profile"))
			return
		}
		v := publicProfile(*p)
		v.Online = isOnlineNow(a.hub, p.ID)
		writeJSON(w, http.StatusOK, v)
	}
}
