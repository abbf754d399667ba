package main

import (
	"net/http"
	"strconv"

	"github.com/agouch/outdora/backend/matching"
)

const maxFeedLimit = 200

// GET /feed?limit=N
// Repairs the caller's pair state first so the feed never shows someone the
// caller is already matched with on one side only.
func feedHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)

		if _, err := a.rec.Reconcile(ctx, me); err != nil {
			if matching.IsNotFound(err) {
				writeMatchingError(w, r, a.log, err)
				return
			}
			// The feed is still correct without repairs; the next load retries them.
			a.log.WarnErr(ctx, "feed served without reconciliation", err)
		}

		self, err := a.store.ReadProfile(ctx, me)
		if err != nil {
			writeMatchingError(w, r, a.log, storeError(err, "read own profile"))
			return
		}
		all, err := a.store.ListAllProfiles(ctx)
		if err != nil {
			writeMatchingError(w, r, a.log, storeError(err, "list profiles"))
			return
		}

		opts := a.feed
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxFeedLimit {
				writeError(w, http.StatusBadRequest, "invalid_limit")
				return
			}
			opts.Limit = n
		}

		candidates := matching.ComputeCandidates(*self, all, opts)
		a.metrics.ObserveFeedSize(len(candidates))

		out := make([]profileView, 0, len(candidates))
		for _, c := range candidates {
			v := publicProfile(c)
			if self.Location != nil && c.Location != nil {
				d := matching.Haversine(*self.Location, *c.Location)
				v.DistanceMiles = &d
			}
			v.Online = isOnlineNow(a.hub, c.ID)
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, map[string][]profileView{"candidates": out})
	}
}

// POST /reconcile runs a repair pass for the caller and reports what changed.
func reconcileHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := a.rec.Reconcile(r.Context(), currentUser(r.Context()))
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"matured":  rep.Matured,
			"mirrored": rep.Mirrored,
			"pruned":   rep.Pruned,
			"repaired": rep.Repaired,
			"consumed": rep.Consumed,
			"total":    rep.Total(),
		})
	}
}

// storeError classifies a raw store failure the way the matching core does:
// typed errors keep their code, anything else is Unavailable.
func storeError(err error, msg string) error {
	return matching.Wrap(matching.CodeOf(err), err, msg)
}
