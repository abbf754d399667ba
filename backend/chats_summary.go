package main

import (
	"net/http"
	"sort"
	"time"

	"github.com/agouch/outdora/backend/chatlog"
)

// chatSummary is one sidebar entry: a match and its latest message.
type chatSummary struct {
	Match         matchView        `json:"match"`
	LastMessage   *chatlog.Message `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
}

// GET /chats/summary
// Matches ordered by latest activity, newest first. A match without messages
// counts its creation time as activity.
func chatSummaryHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUser(ctx)

		records, err := a.rec.Lifecycle().Matches(ctx, me)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		views := a.matchViews(ctx, me, records)

		summaries := make([]chatSummary, 0, len(views))
		for _, v := range views {
			s := chatSummary{Match: v}
			last, err := a.chat.List(ctx, v.ID, chatlog.Query{Limit: 1})
			if err != nil {
				writeMatchingError(w, r, a.log, err)
				return
			}
			if len(last) == 1 {
				s.LastMessage = &last[0]
				s.LastMessageAt = &last[0].Timestamp
			}
			summaries = append(summaries, s)
		}

		sort.SliceStable(summaries, func(i, j int) bool {
			return activity(summaries[i]).After(activity(summaries[j]))
		})
		writeJSON(w, http.StatusOK, map[string][]chatSummary{"chats": summaries})
	}
}

func activity(s chatSummary) time.Time {
	if s.LastMessageAt != nil {
		return *s.LastMessageAt
	}
	return s.Match.CreatedAt
}
