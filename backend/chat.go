package main

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agouch/outdora/backend/chatlog"
	"github.com/agouch/outdora/backend/events"
	"github.com/agouch/outdora/backend/matching"
)

// clientFrame is what a client sends over the socket.
type clientFrame struct {
	Type    string `json:"type"` // "message" | "typing"
	MatchID string `json:"match_id"`
	Text    string `json:"text,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

func (a *app) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(a.origins, origin)
		},
	}
}

// GET /ws
// Pushes match events, chat messages and the caller's own match list whenever
// their profile document changes.
func wsChatHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me := currentUser(r.Context())
		ctx := a.log.WithUserID(context.WithoutCancel(r.Context()), string(me))

		conn, err := a.upgrader().Upgrade(w, r, nil)
		if err != nil {
			a.log.WarnErr(ctx, "websocket upgrade failed", err)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		client := a.hub.Register(me)
		a.hub.SendToClient(client, events.Envelope{Type: "info", Data: "connected"})

		stopWatch, err := a.store.Subscribe(ctx, me, func(matching.UserProfile) {
			records, err := a.rec.Lifecycle().Matches(ctx, me)
			if err != nil {
				return
			}
			lctx := WithDataLoaders(ctx, NewDataLoaders(a.store))
			a.hub.SendToUser(me, events.Envelope{Type: "matches", Data: a.matchViews(lctx, me, records)})
		})
		if err != nil {
			a.log.WarnErr(ctx, "profile changes will not be pushed", err)
		} else {
			defer stopWatch()
		}

		go clientWriter(conn, client)
		a.clientReader(ctx, conn, client)
	}
}

func (a *app) clientReader(ctx context.Context, conn *websocket.Conn, c *events.Client) {
	defer func() {
		a.hub.Unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			a.hub.SendToClient(c, events.Envelope{Type: "error", Data: "invalid message format"})
			continue
		}

		switch frame.Type {
		case "message":
			if _, err := a.sendMessage(ctx, c.UserID, frame.MatchID, frame.Text); err != nil {
				a.log.WarnErr(a.log.WithMatchID(ctx, frame.MatchID), "chat message refused", err)
				a.hub.SendToClient(c, events.Envelope{Type: "error", Data: matching.MetadataFor(matching.CodeOf(err)).PublicMessage})
			}
		case "typing":
			m, err := a.findMatch(ctx, c.UserID, frame.MatchID)
			if err != nil {
				continue
			}
			if other, ok := m.Counterpart(c.UserID); ok {
				a.hub.SendToUser(other, events.Envelope{Type: "typing", From: c.UserID, Data: m.ID})
			}
		default:
			a.hub.SendToClient(c, events.Envelope{Type: "error", Data: "unknown message type"})
		}
	}
}

func clientWriter(conn *websocket.Conn, c *events.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage appends to the match log and relays the message to both participants.
func (a *app) sendMessage(ctx context.Context, me matching.UserID, matchID, text string) (chatlog.Message, error) {
	m, err := a.findMatch(ctx, me, matchID)
	if err != nil {
		return chatlog.Message{}, err
	}
	msg, err := a.chat.Append(ctx, chatlog.Message{MatchID: m.ID, SenderID: me, Text: text})
	if err != nil {
		return chatlog.Message{}, err
	}
	env := events.Envelope{Type: "message", From: me, Data: msg}
	if other, ok := m.Counterpart(me); ok {
		a.hub.SendToUser(other, env)
	}
	a.hub.SendToUser(me, env)
	return msg, nil
}

// POST /matches/{matchID}/messages {"text": "..."}
func postMessageHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg, err := a.sendMessage(r.Context(), currentUser(r.Context()), chi.URLParam(r, "matchID"), req.Text)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// GET /matches/{matchID}/messages?limit=50&before=2025-09-16T08:00:00Z
func getChatHistoryHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m, err := a.findMatch(ctx, currentUser(ctx), chi.URLParam(r, "matchID"))
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}

		var q chatlog.Query
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > chatlog.MaxLimit {
				writeError(w, http.StatusBadRequest, "invalid_limit")
				return
			}
			q.Limit = n
		}
		if s := r.URL.Query().Get("before"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_before")
				return
			}
			q.Before = t
		}

		msgs, err := a.chat.List(ctx, m.ID, q)
		if err != nil {
			writeMatchingError(w, r, a.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]chatlog.Message{"messages": msgs})
	}
}
