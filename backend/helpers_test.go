package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/agouch/outdora/backend/chatlog"
	"github.com/agouch/outdora/backend/events"
	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/metrics"
	"github.com/agouch/outdora/backend/store/memstore"
)

const (
	testSecret = "test-secret-key-for-testing"
	testOrigin = "http://localhost:5173"
)

// testEnv is an app wired to in-memory collaborators.
type testEnv struct {
	app    *app
	store  *memstore.Store
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memstore.New()
	hub := events.NewHub()
	registry := prometheus.NewRegistry()
	m := metrics.NewMatching(registry)
	log := logger.Nop()

	a := &app{
		log:   log,
		store: st,
		rec: matching.NewReconciler(st, matching.Options{
			Logger:  log,
			Metrics: m,
			Events:  hub,
		}),
		chat:     chatlog.NewMemory(),
		hub:      hub,
		metrics:  m,
		registry: registry,
		auth:     newAuthenticator(testSecret, ""),
		feed:     matching.FeedOptions{DefaultRangeMiles: 100, Limit: 50},
		origins:  []string{testOrigin},
	}
	return &testEnv{app: a, store: st, router: newRouter(a)}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func tokenFor(t *testing.T, user matching.UserID) string {
	return signToken(t, testSecret, jwt.MapClaims{"user_id": string(user)})
}

func (e *testEnv) seed(t *testing.T, profiles ...matching.UserProfile) {
	t.Helper()
	for i := range profiles {
		require.NoError(t, e.store.Put(context.Background(), &profiles[i]))
	}
}

func (e *testEnv) profile(t *testing.T, id matching.UserID) *matching.UserProfile {
	t.Helper()
	p, err := e.store.ReadProfile(context.Background(), id)
	require.NoError(t, err)
	return p
}

// do sends a request through the full router. An empty user sends no token.
func (e *testEnv) do(t *testing.T, method, path string, user matching.UserID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, user))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func testProfile(id matching.UserID, name string) matching.UserProfile {
	return matching.UserProfile{
		ID:        id,
		Username:  name,
		FirstName: name,
		Age:       30,
		Attributes: matching.Attributes{
			Location: &matching.Coordinates{Lat: 60.1699, Lon: 24.9384},
		},
	}
}

// matchedPair returns a and b holding mirrored copies of match id.
func matchedPair(id string, a, b matching.UserProfile, at time.Time) (matching.UserProfile, matching.UserProfile) {
	a.Matches = append(a.Matches, matching.MatchRecord{
		ID: id, Users: []matching.UserID{a.ID, b.ID},
		Username: b.Username, FirstName: b.FirstName, Age: b.Age, CreatedAt: at,
	})
	b.Matches = append(b.Matches, matching.MatchRecord{
		ID: id, Users: []matching.UserID{b.ID, a.ID},
		Username: a.Username, FirstName: a.FirstName, Age: a.Age, CreatedAt: at,
	})
	return a, b
}
