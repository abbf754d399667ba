package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agouch/outdora/backend/matching"
)

// Tokens are issued by the account service; this backend only verifies them.

type userIDKey struct{}

type authenticator struct {
	secret []byte
	issuer string
}

func newAuthenticator(secret, issuer string) *authenticator {
	return &authenticator{secret: []byte(secret), issuer: issuer}
}

// parse validates an HS256 token and returns its user_id claim.
func (a *authenticator) parse(tokenStr string) (matching.UserID, bool) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", false
	}

	switch v := claims["user_id"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return matching.UserID(v), true
	case float64:
		// Older tokens carry numeric ids.
		return matching.UserID(strconv.FormatInt(int64(v), 10)), true
	default:
		return "", false
	}
}

func (a *authenticator) fromBearer(r *http.Request) (matching.UserID, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return a.parse(strings.TrimPrefix(auth, "Bearer "))
}

// fromRequest tries the Authorization header first, then the token query
// parameter, which browsers need for WebSocket upgrades.
func (a *authenticator) fromRequest(r *http.Request) (matching.UserID, bool) {
	if id, ok := a.fromBearer(r); ok {
		return id, true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return a.parse(q)
	}
	return "", false
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.fromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func withUserID(ctx context.Context, id matching.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

func currentUser(ctx context.Context) matching.UserID {
	id, _ := ctx.Value(userIDKey{}).(matching.UserID)
	return id
}
