package main

import (
	"net/http"

	"github.com/agouch/outdora/backend/store"
)

// withDataLoaders gives every request its own loaders so cached profiles never
// outlive the request.
func withDataLoaders(r store.BatchReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := WithDataLoaders(req.Context(), NewDataLoaders(r))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}
