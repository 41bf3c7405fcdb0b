package api

import (
	"net/http"
	"slices"
)

const (
	corsAllowHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowMethods = "GET, POST, PATCH, DELETE, OPTIONS"
)

// corsMiddleware answers cross-origin requests from the configured origins.
// With no origins configured it passes everything through untouched.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !(slices.Contains(origins, origin) || slices.Contains(origins, "*")) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
