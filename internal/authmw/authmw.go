// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerTokens returns middleware that accepts a request when its
// Authorization header carries a Bearer token equal to any of tokens.
// Several tokens may be active at once so callers can rotate credentials.
// Empty tokens are ignored; with no usable token every request is rejected.
// Each candidate is compared in constant time and all candidates are checked.
func BearerTokens(tokens ...string) func(http.Handler) http.Handler {
	expected := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			match := 0
			for _, want := range expected {
				match |= subtle.ConstantTimeCompare(got, want)
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="invoiceshield"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
