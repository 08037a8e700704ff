package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or a static key in the X-API-Key header.
// Requests whose path starts with one of publicPrefixes skip the check. If
// apiKey is empty, the middleware passes all requests through (disabled).
func Auth(apiKey string, publicPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.Method == http.MethodOptions || isPublic(r.URL.Path, publicPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			if extractToken(r) == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if !Authorized(r, apiKey) {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Authorized reports whether r carries apiKey. It is false when apiKey is
// empty, so callers granting extra access must configure a key.
func Authorized(r *http.Request, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	token := extractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1
}

func isPublic(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// writeJSONError sends a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
