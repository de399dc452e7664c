// ABOUTME: Token extraction for HTTP requests upgrading to WebSocket
// ABOUTME: Accepts Authorization: Bearer headers or a token query parameter

package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer token from an HTTP request.
// Browser WebSocket clients cannot set headers, so ?token= is also accepted.
// Returns an empty string if no token is present.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
