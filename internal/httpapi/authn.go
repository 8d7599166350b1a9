package httpapi

import (
	"net/http"
	"strings"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// sessionToken reads the session token from the token query parameter or,
// failing that, from a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// firstParam returns the first non-empty query parameter among names.
func firstParam(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="c19x-admin"`)
	writeError(w, r, http.StatusUnauthorized, "unauthorised")
}
