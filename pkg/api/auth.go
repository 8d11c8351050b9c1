package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credentials gates the management routes: one operator account for
// HTTP Basic auth plus static tokens for scripted clients.
type Credentials struct {
	Username string
	Password string
	Keys     []string // accepted as Bearer tokens or X-API-Key headers
}

// openPaths are served without credentials so probes and Prometheus
// scrapes need no secrets.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requireAuth wraps next with the credential check.
func requireAuth(creds Credentials, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || creds.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="nicshell API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

// allow reports whether the request carries a valid credential in any
// accepted form.
func (c Credentials) allow(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		return c.Username != "" && equal(user, c.Username) && equal(pass, c.Password)
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return c.keyValid(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.keyValid(key)
	}
	return false
}

func (c Credentials) keyValid(token string) bool {
	for _, k := range c.Keys {
		if equal(token, k) {
			return true
		}
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
