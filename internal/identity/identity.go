// Package identity provides anonymous per-browser session identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionCookieName = "pulseid_session"
	TabHeaderName     = "X-Pulseid-Tab-ID"
	DefaultTabID      = "default"
	sessionCookieAge  = 24 * time.Hour
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	tabIDKey
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

// WithSessionID returns ctx carrying id. Used by tests and background jobs.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func isValidSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func setSessionCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieAge.Seconds()),
		Expires:  time.Now().Add(sessionCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateSessionID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && isValidSessionID(c.Value) {
		setSessionCookie(w, c.Value, isDev)
		return c.Value
	}
	id := uuid.NewString()
	setSessionCookie(w, id, isDev)
	return id
}

func tabIDFromRequest(r *http.Request) string {
	tab := r.Header.Get(TabHeaderName)
	if tab == "" {
		tab = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(tab)
}

// Middleware injects the anonymous session ID and the per-request tab ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := getOrCreateSessionID(w, r, isDev)
			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			ctx = context.WithValue(ctx, tabIDKey, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
