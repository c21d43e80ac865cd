// Package identity provides per-browser session tokens and validation of
// the durable identities sessions are persisted under.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yunhe-labs/tourguide/internal/shared"
)

const (
	SessionCookieName = "guide_session"
	SessionHeaderName = "X-Guide-Session"
	sessionCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const sessionTokenKey contextKey = iota

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// Validate normalizes a durable identity (e.g. a username) and rejects
// values outside the allowed alphabet.
func Validate(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", shared.NewValidationError("identity", "identity is required")
	}
	if !identityPattern.MatchString(id) {
		return "", shared.NewValidationError("identity", "identity may contain letters, digits and . _ @ - (max 64)")
	}
	return id, nil
}

// TokenFromContext extracts the session token from the request context.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionTokenKey).(string); ok {
		return v
	}
	return ""
}

// WithToken returns ctx carrying token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenKey, token)
}

func isValidToken(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil
}

func setCookie(w http.ResponseWriter, token string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionCookieAge.Seconds()),
		Expires:  time.Now().Add(sessionCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func tokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(SessionHeaderName)); isValidToken(t) {
		return t
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && isValidToken(c.Value) {
		return c.Value
	}
	return ""
}

// Middleware resolves the session token from the header or cookie, minting
// a new one when absent, and refreshes the cookie.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				token = uuid.NewString()
			}
			setCookie(w, token, isDev)
			w.Header().Set(SessionHeaderName, token)
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
