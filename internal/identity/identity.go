// Package identity gives every browser a stable anonymous guest identity.
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
	CookieName   = "huddle_guest"
	cookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const guestIDKey contextKey = iota

var guestIDPattern = regexp.MustCompile(`^guest_[a-f0-9]{32}$`)

// FromContext returns the guest id set by Middleware, or "".
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(guestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithGuest returns ctx carrying id.
func WithGuest(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, guestIDKey, id)
}

// NewGuestID returns a fresh guest_<32 hex> id.
func NewGuestID() string {
	return "guest_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id has the guest id shape.
func Valid(id string) bool {
	return guestIDPattern.MatchString(id)
}

// DisplayName derives a short default display name from a guest id.
func DisplayName(id string) string {
	if len(id) > 12 {
		return "guest-" + id[len(id)-6:]
	}
	return "guest"
}

func getOrCreate(w http.ResponseWriter, r *http.Request, secure bool) string {
	id := ""
	if c, err := r.Cookie(CookieName); err == nil && Valid(c.Value) {
		id = c.Value
	} else {
		id = NewGuestID()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id
}

// Middleware attaches the guest id from the cookie, issuing one when the
// request has none. The cookie is refreshed on every request.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := getOrCreate(w, r, !isDev)
			next.ServeHTTP(w, r.WithContext(WithGuest(r.Context(), id)))
		})
	}
}

// IPFromRequest returns the remote IP without the port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
