// Package auth resolves the current bearer token for the marking service and
// signals session expiry uniformly. Every remote call consults the gate
// immediately before dispatch; a 401/403 from any service maps back to
// ErrSessionExpired so the session controller sees a single expiry event.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrSessionExpired is the uniform expiry signal. It covers a missing token,
// a token past its exp claim, and 401/403 responses from remote services.
var ErrSessionExpired = errors.New("session expired")

// TokenSource yields the current bearer token on demand.
type TokenSource interface {
	CurrentToken() (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Gate is the default TokenSource. It holds a bearer token and checks its
// JWT exp claim (when present) on every read, so expiry is detected before
// the request leaves the client rather than as a surprise 401.
type Gate struct {
	token string
	clock Clock
}

func NewGate(token string) *Gate {
	return &Gate{token: token, clock: realClock{}}
}

func NewGateWithClock(token string, clock Clock) *Gate {
	return &Gate{token: token, clock: clock}
}

// CurrentToken returns the bearer token, or ErrSessionExpired when the token
// is absent or its exp claim has passed.
func (g *Gate) CurrentToken() (string, error) {
	if g.token == "" {
		return "", ErrSessionExpired
	}
	exp, ok := jwtExpiry(g.token)
	if ok && !g.clock.Now().Before(exp) {
		return "", ErrSessionExpired
	}
	return g.token, nil
}

// jwtExpiry extracts the exp claim from a JWT without verifying the
// signature. Verification belongs to the service; the client only needs to
// know whether a round-trip is pointless. Opaque tokens report ok=false and
// are passed through untouched.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

// SignInURL builds the sign-in location with a return-to parameter, used
// after the expiry grace delay.
func SignInURL(base, returnTo string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("redirect", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}
