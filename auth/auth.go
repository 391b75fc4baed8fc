// Package auth resolves the acting operator of a request. The actor is an
// opaque id recorded on audit rows; role checks live outside this service.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/diewo77/go-jobshop/httpx"
)

type ctxKey string

const (
	sessionCookieName = "session"
	actorCtxKey       = ctxKey("actor")
	// ActorHeader is set by an authenticating proxy in front of the service.
	ActorHeader = "X-Actor"
	sessionTTL  = 14 * 24 * time.Hour
)

// Authenticator signs and reads actor sessions.
type Authenticator struct {
	secret      []byte
	trustHeader bool
}

// New returns an Authenticator. With trustHeader set, the X-Actor header is
// accepted when no session cookie is present.
func New(secret string, trustHeader bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), trustHeader: trustHeader}
}

func (a *Authenticator) sign(actor string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(actor))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CreateSession sets a signed cookie carrying the actor id.
func (a *Authenticator) CreateSession(w http.ResponseWriter, actor string) {
	value := base64.RawURLEncoding.EncodeToString([]byte(actor)) + "." + a.sign(actor)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sessionTTL),
	})
}

// ClearSession deletes the session cookie.
func (a *Authenticator) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", Expires: time.Unix(0, 0), HttpOnly: true, SameSite: http.SameSiteLaxMode})
}

// ParseSession validates the cookie and returns the actor id.
func (a *Authenticator) ParseSession(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	enc, sig, ok := strings.Cut(c.Value, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	actor := string(raw)
	if !hmac.Equal([]byte(sig), []byte(a.sign(actor))) {
		return "", false
	}
	return actor, true
}

// Resolve returns the actor of r from the session cookie, or from the
// trusted header when enabled.
func (a *Authenticator) Resolve(r *http.Request) (string, bool) {
	if actor, ok := a.ParseSession(r); ok {
		return actor, true
	}
	if a.trustHeader {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			return actor, true
		}
	}
	return "", false
}

// WithActor stores the actor id in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext extracts the actor id.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorCtxKey).(string)
	return actor, ok && actor != ""
}

// Middleware attaches the actor to the request context if present.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := a.Resolve(r); ok {
			r = r.WithContext(WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActor rejects requests without an actor with 401.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); !ok {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
