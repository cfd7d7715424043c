package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// auth.go is the session-cookie and cron-secret half of §6, grounded on
// the teacher's internal/webhooks/auth.go: same HMAC-signing-method check
// and sub-claim extraction, adapted from a Bearer-token API-key scheme to
// a browser session cookie that is reissued (slid forward) on every
// authenticated request.

type contextKey string

const userIDContextKey contextKey = "session_user_id"

const (
	sessionCookieName = "session"
	sessionTTL        = 30 * 24 * time.Hour
)

// SessionAuth issues and validates the session cookie.
type SessionAuth struct {
	secret []byte
}

func NewSessionAuth(hmacSecret string) *SessionAuth {
	return &SessionAuth{secret: []byte(hmacSecret)}
}

// IssueCookie mints a fresh session cookie for userID, valid sessionTTL
// from now.
func (a *SessionAuth) IssueCookie(userID string) (*http.Cookie, error) {
	claims := jwtlib.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(sessionTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("api: sign session cookie: %w", err)
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	}, nil
}

// extractUserID parses and validates the session cookie, returning the
// userId carried in its sub claim.
func (a *SessionAuth) extractUserID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", fmt.Errorf("api: missing session cookie: %w", err)
	}

	token, err := jwtlib.Parse(cookie.Value, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("api: invalid session: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("api: invalid session claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("api: session missing sub claim")
	}
	return sub, nil
}

// Middleware requires a valid session cookie, stashes the userId in the
// request context, and reissues the cookie so its expiry slides forward
// on every authenticated request (§6 "refreshed on every request").
func (a *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.extractUserID(r)
		if err != nil {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}

		if fresh, err := a.IssueCookie(userID); err == nil {
			http.SetCookie(w, fresh)
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext reads the userId stashed by SessionAuth.Middleware.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDContextKey).(string)
	return v
}

// CronAuth gates the scheduler's HTTP-triggered operations behind a
// shared secret header, the same constant-time-compare shape as the
// teacher's X-API-Key branch.
func CronAuth(cronSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Cron-Secret")
			if cronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(cronSecret)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
