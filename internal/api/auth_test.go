package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionAuth_IssueAndExtractRoundTrips(t *testing.T) {
	sa := NewSessionAuth("super-secret")
	cookie, err := sa.IssueCookie("user-42")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	userID, err := sa.extractUserID(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestSessionAuth_MiddlewareRejectsMissingCookie(t *testing.T) {
	sa := NewSessionAuth("super-secret")
	var called bool
	h := sa.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuth_MiddlewareSlidesExpiryForward(t *testing.T) {
	sa := NewSessionAuth("super-secret")
	cookie, err := sa.IssueCookie("user-42")
	require.NoError(t, err)

	var gotUserID string
	h := sa.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "user-42", gotUserID)
	resp := rec.Result()
	require.Len(t, resp.Cookies(), 1, "middleware must reissue the cookie on every authenticated request")
	assert.Equal(t, sessionCookieName, resp.Cookies()[0].Name)
}

func TestSessionAuth_RejectsTamperedCookie(t *testing.T) {
	sa := NewSessionAuth("super-secret")
	cookie, err := sa.IssueCookie("user-42")
	require.NoError(t, err)
	cookie.Value = cookie.Value + "tampered"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	_, err = sa.extractUserID(req)
	assert.Error(t, err)
}

func TestSessionAuth_RejectsWrongSecret(t *testing.T) {
	issuer := NewSessionAuth("secret-a")
	verifier := NewSessionAuth("secret-b")

	cookie, err := issuer.IssueCookie("user-42")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	_, err = verifier.extractUserID(req)
	assert.Error(t, err)
}

func TestCronAuth_RequiresMatchingHeader(t *testing.T) {
	var called bool
	h := CronAuth("cron-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cron/seed-sync", nil)
	h.ServeHTTP(rec, req)
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/cron/seed-sync", nil)
	req.Header.Set("X-Cron-Secret", "cron-secret")
	h.ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCronAuth_RejectsWhenSecretUnconfigured(t *testing.T) {
	h := CronAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when cron secret is unconfigured")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cron/seed-sync", nil)
	req.Header.Set("X-Cron-Secret", "")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
