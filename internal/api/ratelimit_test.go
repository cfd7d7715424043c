package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "203.0.113.5", clientIP(r))
}

func TestClientIP_FallsBackToRealIPThenRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.9")
	r.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "198.51.100.9", clientIP(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "192.0.2.1:8080"
	assert.Equal(t, "192.0.2.1", clientIP(r2))
}

func TestClassify_RoutesByCostAndExemptions(t *testing.T) {
	cases := []struct {
		method string
		path   string
		class  limitClass
		exempt bool
	}{
		{http.MethodGet, "/health", 0, true},
		{http.MethodGet, "/healthz", 0, true},
		{http.MethodPost, "/cron/seed-sync", 0, true},
		{http.MethodPost, "/playlists", classMutate, false},
		{http.MethodPost, "/playlists/confirmation-token", classMutate, false},
		{http.MethodGet, "/playlists/job-1", classRead, false},
		{http.MethodGet, "/stats/top-tracks", classRead, false},
	}
	for _, tc := range cases {
		class, exempt := classify(httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.exempt, exempt, "%s %s", tc.method, tc.path)
		if !tc.exempt {
			assert.Equal(t, tc.class, class, "%s %s", tc.method, tc.path)
		}
	}
}

func newTestThrottle() *throttle {
	return &throttle{
		visitors: make(map[string]*visitor),
		budgets: map[limitClass]classBudget{
			classRead:   {rps: rate.Limit(1), burst: 3},
			classMutate: {rps: rate.Limit(1), burst: 1},
		},
		ttl: time.Minute,
	}
}

func TestThrottle_PerIPBurstThenReject(t *testing.T) {
	tr := newTestThrottle()
	for i := 0; i < 3; i++ {
		assert.True(t, tr.allow("1.2.3.4", classRead))
	}
	assert.False(t, tr.allow("1.2.3.4", classRead), "fourth request within the burst window must be rejected")
	assert.True(t, tr.allow("5.6.7.8", classRead), "a different IP has its own independent bucket")
}

func TestThrottle_ClassBudgetsAreIndependent(t *testing.T) {
	tr := newTestThrottle()
	assert.True(t, tr.allow("1.2.3.4", classMutate))
	assert.False(t, tr.allow("1.2.3.4", classMutate), "the mutate budget is exhausted")
	assert.True(t, tr.allow("1.2.3.4", classRead), "the same IP's read budget is untouched")
}

func TestRateLimitMiddleware_ExemptsHealthAndCron(t *testing.T) {
	var called int
	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ }))

	for _, path := range []string{"/health", "/healthz", "/cron/seed-sync"} {
		for i := 0; i < 100; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "9.9.9.9:1"
			h.ServeHTTP(rec, req)
		}
	}
	assert.Equal(t, 300, called, "exempt paths must never be throttled")
}

func TestRateLimitMiddleware_MutationBudgetTighterThanReads(t *testing.T) {
	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// exhaust the global mutate burst for one IP...
	var rejected bool
	for i := 0; i < apiThrottle.budgets[classMutate].burst+1; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/playlists", nil)
		req.RemoteAddr = "203.0.113.77:1"
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected = true
		}
	}
	assert.True(t, rejected, "sustained playlist creation must hit the mutate ceiling")

	// ...while the same IP's reads still flow.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats/top-tracks", nil)
	req.RemoteAddr = "203.0.113.77:1"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
