package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(60, time.Minute, 2)
	defer l.Close()
	now := time.Unix(1706012345, 0)
	l.now = func() time.Time { return now }

	for i := range 2 {
		if res := l.Allow("u1"); !res.Allowed {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	res := l.Allow("u1")
	if res.Allowed {
		t.Fatal("request over burst allowed")
	}
	if res.RetryAfter != time.Second || res.Limit != 60 {
		t.Errorf("result = %+v", res)
	}
	if !l.Allow("u2").Allowed {
		t.Error("buckets are shared between keys")
	}
	now = now.Add(time.Second)
	if !l.Allow("u1").Allowed {
		t.Error("bucket not refilled")
	}
}

func TestNewLimiterDisabled(t *testing.T) {
	if l := NewLimiter(0, time.Minute, 1); l != nil {
		t.Error("zero budget should disable the limiter")
	}
	c := NewConfig(0, 0)
	defer c.Close()
	h := c.Bulk.Middleware(func(*http.Request) string { return "x" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusNoContent || w.Header().Get("X-RateLimit-Limit") != "" {
		t.Errorf("disabled tier changed the response: %d %v", w.Code, w.Header())
	}
}

func TestWriteHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHeaders(w, Result{Allowed: false, Limit: 60, ResetAt: time.Unix(1706012345, 0), RetryAfter: 30 * time.Second})
	want := map[string]string{
		"X-RateLimit-Limit":     "60",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     "1706012345",
		"Retry-After":           "30",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestMiddleware(t *testing.T) {
	c := NewConfig(6, 0)
	defer c.Close()
	limited := 0
	h := c.Write.Middleware(
		func(r *http.Request) string { return r.Header.Get("X-User") },
		func(w http.ResponseWriter, _ *http.Request, _ Result) {
			limited++
			w.WriteHeader(http.StatusTooManyRequests)
		},
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	codes := []int{}
	for range 2 {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("X-User", "u1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || limited != 1 {
		t.Errorf("codes = %v, limited %d", codes, limited)
	}
}
