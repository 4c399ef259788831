package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rowanhe/intake/internal/limiter"
	"github.com/rowanhe/intake/internal/storage"
)

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (storage.Result, error) {
	return storage.Result{}, errors.New("store down")
}

func newTestLimiter(t *testing.T, limit int64, window time.Duration) *limiter.Limiter {
	t.Helper()

	ms := storage.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = ms.Close() })

	lim, err := limiter.New(ms, limiter.Config{Limit: limit, Window: window})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return lim
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitAdmitsWithinQuota(t *testing.T) {
	lim := newTestLimiter(t, 3, 300*time.Second)
	handler := RateLimit(lim, false, nil)(okHandler())

	for i := int64(1); i <= 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.2.3:51234"

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		wantRemaining := strconv.FormatInt(3-i, 10)
		if got := w.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: expected remaining %s, got %q", i, wantRemaining, got)
		}
	}
}

func TestRateLimitRejectsPastQuota(t *testing.T) {
	lim := newTestLimiter(t, 2, 300*time.Second)
	handler := RateLimit(lim, false, nil)(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "10.1.2.3:51234"
		return r
	}

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req())
		if w.Code != http.StatusOK {
			t.Fatalf("priming request %d failed with %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req())

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0 header, got %q", got)
	}
	if body := w.Body.String(); body != "{\"error\":\"Too Many Requests\"}\n" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestRateLimitSeparatesClients(t *testing.T) {
	lim := newTestLimiter(t, 1, 300*time.Second)
	handler := RateLimit(lim, false, nil)(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/health", nil)
	first.RemoteAddr = "10.0.0.1:1000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("first client rejected: %d", w.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/health", nil)
	second.RemoteAddr = "10.0.0.2:1000"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, second)
	if w.Code != http.StatusOK {
		t.Fatalf("second client rejected despite separate quota: %d", w.Code)
	}
}

func TestRateLimitStoreFailureIsServiceError(t *testing.T) {
	handler := RateLimit(erroringLimiter{}, false, nil)(okHandler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:51234"

	handler.ServeHTTP(w, req)

	// Store unavailability must surface as a service error, not as an
	// admission decision in either direction.
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRateLimitPublishesEvents(t *testing.T) {
	lim := newTestLimiter(t, 1, 300*time.Second)

	var events []Event
	handler := RateLimit(lim, false, func(e Event) { events = append(events, e) })(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/add_user/", nil)
		r.RemoteAddr = "10.1.2.3:51234"
		return r
	}

	handler.ServeHTTP(httptest.NewRecorder(), req())
	handler.ServeHTTP(httptest.NewRecorder(), req())

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].Allowed || events[0].Type != EventAdmission {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Allowed || events[1].Status != http.StatusTooManyRequests {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{
			name:       "peer address",
			remoteAddr: "192.0.2.7:41234",
			want:       "192.0.2.7",
		},
		{
			name:       "forwarded-for ignored without trust",
			remoteAddr: "192.0.2.7:41234",
			xff:        "203.0.113.9",
			want:       "192.0.2.7",
		},
		{
			name:       "first forwarded-for entry with trust",
			remoteAddr: "192.0.2.7:41234",
			xff:        "203.0.113.9, 198.51.100.2",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "blank forwarded-for falls back to peer",
			remoteAddr: "192.0.2.7:41234",
			xff:        "   ",
			trustProxy: true,
			want:       "192.0.2.7",
		},
		{
			name:       "unparseable remote addr used verbatim",
			remoteAddr: "not-a-hostport",
			want:       "not-a-hostport",
		},
		{
			name: "empty remote addr",
			want: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			if got := ClientKey(req, tt.trustProxy); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
