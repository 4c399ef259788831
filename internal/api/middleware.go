// Package api provides the HTTP surface of the intake service.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	intakehttp "github.com/rowanhe/intake/internal/httputil"
	"github.com/rowanhe/intake/internal/storage"
)

// RateLimiter defines the limiter behavior required by the middleware.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (storage.Result, error)
}

// RateLimit wraps next with sliding-window admission control. It runs ahead
// of routing: every request is checked, admitted responses carry
// X-RateLimit-Remaining, and rejected ones get a 429 with remaining 0.
//
// A limiter failure is a service error, not an admission decision: the
// request fails with a 503 rather than passing unchecked.
func RateLimit(lim RateLimiter, trustProxy bool, sink func(Event)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ClientKey(r, trustProxy)

			result, err := lim.Allow(r.Context(), clientID)
			if err != nil {
				slog.Error("rate limiter unavailable", "client", clientID, "error", err)
				intakehttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error": "rate limiter unavailable",
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				publish(sink, Event{
					Timestamp: time.Now().UTC(),
					Type:      EventAdmission,
					ClientID:  clientID,
					Method:    r.Method,
					Path:      r.URL.Path,
					Allowed:   false,
					Status:    http.StatusTooManyRequests,
				})

				intakehttp.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "Too Many Requests",
				})
				return
			}

			publish(sink, Event{
				Timestamp: time.Now().UTC(),
				Type:      EventAdmission,
				ClientID:  clientID,
				Method:    r.Method,
				Path:      r.URL.Path,
				Allowed:   true,
				Remaining: result.Remaining,
				Status:    http.StatusOK,
			})

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey derives the rate-limit identity for a request: the first
// X-Forwarded-For entry when proxy trust is enabled, else the peer address.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := strings.TrimSpace(parts[0])
				if candidate != "" {
					return candidate
				}
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	if trimmed := strings.TrimSpace(r.RemoteAddr); trimmed != "" {
		return trimmed
	}

	return "unknown"
}

func publish(sink func(Event), event Event) {
	if sink != nil {
		sink(event)
	}
}
