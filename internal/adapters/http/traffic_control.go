package httpadapter

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const apiKeyHeader = "X-API-Key"

type userContextKey struct{}

func userFromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userContextKey{}).(*domain.User)
	return u
}

// rateLimitMiddleware applies one process-wide token bucket.
func rateLimitMiddleware(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		reservation := limiter.Reserve()
		if !reservation.OK() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// backpressureMiddleware caps concurrent requests. A request waits up to
// wait for a slot and is rejected with 503 otherwise. Event streams are
// long-lived and bypass the gate.
func backpressureMiddleware(next http.Handler, maxInFlight int, wait time.Duration) http.Handler {
	if maxInFlight <= 0 {
		return next
	}
	slots := make(chan struct{}, maxInFlight)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/events") || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		select {
		case slots <- struct{}{}:
		default:
			timer := time.NewTimer(wait)
			select {
			case slots <- struct{}{}:
				timer.Stop()
			case <-timer.C:
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server overloaded, retry later"})
				return
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}
		defer func() { <-slots }()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the API key from X-API-Key or a bearer token.
// A nil or empty directory leaves the API open.
func authMiddleware(next http.Handler, users ports.UserDirectory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if users == nil || !users.Enabled() || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if key == "" {
			key = bearerToken(r.Header.Get("Authorization"))
		}
		user, err := users.Authenticate(r.Context(), key)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="invoice-pipeline"`)
			writeError(w, r, err)
			return
		}
		if info := requestInfoFromContext(r.Context()); info != nil {
			info.setUser(user.ID)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

func bearerToken(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(headerValue, bearerPrefix))
}

// rejectionObserverMiddleware counts requests turned away by the traffic
// controls above it.
func rejectionObserverMiddleware(next http.Handler, observer Observer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)
		switch recorder.statusCode {
		case http.StatusTooManyRequests:
			observer.RecordRejected("rate_limited")
		case http.StatusUnauthorized:
			observer.RecordRejected("unauthorized")
		case http.StatusServiceUnavailable:
			observer.RecordRejected("unavailable")
		}
	})
}
