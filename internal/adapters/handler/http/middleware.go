package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

const (
	headerProperty = "X-Property-ID"
	headerAgent    = "X-Agent-ID"
)

func propertyOf(r *http.Request) string {
	if p := strings.TrimSpace(r.Header.Get(headerProperty)); p != "" {
		return p
	}
	return strings.TrimSpace(r.URL.Query().Get("property_id"))
}

// ActorContext puts the calling property and agent on the request context.
func ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := domain.Actor{
			PropertyID: propertyOf(r),
			AgentID:    strings.TrimSpace(r.Header.Get(headerAgent)),
		}
		ctx := domain.WithActor(r.Context(), actor)
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
		if actor.PropertyID != "" {
			ctx = logger.WithProperty(ctx, actor.PropertyID)
		}
		if actor.AgentID != "" {
			ctx = logger.WithAgent(ctx, actor.AgentID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireProperty rejects calls that name no property.
func RequireProperty(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, _ := domain.ActorFrom(r.Context()); actor.PropertyID == "" {
			writeError(w, http.StatusBadRequest, "validation", "property_id is required (X-Property-ID header or property_id query)")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through the structured logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		}
		if status >= 500 {
			logger.ErrorContext(r.Context(), "HTTP request", args...)
			return
		}
		logger.DebugContext(r.Context(), "HTTP request", args...)
	})
}

// RateLimiter limits requests per client IP. Idle visitors are forgotten
// after a few minutes.
func RateLimiter(ctx context.Context, perMinute, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	limit := rate.Limit(float64(perMinute) / 60)
	return func(next http.Handler) http.Handler {
		if perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(limit, burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				httpRateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
