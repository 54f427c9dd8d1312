package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/database"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
)

// RateLimit enforces a sliding-window request limit per caller. Counters
// live in Redis so the limit holds across replicas. Authenticated
// requests are keyed by user, anonymous ones by client IP. A Redis
// outage fails open; the limiter must never take the API down with it.
func RateLimit(rdb *database.Redis, cfg config.RateLimitConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	log := logger.With("component", "ratelimit")
	limit := int64(cfg.Requests)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count, err := rdb.SlidingWindowCount(r.Context(), "ratelimit:"+callerKey(r), cfg.Window)
			if err != nil {
				log.Warn("rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			remaining := limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > limit {
				response.Error(w, r, apierrors.ErrRateLimited.WithRetryAfter(cfg.Window))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// callerKey picks the identity a request is limited under. Requests pass
// through auth first, so per-user limiting applies whenever a credential
// was presented.
func callerKey(r *http.Request) string {
	if id := GetUserID(r.Context()); id != uuid.Nil {
		return "user:" + id.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
