package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hatchworks/conveyor/pkg/auth"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/metrics"
	"github.com/hatchworks/conveyor/pkg/types"
)

type ctxKey int

const (
	ctxTraceID ctxKey = iota
	ctxAPIKey
)

// traceID returns the request's trace identifier
func traceID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxTraceID).(string); ok {
		return id
	}
	return ""
}

// keyRecord returns the authenticated key record, nil on public routes
func keyRecord(r *http.Request) *types.APIKeyRecord {
	if rec, ok := r.Context().Value(ctxAPIKey).(*types.APIKeyRecord); ok {
		return rec
	}
	return nil
}

// traceMiddleware assigns every request a trace ID, honoring one the
// caller already carries.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxTraceID, id)))
	})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}

// authenticate resolves the API key from Authorization: Bearer or
// X-API-Key, enforcing failed-auth bans per source IP.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		banned, err := s.authMgr.IsBanned(r.Context(), ip)
		if err != nil {
			log.WithComponent("api").Error().Err(err).Msg("ban lookup failed")
		}
		if banned {
			writeError(w, r, http.StatusForbidden, "banned", "too many failed authentication attempts", nil)
			return
		}

		key := bearerToken(r)
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, "missing_credentials", "provide an API key via Authorization: Bearer or X-API-Key", nil)
			return
		}

		record, err := s.authMgr.ValidateKey(r.Context(), key)
		if err != nil {
			if nowBanned, rerr := s.authMgr.RecordFailedAuth(r.Context(), ip); rerr == nil && nowBanned {
				writeError(w, r, http.StatusForbidden, "banned", "too many failed authentication attempts", nil)
				return
			}
			log.WithComponent("api").Warn().
				Str("ip", ip).
				Str("key", auth.MaskKey(key)).
				Msg("rejected API key")
			writeError(w, r, http.StatusUnauthorized, "invalid_key", "API key is invalid or expired", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAPIKey, record)))
	})
}

// rateLimit applies the tier limit, honoring per-key overrides. Limit
// headers go out on every authenticated response.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record := keyRecord(r)

		limit := s.limits.LimitFor(string(record.Tier))
		if record.RateLimitOverride != nil {
			limit = *record.RateLimitOverride
		}

		decision, err := s.limiter.Allow(r.Context(), record.ClientID, limit)
		if err != nil {
			log.WithComponent("api").Error().Err(err).Msg("rate limit check failed")
			// Fail open: a cache outage must not take the API down
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues(string(record.Tier)).Inc()
			writeError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded",
				"request rate exceeds your tier limit", map[string]any{
					"limit":    decision.Limit,
					"period":   "minute",
					"reset_at": decision.ResetAt.UTC(),
				})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			record := keyRecord(r)
			if record == nil || !auth.HasPermission(record, perm) {
				writeError(w, r, http.StatusForbidden, "permission_denied",
					"your API key does not grant "+perm, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
