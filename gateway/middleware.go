package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gliderlab/voxbridge/pkg/metrics"
)

// clientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the
// remote address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, p := range strings.Split(xff, ",") {
			if p = strings.TrimSpace(p); p != "" {
				return p
			}
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// routePattern returns the matched chi pattern so metrics stay low-cardinality
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, routePattern(r), status, elapsed)

		ev := g.logger.Debug()
		if status >= 500 {
			ev = g.logger.Warn()
		} else if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			ev = g.logger.Info()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Str("ip", clientIP(r)).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// validateToken accepts "Authorization: Bearer <token>" in constant time
func (g *Gateway) validateToken(r *http.Request) bool {
	token := strings.TrimSpace(g.cfg.AuthToken)
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return false
	}
	candidate := strings.TrimSpace(header[7:])
	return len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

// requireAuth is a no-op when no token is configured
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AuthToken != "" && !g.validateToken(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil || g.cfg.RateLimitMax <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := g.store.CheckRateLimit(r.URL.Path, clientIP(r), g.cfg.RateLimitMax, g.cfg.RateLimitWindow)
		if err != nil {
			g.logger.Warn().Err(err).Msg("rate limit check failed")
			writeError(w, http.StatusServiceUnavailable, "rate limit unavailable")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", retryAfter(g.cfg.RateLimitWindow))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(window time.Duration) string {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
