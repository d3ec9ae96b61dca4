package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/seantiz/forge/internal/auth"
)

type contextKey string

const claimsContextKey = contextKey("claims")

// authMiddleware requires a valid bearer token when an agent secret is
// configured and stores its claims in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AgentSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			httpRejectedTotal.WithLabelValues(rejectUnauthorized).Inc()
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ValidateToken(token, s.opts.AgentSecret)
		if err != nil {
			httpRejectedTotal.WithLabelValues(rejectUnauthorized).Inc()
			s.logger.Debug("rejected token", "error", err)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects requests whose token carries a different role.
// Requests that passed without authentication are let through.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(claimsContextKey).(*auth.Claims)
			if ok && claims.Role != role {
				httpRejectedTotal.WithLabelValues(rejectForbidden).Inc()
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a token bucket per client address.
func rateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = 1
	}
	visitors := make(map[string]*rate.Limiter)
	var mu sync.Mutex

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			mu.Lock()
			limiter, exists := visitors[ip]
			if !exists {
				limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
				visitors[ip] = limiter
			}
			mu.Unlock()

			if !limiter.Allow() {
				httpRejectedTotal.WithLabelValues(rejectRateLimited).Inc()
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
