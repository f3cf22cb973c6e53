package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// bodyLimitMiddleware caps request bodies at api.max_body_bytes
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.APIKeyHash == "" {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		auth := requestKey(r)
		if auth == "" || !s.validKey(auth) {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			metrics.IncAPIErrors("unauthorized")
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validKey compares against the bcrypt hash when one is configured
func (s *Server) validKey(key string) bool {
	if s.config.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}

// requestKey returns the API key from Authorization or X-API-Key
func requestKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = r.Header.Get("X-API-Key")
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// rateLimitMiddleware applies per-IP and per-key request quotas
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		req := &ratelimit.Request{APIKey: requestKey(r)}
		if addr, ok := s.filter.ClientAddr(r); ok {
			req.IP = addr.String()
		}

		res := s.limiter.Allow(req)
		if !res.Allowed {
			s.logger.Warn("API request rate limited",
				"remote_addr", r.RemoteAddr,
				"level", res.DeniedBy,
				"retry_after", res.RetryAfter,
			)
			metrics.IncRateLimited(string(res.DeniedBy))
			s.sendRateLimited(w, res.RetryAfter, fmt.Sprintf("rate limit exceeded (%s)", res.DeniedBy))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sendRateLimited writes a 429 with Retry-After in whole seconds
func (s *Server) sendRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	metrics.IncAPIErrors("rate_limited")
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	s.sendError(w, http.StatusTooManyRequests, msg)
}
