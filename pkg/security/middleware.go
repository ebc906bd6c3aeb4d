package security

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
)

// Middleware wraps the push server mux with request logging, panic recovery,
// per-IP rate limiting, security headers and an optional CORS allowlist.
func Middleware(rl *RateLimiter, allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(ctx, "panic recovered", fmt.Errorf("%v", err), logger.Fields{
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}

				fields := logger.Fields{
					"method":   r.Method,
					"status":   wrapped.statusCode,
					"path":     r.URL.Path,
					"ip":       ip,
					"duration": time.Since(start),
				}
				if wrapped.statusCode >= http.StatusBadRequest {
					fields["user_agent"] = r.UserAgent()
					logger.Warn(ctx, "HTTP response error", fields)
					return
				}
				logger.Debug(ctx, "HTTP response", fields)
			}()

			if rl != nil && !rl.Allow(ip) {
				logger.Warn(ctx, "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			h := wrapped.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			if origin := r.Header.Get("Origin"); origin != "" && len(allowedOrigins) > 0 {
				if slices.Contains(allowedOrigins, origin) {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
				} else {
					logger.Debug(ctx, "CORS origin not allowed", logger.Fields{"origin": origin, "ip": ip})
				}
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+SignatureHeader)
				wrapped.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(ctx, clientIPKey{}, ip)))
		})
	}
}

// SignatureHeader carries the publish body HMAC.
const SignatureHeader = "X-Signature-256"

type clientIPKey struct{}

// ClientIPFromContext returns the address recorded by Middleware.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey{}).(string)
	return ip, ok
}

// responseWriter records the status code. It supports hijacking so that
// WebSocket upgrades pass through.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.statusCode = http.StatusSwitchingProtocols
	rw.written = true
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
