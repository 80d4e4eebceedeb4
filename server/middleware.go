package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"golang.org/x/time/rate"
)

// Error codes produced by the transport itself.
const (
	CodeBadRequest  = "HUMANFN_BAD_REQUEST"
	CodeRateLimited = "HUMANFN_RATE_LIMITED"
	CodeInternal    = "HUMANFN_INTERNAL"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery turns handler panics into 500 responses.
func Recovery(logger humanfn.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered on %s %s: %v", r.Method, r.URL.Path, rec)
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: CodeInternal})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request and feeds the request metrics when m is set.
func RequestLogger(logger humanfn.Logger, m Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			if m != nil {
				m.RecordHTTPRequest(r.Method, route, rw.statusCode, elapsed)
			}
			humanfn.WithLoggerFields(logger, map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration_ms": elapsed.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}).Debug("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RateLimiter applies a token bucket per client address. Idle visitors are
// pruned every minute.
func RateLimiter(rps float64, burst int, now func() time.Time) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	var (
		mu        sync.Mutex
		visitors  = make(map[string]*visitor)
		lastPrune = now()
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			ts := now()
			mu.Lock()
			if ts.Sub(lastPrune) > time.Minute {
				for key, v := range visitors {
					if ts.Sub(v.lastSeen) > 3*time.Minute {
						delete(visitors, key)
					}
				}
				lastPrune = ts
			}
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = ts
			allowed := v.limiter.AllowN(ts, 1)
			mu.Unlock()
			if !allowed {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests", Code: CodeRateLimited})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor maps engine errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case humanfn.IsValidation(err):
		return http.StatusUnprocessableEntity
	case humanfn.IsNotFound(err):
		return http.StatusNotFound
	case humanfn.IsPolicyRejection(err), humanfn.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := humanfn.ErrorCode(err)
	if code == "" {
		code = CodeInternal
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
