package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/nugget/wealth-steward/internal/config"
)

// protected reports whether a path requires authentication and is rate
// limited.
func protected(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

// statusRecorder captures the response status for logging. It passes
// Flush through so SSE responses still stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, status)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// withCORS answers preflight requests and tags responses for allowed
// origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowAll := len(s.config.CORSOrigins) == 0 || slices.Contains(s.config.CORSOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(s.config.CORSOrigins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Thread-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticator verifies bearer tokens against a plaintext token or a
// bcrypt hash. Tokens that passed bcrypt are remembered by digest so
// the hash cost is paid once per token.
type authenticator struct {
	token []byte
	hash  []byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]bool
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	if !cfg.Enabled() {
		return nil
	}
	a := &authenticator{verified: make(map[[sha256.Size]byte]bool)}
	if cfg.Token != "" {
		a.token = []byte(cfg.Token)
	}
	if cfg.TokenBcrypt != "" {
		a.hash = []byte(cfg.TokenBcrypt)
	}
	return a
}

func (a *authenticator) check(token string) bool {
	if token == "" {
		return false
	}
	if a.token != nil && subtle.ConstantTimeCompare([]byte(token), a.token) == 1 {
		return true
	}
	if a.hash == nil {
		return false
	}

	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = true
	a.mu.Unlock()
	return true
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if protected(r.URL.Path) && !s.auth.check(bearerToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="steward"`)
			s.errorResponse(w, http.StatusUnauthorized, "invalid_api_key", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterIdle is how long an unused per-client limiter is kept.
const limiterIdle = 10 * time.Minute

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client key.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientEntry
	lastSweep time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &clientLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		clients:   make(map[string]*clientEntry),
		lastSweep: time.Now(),
	}
}

// reserve takes a token for key. When none is available it reports how
// long the client should wait.
func (l *clientLimiter) reserve(key string) (bool, time.Duration) {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > limiterIdle {
		for k, e := range l.clients {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.clients[key]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// clientKey identifies the caller: its bearer token digest, or its
// remote address.
func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + string(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if protected(r.URL.Path) {
			if ok, wait := s.limiter.reserve(clientKey(r)); !ok {
				s.metrics.RateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				s.errorResponse(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
