package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"Encore/core/auth"
	"Encore/logger"
	"Encore/metrics"
	"Encore/model"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type ctxKey int

const claimsKey ctxKey = iota

// withClaims stores the authenticated caller on ctx.
func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the authenticated caller, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return claims.UserID, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// authenticate parses token and reloads its user, so suspensions and role
// changes apply to tokens issued before them. It returns the HTTP status to
// answer with when the caller is rejected.
func (h *APIHandler) authenticate(r *http.Request, token string) (*auth.Claims, int, string) {
	claims, err := h.Tokens.ParseToken(token)
	if err != nil {
		logger.Warn("[Auth] token 校验失败",
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		return nil, http.StatusUnauthorized, "Invalid token"
	}
	user, err := h.Users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		logger.Error("[Auth] 加载用户失败", logger.Int64("userId", claims.UserID), logger.ErrorField(err))
		return nil, http.StatusInternalServerError, "Internal server error"
	}
	if user == nil {
		return nil, http.StatusUnauthorized, "Invalid token"
	}
	if !user.IsActive() {
		return nil, http.StatusForbidden, "Account suspended"
	}
	// 以数据库中的角色为准
	claims.Role = user.Role
	claims.Username = user.Username
	return claims, 0, ""
}

// AuthMiddleware rejects requests without a valid bearer token or whose
// account is no longer active.
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		claims, status, msg := h.authenticate(r, token)
		if claims == nil {
			writeError(w, status, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	}
}

// OptionalAuth attaches the caller when a valid token of an active account is
// present and lets everyone else through anonymously.
func (h *APIHandler) OptionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			if claims, _, _ := h.authenticate(r, token); claims != nil {
				r = r.WithContext(withClaims(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	}
}

// RequireRole authenticates the caller and checks their role. Admins pass
// every role check.
func (h *APIHandler) RequireRole(roles ...model.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return h.AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims.Role == model.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Insufficient permissions")
		})
	}
}

// corsMiddleware 添加 CORS 头并直接应答预检请求
func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger 记录每个请求的状态码与耗时
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)

		took := time.Since(start)
		switch {
		case rec.Status >= http.StatusInternalServerError:
			logger.Error("[HTTP] request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", rec.Status),
				logger.Duration("took", took))
		default:
			logger.Debug("[HTTP] request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", rec.Status),
				logger.Duration("took", took))
		}
	})
}

// recoverer turns handler panics into 500 responses.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("[HTTP] handler panic",
					logger.String("path", r.URL.Path),
					logger.Any("panic", v),
					logger.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按用户或 IP 限流
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration
	proxies  TrustedProxies
}

// NewRateLimiter creates a limiter allowing rps requests per second per key.
func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// TrustProxies makes the limiter key anonymous callers by their forwarded
// address when the request comes through one of p.
func (rl *RateLimiter) TrustProxies(p TrustedProxies) *RateLimiter {
	rl.proxies = p
	return rl
}

// Cleanup drops limiters idle for longer than the idle window.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.Cleanup(now)
			}
		}
	}()
}

// Wrap limits next. The key is the caller's user id when a token was already
// parsed, otherwise the client IP.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + rl.proxies.ClientIP(r)
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			key = "user:" + strconv.FormatInt(claims.UserID, 10)
		}
		if !rl.limiter(key, time.Now()).Allow() {
			logger.Warn("[RateLimit] 请求过于频繁",
				logger.String("key", key),
				logger.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	}
}
