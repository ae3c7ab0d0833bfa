package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/polar-ops/internal/auth"
	"github.com/ksred/polar-ops/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type pathLimit struct {
	prefix string
	limit  rate.Limit
	burst  int
}

// Limits per endpoint family, first match wins.
var defaultLimits = []pathLimit{
	{"/api/auth", rate.Limit(10.0 / 60.0), 1},   // 10 requests per minute
	{"/api/market/ticks", rate.Limit(200), 50},  // feed bridge
	{"/api/trades", rate.Limit(100), 20},        // fill push
	{"/api/strategy-signals", rate.Limit(50), 10},
	{"/api/lock/execute", rate.Limit(5), 2},
	{"/api/rollover/tasks", rate.Limit(5), 2},
}

// RateLimiter throttles API calls per client and endpoint family.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   []pathLimit
	idle     time.Duration
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   defaultLimits,
		idle:     3 * time.Minute,
	}
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limit, burst := rate.Inf, 1
	for _, l := range rl.limits {
		if strings.HasPrefix(path, l.prefix) {
			limit, burst = l.limit, l.burst
			break
		}
	}
	if limit == rate.Inf {
		return nil
	}

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Run drops idle visitors until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.idle {
			delete(rl.visitors, key)
		}
	}
}

// Handler rejects calls over the family limit with 429.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if limiter := rl.getLimiter(path, clientID); limiter != nil && !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and stores its claims on the
// request context.
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, validator)
		if !ok {
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// RequirePermission must run after JWTAuth.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		cl, ok := claims.(*auth.Claims)
		if !ok || !cl.HasPermission(perm) {
			response.Unauthorized(c, "Missing permission: "+perm)
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerClaims(c *gin.Context, validator TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := validator.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		event.
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("client_id", c.GetString("clientID")).
			Msg("request")
	}
}
