package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wuwenbin0122/jechat/internal/auth"
	"github.com/wuwenbin0122/jechat/internal/metrics"
)

const (
	requestIDHeader    = "X-Request-Id"
	conversationCtxKey = "conversation_id"
)

// RequestID injects an X-Request-Id header when missing.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set(requestIDHeader, requestID)
		}
		c.Writer.Header().Set(requestIDHeader, requestID)
		c.Set(requestIDHeader, requestID)
		c.Next()
	}
}

func RequestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDHeader); ok {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return ""
}

// AccessLog writes one zap line per request.
func AccessLog(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"request_id", RequestIDFromContext(c),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, "errors", errs)
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Errorw("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warnw("request", fields...)
		default:
			logger.Infow("request", fields...)
		}
	}
}

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start).Seconds())
	}
}

const (
	limiterCapacity   = 10000
	rateLimitedReason = "too many requests"
)

// Limiters keeps one token bucket per client key. Each bucket holds
// perMinute tokens and refills continuously. Only the most recently seen
// keys are tracked.
type Limiters struct {
	mu      sync.Mutex
	buckets *lru.Cache
	every   rate.Limit
	burst   int
}

func NewLimiters(perMinute float64, capacity int) *Limiters {
	if capacity <= 0 {
		capacity = limiterCapacity
	}
	buckets, _ := lru.New(capacity)
	return &Limiters{
		buckets: buckets,
		every:   rate.Limit(perMinute / 60.0),
		burst:   max(1, int(perMinute)),
	}
}

// Allow takes one token from the bucket of key.
func (l *Limiters) Allow(key string) bool {
	l.mu.Lock()
	var limiter *rate.Limiter
	if val, ok := l.buckets.Get(key); ok {
		limiter = val.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.buckets.Add(key, limiter)
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *Limiters) Len() int {
	return l.buckets.Len()
}

// RateLimit rejects requests once the client's bucket is empty. Keys are the
// session conversation, falling back to client IP.
func RateLimit(limits *Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limits.Allow(rateKey(c)) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"details": rateLimitedReason,
			})
			return
		}

		c.Next()
	}
}

func rateKey(c *gin.Context) string {
	if id := ConversationID(c); id != "" {
		return "conv:" + id
	}
	if ip := net.ParseIP(c.ClientIP()); ip != nil {
		return "ip:" + ip.String()
	}
	return "anonymous"
}

// RequireSession resolves the session token from the Authorization header,
// the session cookie or a token query parameter (websocket clients).
func RequireSession(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			if cookie, err := c.Cookie(sessionCookie); err == nil {
				token = cookie
			}
		}
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "session required",
				"details": auth.ErrInvalidToken.Error(),
			})
			return
		}

		conversationID, err := authService.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid session",
				"details": err.Error(),
			})
			return
		}

		c.Set(conversationCtxKey, conversationID)
		c.Next()
	}
}

// ConversationID returns the conversation bound to the request session.
func ConversationID(c *gin.Context) string {
	return c.GetString(conversationCtxKey)
}
