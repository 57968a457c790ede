package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
)

// identityKey is where the auth middleware parks the caller identity on
// the gin context.
const identityKey = "shaman.identity"

func identityFrom(c *gin.Context) *auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(*auth.Identity); ok {
			return id
		}
	}
	return nil
}

// authenticate returns the persona's credential check. Public requests
// carry X-API-Key; internal ones a platform-minted bearer token.
// Presenting the wrong credential kind is a plain 401, same as a bad
// one, so the personas are not probeable.
func (s *Server) authenticate() gin.HandlerFunc {
	if s.persona == auth.PersonaInternal {
		return s.bearerAuth()
	}
	return s.apiKeyAuth()
}

func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.apiKeys.Authenticate(c.Request.Context(), c.GetHeader("X-API-Key"))
		if err != nil {
			s.unauthorized(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			s.unauthorized(c, auth.ErrInvalidCredentials)
			return
		}
		id, err := s.tokens.Verify(token)
		if err != nil {
			s.unauthorized(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) unauthorized(c *gin.Context, err error) {
	s.logger.Debug("Rejected unauthenticated request",
		"path", c.Request.URL.Path, "client_ip", c.ClientIP(), "error", err)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": jsonrpc.ErrUnauthorized(),
	})
}

// rateLimit enforces the public persona's sliding window per client IP.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if s.limiter == nil || s.limiter.Allow(key) {
			c.Next()
			return
		}

		retry := s.limiter.RetryAfter(key)
		seconds := int(math.Ceil(retry.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": jsonrpc.NewError(jsonrpc.CodeRateLimited, "rate limit exceeded"),
		})
	}
}

// securityHeaders sets the standard response hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// requestLogger emits one structured line per request. Health and
// metrics probes are skipped; they would drown everything else.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
