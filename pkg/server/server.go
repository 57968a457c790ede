// Package server assembles the two HTTP personas in front of the
// scheduler's JSON-RPC surface.
//
// The public server terminates tenant traffic: API-key authentication,
// per-IP rate limiting, and discovery restricted to exposed agents. The
// internal server trusts platform JWTs, lists every agent in the org,
// and carries the operational endpoints (Prometheus metrics). Both mount
// the same JSON-RPC registry at /a2a/v1.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/database"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/ratelimit"
	"github.com/codespin-ai/shaman/pkg/version"
)

// Deps bundles what both personas need. Limiter is only consulted by
// the public server; Metrics is only mounted by the internal one.
type Deps struct {
	Config   *config.Config
	Registry *jsonrpc.Registry
	DB       *database.Client
	Resolver agent.Resolver
	APIKeys  *auth.APIKeyAuthenticator
	Tokens   *auth.TokenService
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
}

// Server is one persona's HTTP listener.
type Server struct {
	persona  auth.Persona
	cfg      *config.Config
	registry *jsonrpc.Registry
	db       *database.Client
	resolver agent.Resolver
	apiKeys  *auth.APIKeyAuthenticator
	tokens   *auth.TokenService
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewPublic builds the tenant-facing server.
func NewPublic(deps Deps) *Server {
	s := newServer(auth.PersonaPublic, deps)
	s.routes()
	return s
}

// NewInternal builds the platform-facing server.
func NewInternal(deps Deps) *Server {
	s := newServer(auth.PersonaInternal, deps)
	s.routes()
	return s
}

func newServer(persona auth.Persona, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		persona:  persona,
		cfg:      deps.Config,
		registry: deps.Registry,
		db:       deps.DB,
		resolver: deps.Resolver,
		apiKeys:  deps.APIKeys,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		logger:   slog.Default().With("persona", string(persona)),
		engine:   gin.New(),
	}
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), securityHeaders(), s.requestLogger())

	s.engine.GET("/health", s.health)
	s.engine.GET("/.well-known/agent.json", s.agentCard)

	authed := s.engine.Group("/", s.authenticate())
	if s.persona == auth.PersonaPublic {
		authed.Use(s.rateLimit())
	}
	authed.GET("/.well-known/a2a/agents", s.listAgents)
	authed.POST(a2a.RPCPath, s.rpc)

	if s.persona == auth.PersonaInternal && s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// rpc hands the request to the JSON-RPC registry with the identity the
// auth middleware established. Streaming methods flush SSE through
// gin's ResponseWriter.
func (s *Server) rpc(c *gin.Context) {
	s.registry.ServeRPC(c.Writer, c.Request, identityFrom(c))
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"version":  version.Full(),
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
		"version":  version.Full(),
	})
}

// agentCard serves the platform's own discovery document. It is
// deliberately unauthenticated: remote deployments read it before they
// have credentials.
func (s *Server) agentCard(c *gin.Context) {
	c.JSON(http.StatusOK, a2a.AgentCard{
		ProtocolVersion: a2a.ProtocolVersion,
		Name:            version.AppName,
		Description:     "Multi-tenant agent orchestration platform",
		Version:         version.GitCommit,
		URL:             s.baseURL() + a2a.RPCPath,
		Capabilities:    a2a.AgentCapabilities{Streaming: true},
	})
}

func (s *Server) baseURL() string {
	if s.persona == auth.PersonaInternal {
		return s.cfg.Server.InternalA2AURL
	}
	return s.cfg.Server.PublicBaseURL
}

// listAgents serves the tenant-visible agent listing. The public
// persona sees exposed agents only; internal callers see the whole org.
func (s *Server) listAgents(c *gin.Context) {
	id := identityFrom(c)
	defs, err := s.resolver.List(c.Request.Context(), id.OrgID, s.persona == auth.PersonaPublic)
	if err != nil {
		s.logger.Error("Failed to list agents for discovery", "org_id", id.OrgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": jsonrpc.ErrInternal("agent listing unavailable"),
		})
		return
	}

	skills := make([]a2a.AgentSkill, 0, len(defs))
	for _, def := range defs {
		skills = append(skills, a2a.AgentSkill{
			Name:        def.Name,
			Description: def.Description,
			Version:     def.Version,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": skills})
}

// Start serves on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the assembled engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}
