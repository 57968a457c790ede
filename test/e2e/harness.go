// Package e2e boots a complete Shaman instance — real Postgres, real
// queue workers, real event feed, both HTTP personas — with only the
// LLM scripted, and exercises it through the public A2A surface the way
// an external caller would.
package e2e

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/database"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/executor"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/ratelimit"
	"github.com/codespin-ai/shaman/pkg/scheduler"
	"github.com/codespin-ai/shaman/pkg/server"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
	testdb "github.com/codespin-ai/shaman/test/database"
	"github.com/codespin-ai/shaman/test/util"
)

// TestApp is one fully wired Shaman deployment under test.
type TestApp struct {
	Config    *config.Config
	DBClient  *database.Client
	Store     *store.Store
	LLM       *ScriptedLLM
	Queue     *queue.PostgresQueue
	Pool      *queue.WorkerPool
	Scheduler *scheduler.Scheduler

	// PublicURL and InternalURL are the persona base URLs
	// (httptest listeners on random ports).
	PublicURL   string
	InternalURL string

	// Org is the default tenant; APIKey authenticates against it on the
	// public persona.
	Org    *models.Organization
	APIKey string

	tokens *auth.TokenService
	t      *testing.T
}

type testAppConfig struct {
	agents      []*models.AgentDefinition
	workerCount int
	maxDepth    int
	syncTimeout time.Duration
	invoker     tools.ToolInvoker
	rateLimit   *config.RateLimitConfig
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithAgents seeds agent registry rows in the default org. Definitions
// without a model get a scripted one named after the agent, so each
// agent's turns can be scripted independently.
func WithAgents(defs ...*models.AgentDefinition) TestAppOption {
	return func(c *testAppConfig) { c.agents = append(c.agents, defs...) }
}

// WithWorkerCount sets the number of queue workers.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithMaxDepth overrides the step-tree depth ceiling.
func WithMaxDepth(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxDepth = n }
}

// WithSyncTimeout bounds synchronous agent-to-agent waits.
func WithSyncTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.syncTimeout = d }
}

// WithToolInvoker plugs an MCP invoker stand-in into the tool router.
func WithToolInvoker(inv tools.ToolInvoker) TestAppOption {
	return func(c *testAppConfig) { c.invoker = inv }
}

// WithRateLimit enables the public persona's limiter with the given
// window.
func WithRateLimit(requests int, window time.Duration) TestAppOption {
	return func(c *testAppConfig) {
		c.rateLimit = &config.RateLimitConfig{Enabled: true, Requests: requests, Window: window}
	}
}

// NewTestApp boots a full instance against a fresh per-test schema.
// Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	tc := &testAppConfig{
		workerCount: 2,
		syncTimeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()
	dbClient := testdb.NewTestClient(t)
	st := store.New(dbClient.DB())
	m := metrics.New()

	cfg := &config.Config{
		Server:    config.DefaultServerConfig(),
		Queue:     config.DefaultQueueConfig(),
		Scheduler: config.DefaultSchedulerConfig(),
		Auth:      config.AuthConfig{JWTSecret: "e2e-secret", JWTTTL: time.Hour},
		LLM:       config.LLMConfig{MaxRetries: 2, RetryBaseDelay: 5 * time.Millisecond},
	}
	cfg.Server.RateLimit = config.RateLimitConfig{}
	if tc.rateLimit != nil {
		cfg.Server.RateLimit = *tc.rateLimit
	}
	cfg.Queue.WorkerCount = tc.workerCount
	cfg.Queue.PollInterval = 50 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 25 * time.Millisecond
	cfg.Queue.HeartbeatInterval = 2 * time.Second
	cfg.Queue.TaskTimeout = 30 * time.Second
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Queue.MaxAttempts = 3
	if tc.maxDepth > 0 {
		cfg.Scheduler.MaxDepth = tc.maxDepth
	}
	cfg.Scheduler.SyncCallTimeout = tc.syncTimeout
	cfg.Scheduler.SyncPollInterval = 50 * time.Millisecond

	// Default tenant with one issued API key.
	org, err := st.Orgs.CreateOrganization(ctx, "e2e-org")
	require.NoError(t, err)
	plaintext, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	_, err = st.APIKeys.CreateKey(ctx, org.ID, "e2e-key", hash)
	require.NoError(t, err)

	// Scripted model behind every seeded agent.
	scripted := NewScriptedLLM()
	llms := llm.NewRegistry()
	llms.RegisterPrefix(scriptedModelPrefix, scripted)

	for _, def := range tc.agents {
		if def.Model == "" {
			def.Model = ModelFor(def.Name)
		}
		_, err := st.Agents.Upsert(ctx, org.ID, def)
		require.NoError(t, err)
	}
	resolver := agent.NewRegistryResolver(st.Agents)

	// Event feed: persisted events plus the LISTEN/NOTIFY fan-out. The
	// listener needs the base connection string because NOTIFY is
	// database-level, not schema-level.
	publisher := events.NewEventPublisher(dbClient.DB())
	eventStore := events.NewEventStore(dbClient.DB())
	hub := events.NewSubscriberHub(eventStore, m)
	listener := events.NewNotifyListener(util.GetBaseConnectionString(t), hub)
	require.NoError(t, listener.Start(ctx))
	hub.SetListener(listener)

	taskQueue := queue.NewPostgresQueue(dbClient.DB(), cfg.Queue, m)
	pool := queue.NewWorkerPool("e2e-"+t.Name(), taskQueue, cfg.Queue)

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	sched := scheduler.New(scheduler.Deps{
		Store:     st,
		Queue:     taskQueue,
		Pool:      pool,
		Resolver:  resolver,
		Publisher: publisher,
		Hub:       hub,
		Events:    eventStore,
		Tokens:    tokens,
		Metrics:   m,
		Config:    cfg,
	})

	router := tools.NewRouter(st.RunData, sched, tc.invoker, cfg.Scheduler.MaxDepth)
	exec := executor.New(st, llms, router, publisher, m, cfg)
	sched.RegisterHandlers(exec, cfg.Queue.WorkerCount)
	taskQueue.SetDeadTaskFunc(sched.HandleDeadTask)
	require.NoError(t, pool.Start(ctx))

	registry := jsonrpc.NewRegistry(slog.Default())
	sched.Routes(registry)
	registry.SetObserver(m.RecordRPC)

	serverDeps := server.Deps{
		Config:   cfg,
		Registry: registry,
		DB:       dbClient,
		Resolver: resolver,
		APIKeys:  auth.NewAPIKeyAuthenticator(st.APIKeys),
		Tokens:   tokens,
		Limiter:  ratelimit.New(cfg.Server.RateLimit),
		Metrics:  m,
	}

	public := httptest.NewServer(server.NewPublic(serverDeps).Handler())
	internal := httptest.NewServer(server.NewInternal(serverDeps).Handler())

	// Recursive call_agent dispatches re-enter through this URL, the
	// same hop a sibling pod would take.
	cfg.Server.InternalA2AURL = internal.URL
	cfg.Server.PublicBaseURL = public.URL

	app := &TestApp{
		Config:      cfg,
		DBClient:    dbClient,
		Store:       st,
		LLM:         scripted,
		Queue:       taskQueue,
		Pool:        pool,
		Scheduler:   sched,
		PublicURL:   public.URL,
		InternalURL: internal.URL,
		Org:         org,
		APIKey:      plaintext,
		tokens:      tokens,
		t:           t,
	}

	t.Cleanup(func() {
		pool.Stop()
		public.Close()
		internal.Close()
		listener.Stop(context.Background())
	})
	return app
}

// Client returns an A2A client against the public persona, authenticated
// as the default org.
func (a *TestApp) Client() *a2a.Client {
	return a2a.NewClient(a.PublicURL+a2a.RPCPath, a2a.WithAPIKey(a.APIKey))
}

// SeedAgents registers extra agent definitions for any org, wiring them
// to the scripted model like the definitions passed to WithAgents.
func (a *TestApp) SeedAgents(orgID string, defs ...*models.AgentDefinition) {
	a.t.Helper()
	for _, def := range defs {
		if def.Model == "" {
			def.Model = ModelFor(def.Name)
		}
		_, err := a.Store.Agents.Upsert(context.Background(), orgID, def)
		require.NoError(a.t, err)
	}
}

// InternalClient returns a client against the internal persona with a
// platform-minted token for the given org.
func (a *TestApp) InternalClient(orgID string) *a2a.Client {
	a.t.Helper()
	token, err := a.tokens.Mint(&auth.Identity{OrgID: orgID, Persona: auth.PersonaInternal})
	require.NoError(a.t, err)
	return a2a.NewClient(a.InternalURL+a2a.RPCPath, a2a.WithBearerToken(token))
}

// NewOrg provisions a second tenant with its own API key and returns a
// public client for it. Tenant isolation tests live on this.
func (a *TestApp) NewOrg(name string) (*models.Organization, *a2a.Client) {
	a.t.Helper()
	org, err := a.Store.Orgs.CreateOrganization(context.Background(), name)
	require.NoError(a.t, err)
	plaintext, hash, err := auth.GenerateAPIKey()
	require.NoError(a.t, err)
	_, err = a.Store.APIKeys.CreateKey(context.Background(), org.ID, name+"-key", hash)
	require.NoError(a.t, err)
	return org, a2a.NewClient(a.PublicURL+a2a.RPCPath, a2a.WithAPIKey(plaintext))
}
