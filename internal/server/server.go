// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/botadmin/internal/actions"
	"github.com/mbd888/botadmin/internal/audit"
	"github.com/mbd888/botadmin/internal/botapi"
	"github.com/mbd888/botadmin/internal/config"
	"github.com/mbd888/botadmin/internal/csrf"
	"github.com/mbd888/botadmin/internal/health"
	"github.com/mbd888/botadmin/internal/identity"
	"github.com/mbd888/botadmin/internal/logging"
	"github.com/mbd888/botadmin/internal/metrics"
	"github.com/mbd888/botadmin/internal/policy"
	"github.com/mbd888/botadmin/internal/ratelimit"
	"github.com/mbd888/botadmin/internal/rbac"
	"github.com/mbd888/botadmin/internal/realtime"
	"github.com/mbd888/botadmin/internal/security"
	"github.com/mbd888/botadmin/internal/throttle"
	"github.com/mbd888/botadmin/internal/ticket"
	"github.com/mbd888/botadmin/internal/traces"
	"github.com/mbd888/botadmin/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	identities    identity.Provider
	roles         rbac.Store
	csrfManager   *csrf.Manager
	csrfTimer     *csrf.Timer
	tickets       *ticket.Service
	ticketTimer   *ticket.Timer
	guard         *throttle.Guard
	throttleTimer *throttle.Timer
	botClient     actions.RemoteClient
	auditor       audit.Logger
	orchestrator  *actions.Orchestrator
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRemoteClient sets a custom bot API client (for testing)
func WithRemoteClient(client actions.RemoteClient) Option {
	return func(s *Server) {
		s.botClient = client
	}
}

// WithIdentityProvider sets a custom session resolver (for testing)
func WithIdentityProvider(provider identity.Provider) Option {
	return func(s *Server) {
		s.identities = provider
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set client/provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var ticketStore ticket.Store

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Role assignments
		roleStore := rbac.NewPostgresStore(db)
		if err := roleStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate role store", "error", err)
		}
		if err := roleStore.SyncDefinitions(ctx, rbac.DefaultRoleDefinitions); err != nil {
			s.logger.Warn("failed to sync role definitions", "error", err)
		}
		s.roles = roleStore

		// Admin accounts and sessions
		if s.identities == nil {
			provider := identity.NewPostgresProvider(db, roleStore)
			if err := provider.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate identity store", "error", err)
			}
			s.identities = provider
		}

		// Confirmation tickets
		ticketPG := ticket.NewPostgresStore(db)
		if err := ticketPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ticket store", "error", err)
		}
		ticketStore = ticketPG

		// Audit trail
		auditStore := audit.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.auditor = auditStore
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.roles = rbac.NewMemoryStore()
		ticketStore = ticket.NewMemoryStore()
		s.auditor = audit.NewMemoryStore()

		if s.identities == nil {
			provider := identity.NewMemoryProvider(s.roles)
			if cfg.IsDevelopment() {
				seedDevSession(provider, s.logger)
			}
			s.identities = provider
		}
	}

	// Anti-forgery tokens, bound to the admin session
	s.csrfManager = csrf.NewManager(cfg.CSRFSecret, cfg.CSRFTokenTTL)
	s.csrfTimer = csrf.NewTimer(s.csrfManager, s.logger)

	// Confirmation tickets for high-risk actions
	s.tickets = ticket.NewService(ticketStore, cfg.ConfirmTicketTTL)
	s.ticketTimer = ticket.NewTimer(ticketStore, s.logger)

	// Per-admin action throttle
	s.guard = throttle.NewGuard(cfg.ThrottleLimit, cfg.ThrottleWindow)
	s.throttleTimer = throttle.NewTimer(s.guard, s.logger)

	// Remote bot API client. Without credentials the client runs in
	// disabled mode and every action fails fast as unreachable.
	if s.botClient == nil {
		client := botapi.New(cfg.BotAPIBaseURL, cfg.BotAPIKey, cfg.BotAPITimeout,
			botapi.WithLogger(s.logger))
		if client.Enabled() {
			s.logger.Info("bot API client enabled", "base_url", cfg.BotAPIBaseURL)
		} else {
			s.logger.Warn("bot API credentials not configured, actions will not execute")
		}
		s.botClient = client
	}

	// Risk policy engine
	engine := policy.NewEngine(policy.Config{
		BalanceFloorKopeks:            cfg.BalanceFloorKopeks,
		BalanceConfirmThresholdKopeks: cfg.BalanceConfirmThresholdKopeks,
		RequireBlockConfirmation:      cfg.RequireBlockConfirmation,
		BatchConfirmSize:              cfg.SyncConfirmBatchSize,
	})

	// Live audit feed over WebSocket
	s.realtimeHub = realtime.NewHub(s.logger)

	// The action pipeline itself
	s.orchestrator = actions.NewOrchestrator(engine, s.tickets, s.guard, s.csrfManager, s.botClient, s.auditor)
	s.orchestrator.SetPublisher(s.realtimeHub)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("bot_api", func(ctx context.Context) health.Status {
		if client, ok := s.botClient.(*botapi.Client); ok && !client.Enabled() {
			// Degraded but deliberate: the panel still serves reads.
			return health.Status{Name: "bot_api", Healthy: true, Detail: "not configured"}
		}
		return health.Status{Name: "bot_api", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedDevSession registers a superuser account with a random session token
// so a databaseless development instance is usable out of the box.
func seedDevSession(provider *identity.MemoryProvider, logger *slog.Logger) {
	token := generateToken()
	provider.Register(&identity.AdminIdentity{
		ID:        1,
		Email:     "dev@localhost",
		Superuser: true,
		Active:    true,
	})
	provider.StartSession(token, 1, 24*time.Hour)
	logger.Info("seeded development admin session",
		"admin_id", 1,
		"token", token,
	)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateToken()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthReg.HTTPHandler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group. Every route resolves the admin session; the protected
	// subgroup rejects requests without one.
	v1 := s.router.Group("/v1")
	v1.Use(identity.Middleware(s.identities))

	protected := v1.Group("")
	protected.Use(identity.RequireAdmin())

	actionsHandler := actions.NewHandler(
		s.orchestrator,
		s.csrfManager,
		s.auditor,
		s.cfg.CSRFCookieName,
		s.cfg.CSRFHeaderName,
		s.cfg.CSRFTokenTTL,
	)
	actionsHandler.RegisterProtectedRoutes(protected)

	// Live audit feed (WebSocket). Session auth happens before upgrade.
	protected.GET("/audit/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "botadmin",
		"description": "Action execution and audit layer for the bot admin panel",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing exporter (no-op when no OTLP endpoint is configured)
	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start sweepers
	go s.ticketTimer.Start(runCtx)
	go s.throttleTimer.Start(runCtx)
	go s.csrfTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweepers
	s.ticketTimer.Stop()
	s.throttleTimer.Stop()
	s.csrfTimer.Stop()
	s.logger.Info("sweepers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
