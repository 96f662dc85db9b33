// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/hmac"
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
	"github.com/mukgold/goldchain/internal/anchor"
	"github.com/mukgold/goldchain/internal/circuitbreaker"
	"github.com/mukgold/goldchain/internal/config"
	"github.com/mukgold/goldchain/internal/escrow"
	"github.com/mukgold/goldchain/internal/health"
	"github.com/mukgold/goldchain/internal/logging"
	"github.com/mukgold/goldchain/internal/market"
	"github.com/mukgold/goldchain/internal/metrics"
	"github.com/mukgold/goldchain/internal/notify"
	"github.com/mukgold/goldchain/internal/ratelimit"
	"github.com/mukgold/goldchain/internal/realtime"
	"github.com/mukgold/goldchain/internal/security"
	"github.com/mukgold/goldchain/internal/settlement"
	"github.com/mukgold/goldchain/internal/traces"
	"github.com/mukgold/goldchain/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	service     *settlement.Service
	gateway     settlement.EscrowGateway
	anchor      settlement.Anchor
	registry    *anchor.Registry // nil when anchoring is disabled
	dispatcher  *notify.Dispatcher
	notifyStore notify.Store
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTraces   func(context.Context) error
	cancelRunCtx context.CancelFunc

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

// WithGateway sets a custom escrow gateway (for testing)
func WithGateway(g settlement.EscrowGateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithAnchor sets a custom chain anchor (for testing)
func WithAnchor(a settlement.Anchor) Option {
	return func(s *Server) {
		s.anchor = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		store       settlement.Store
		marketStore market.Store
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = settlement.NewPostgresStore(db)
		marketStore = market.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		store = settlement.NewMemoryStore()
		marketStore = market.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor)

	// Escrow gateway client if not injected
	if s.gateway == nil {
		s.gateway = escrow.NewClient(escrow.Config{
			APIURL:         cfg.EscrowAPIURL,
			Email:          cfg.EscrowEmail,
			APIKey:         cfg.EscrowAPIKey,
			Timeout:        cfg.RemoteTimeout,
			RetryAttempts:  cfg.RetryMaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
		}, s.logger, escrow.WithBreaker(breaker))
		s.logger.Info("escrow gateway configured", "url", cfg.EscrowAPIURL)
	}

	// Chain anchor if not injected
	if s.anchor == nil {
		if cfg.AnchoringEnabled() {
			signer, err := anchor.NewKeySigner(cfg.AdminPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load signing key: %w", err)
			}
			registry, err := anchor.New(anchor.Config{
				RPCURL:   cfg.ChainRPCURL,
				ChainID:  cfg.ChainID,
				Contract: cfg.ContractAddress,
			}, signer, anchor.WithBreaker(breaker))
			if err != nil {
				return nil, fmt.Errorf("failed to create chain registry: %w", err)
			}
			s.registry = registry
			s.anchor = registry
			s.logger.Info("chain anchoring enabled",
				"chain_id", cfg.ChainID,
				"contract", cfg.ContractAddress,
				"signer", signer.Address().Hex(),
			)

			s.checks.Register("chain", func(ctx context.Context) health.Status {
				ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				initialized, err := registry.IsInitialized(ctx)
				if err != nil {
					return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
				}
				if !initialized {
					return health.Status{Name: "chain", Healthy: false, Detail: "registry contract not initialized"}
				}
				return health.Status{Name: "chain", Healthy: true}
			})
		} else {
			s.anchor = &noopAnchor{logger: s.logger}
			s.logger.Info("chain anchoring disabled")
		}
	}

	// Event sinks: outbound webhooks and realtime streaming
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.hub = realtime.NewHub(s.logger)

	s.service = settlement.NewService(store, marketStore, s.gateway, s.anchor, settlement.Config{
		BrokerPercentage: cfg.EscrowBrokerPercentage,
	}).
		WithEventSink(notify.NewSink(s.dispatcher, s.logger)).
		WithEventSink(s.hub)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// noopAnchor stands in when no chain is configured. Completions proceed
// without an on-chain record.
type noopAnchor struct {
	logger *slog.Logger
}

func (a *noopAnchor) AddLedger(ctx context.Context, trackingID, lotID string) (string, error) {
	a.logger.Warn("anchoring disabled, skipping on-chain record",
		"tracking_id", trackingID,
		"lot_number", lotID,
	)
	return "", nil
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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
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
		// Honor an existing request ID from a load balancer or proxy
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

// adminMiddleware guards admin routes with the X-Admin-Secret header.
// When no secret is configured, admin routes are open in development and
// closed in production.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if !hmac.Equal([]byte(provided), []byte(s.cfg.AdminSecret)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time ledger streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	settlementHandler := settlement.NewHandler(s.service)
	settlementHandler.RegisterRoutes(v1)

	// Inbound escrow provider webhooks
	webhookHandler := settlement.NewWebhookHandler(s.service, s.cfg.EscrowWebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	// Outbound webhook subscription management
	notifyHandler := notify.NewHandler(s.notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// Admin routes
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	settlementHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
	admin.GET("/anchor/ledgers", s.anchorLedgersHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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

// anchorLedgersHandler lists every tracking ID recorded on chain so an
// operator can reconcile the registry against the ledger store.
func (s *Server) anchorLedgersHandler(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "anchoring_disabled",
			"message": "No chain registry is configured",
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	ids, err := s.registry.AllLedgers(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "tracking_ids": ids})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Goldchain",
		"description": "Settlement backend for physical gold lot purchases",
		"version":     "0.1.0",
		"currency":    "usd",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Collect database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Stop background goroutines (hub, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
	}

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

// Service returns the settlement service for testing
func (s *Server) Service() *settlement.Service {
	return s.service
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
