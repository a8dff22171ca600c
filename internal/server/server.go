// Package server wires the donation lifecycle components behind one HTTP server.
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
	"github.com/redis/go-redis/v9"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/circuitbreaker"
	"github.com/birdhaven/donations/internal/config"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/deeplink"
	"github.com/birdhaven/donations/internal/health"
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/logging"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/paymentsapi"
	"github.com/birdhaven/donations/internal/poller"
	"github.com/birdhaven/donations/internal/ratecache"
	"github.com/birdhaven/donations/internal/ratelimit"
	"github.com/birdhaven/donations/internal/realtime"
	"github.com/birdhaven/donations/internal/security"
	"github.com/birdhaven/donations/migrations"
)

const (
	defaultDrainDelay    = 5 * time.Second
	dbStatsInterval      = 15 * time.Second
	auditQueueAlertDepth = 100
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the payment lifecycle components.
type Server struct {
	cfg            *config.Config
	version        string
	payments       *paymentsapi.Client
	rates          invoice.RateSource
	rateCache      *ratecache.Cache
	redis          *redis.Client
	trail          *audit.Trail
	invoiceService *invoice.Service
	invoiceTimer   *invoice.Timer
	pollers        *poller.Manager
	deeplinks      *deeplink.Handler
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	httpClient     *http.Client
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithHTTPClient sets the client used for payments backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Server) {
		s.httpClient = hc
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
		checks:     health.NewRegistry(health.DefaultTimeout),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		invoiceStore invoice.Store
		eventStore   audit.EventStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		s.db = db
		invoiceStore = invoice.NewPostgresStore(db)
		eventStore = audit.NewPostgresEventStore(db)
		s.checks.Register("database", true, health.Ping(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		invoiceStore = invoice.NewMemoryStore()
		eventStore = audit.NewMemoryEventStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.trail = audit.NewTrail(eventStore, s.logger)
	s.checks.Register("audit_queue", false, func(context.Context) error {
		if n := s.trail.Pending(); n >= auditQueueAlertDepth {
			return fmt.Errorf("%d audit events awaiting persistence", n)
		}
		return nil
	})

	// Payments backend client
	clientOpts := []paymentsapi.Option{
		paymentsapi.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, paymentsapi.WithHTTPClient(s.httpClient))
	}
	s.payments = paymentsapi.NewClient(
		paymentsapi.Config{BaseURL: cfg.PaymentsAPIURL},
		paymentsapi.StaticToken(cfg.PaymentsAPIToken),
		clientOpts...,
	)
	s.rates = s.payments

	// Exchange-rate cache (optional)
	if cfg.RedisURL != "" {
		rdb, err := ratecache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("rate cache unavailable, fetching rates directly", "error", err)
		} else {
			s.redis = rdb
			s.rateCache = ratecache.New(rdb, s.payments, cfg.RateMaxAge, s.logger)
			s.rates = s.rateCache
			s.checks.Register("rate_cache", false, s.rateCache.Ping)
			s.logger.Info("rate cache enabled")
		}
	}

	var registrar invoice.Registrar = s.payments
	if cfg.LocalRegistrar {
		registrar = invoice.LocalRegistrar{}
		s.logger.Warn("invoice ids assigned locally; paypal checkout disabled")
	}

	registry := currency.New()
	s.invoiceService = invoice.NewService(invoiceStore, registry, s.rates, registrar, s.trail, invoice.Config{
		TTL:        cfg.InvoiceTTL,
		RateMaxAge: cfg.RateMaxAge,
		MerchantAddresses: map[currency.Network]string{
			currency.NetworkSolana: cfg.MerchantSolanaAddress,
		},
		TokenMints: map[currency.PaymentMethod]string{
			currency.MethodSolanaUSDC: cfg.USDCMint,
			currency.MethodSolanaEURC: cfg.EURCMint,
		},
	}, s.logger)
	s.invoiceTimer = invoice.NewTimer(s.invoiceService, invoiceStore, cfg.SweepInterval, s.logger)

	// Realtime hub observes invoice changes and poller transitions
	s.realtimeHub = realtime.NewHub(s.logger)
	s.invoiceService.WithListener(s.realtimeHub)

	s.pollers = poller.NewManager(s.invoiceService, s.payments, s.trail,
		poller.Config{Interval: cfg.PollInterval}, s.logger)
	s.pollers.AddListener(s.realtimeHub)

	s.deeplinks = deeplink.New(s.pollers, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, app) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket status stream
	s.realtimeHub.RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())

	invoice.NewHandler(s.invoiceService, s.trail).RegisterRoutes(v1)
	poller.NewHandler(s.pollers).RegisterRoutes(v1)
	s.deeplinks.RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    health.State    `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Pollers   int             `json:"activePollers"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	state, checks := s.checks.CheckAll(c.Request.Context())

	httpStatus := http.StatusOK
	if state == health.StateUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    state,
		Version:   s.version,
		Checks:    checks,
		Pollers:   len(s.pollers.Active()),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"payments_api", s.cfg.PaymentsAPIURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the expiry sweeper, the audit drain loop
// and the DB stats collector. All stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.invoiceTimer.Start(ctx)
	go s.trail.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Pollers first so no new transitions race the final audit flush
	if err := s.pollers.Shutdown(ctx); err != nil {
		s.logger.Error("poller shutdown incomplete", "error", err)
	} else {
		s.logger.Info("pollers stopped")
	}

	s.invoiceTimer.Stop()
	s.trail.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.trail.Flush(ctx); err != nil {
		s.logger.Error("audit events lost on shutdown", "error", err, "pending", s.trail.Pending())
	}

	s.rateLimiter.Stop()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
