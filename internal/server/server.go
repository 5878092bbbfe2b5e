// Package server wires the ledger, the settlement client and the
// reconciliation engine together and serves the ops HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/devolt/internal/circuitbreaker"
	"github.com/mbd888/devolt/internal/config"
	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/health"
	"github.com/mbd888/devolt/internal/ledger"
	"github.com/mbd888/devolt/internal/logging"
	"github.com/mbd888/devolt/internal/metrics"
	"github.com/mbd888/devolt/internal/ratelimit"
	"github.com/mbd888/devolt/internal/reconciliation"
	"github.com/mbd888/devolt/internal/retry"
	"github.com/mbd888/devolt/internal/security"
	"github.com/mbd888/devolt/internal/settlement"
	"github.com/mbd888/devolt/internal/traces"
	"github.com/mbd888/devolt/internal/validation"
	"github.com/mbd888/devolt/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	version    string
	ledger     ledger.Ledger
	client     settlement.Client
	breakers   *settlement.BreakerClient
	engine     *reconciliation.Engine
	health     *health.Registry
	rpcLimiter *ratelimit.Limiter
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	shutdownTracing func(context.Context) error
	shutdownOnce    sync.Once
	shutdownErr     error

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

// WithVersion sets the version reported by /health and build info.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithLedger sets the ledger instead of building one from config (for testing)
func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithSettlementClient sets the settlement client instead of building one
// from config. It is still wrapped in the circuit breaker.
func WithSettlementClient(c settlement.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		health:  health.NewRegistry(),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	operator, err := cfg.OperatorAddress()
	if err != nil {
		return nil, err
	}

	// Ledger: Postgres if DATABASE_URL set, otherwise in-memory
	ledgerKind := "custom"
	if s.ledger == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.ledger = ledger.NewPostgresLedger(db, operator)
			s.health.Register("database", health.Ping("database", db))
			ledgerKind = "postgres"
			s.logger.Info("using PostgreSQL ledger", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.ledger = ledger.NewMemoryLedger(operator)
			ledgerKind = "memory"
			s.logger.Warn("using in-memory ledger, state is lost on restart")
		}
	}

	// Settlement client: remote JSON-RPC if SETTLEMENT_URL set, otherwise in-process
	if s.client == nil {
		if cfg.SettlementURL != "" {
			s.client = settlement.NewRPCClient(cfg.SettlementURL, cfg.SettlementToken, cfg.CallTimeout)
			s.logger.Info("settling via JSON-RPC", "url", cfg.SettlementURL)
		} else {
			s.client = settlement.NewLocalClient(s.ledger)
			s.logger.Info("settling in-process")
		}
	}
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpen)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("settlement circuit changed", "method", key, "from", from.String(), "to", to.String())
	})
	s.breakers = settlement.NewBreakerClient(s.client, breaker)

	// Reconciliation engine
	dispatcher := reconciliation.NewDispatcher(s.breakers, reconciliation.NewRegistry(), reconciliation.DispatcherConfig{
		CallTimeout: cfg.CallTimeout,
		MaxInFlight: cfg.MaxInFlight,
		SettleRPS:   cfg.SettleRPS,
	}, s.logger)
	s.engine = reconciliation.NewEngine(
		reconciliation.NewPoller(s.ledger, cfg.CallTimeout),
		dispatcher,
		reconciliation.NewBackoff(cfg.PollInterval, cfg.BackoffBase, cfg.BackoffMax),
		s.logger,
	)
	s.health.Register("reconciler", health.Running("reconciler", s.engine.Running))

	metrics.BuildInfo.WithLabelValues(s.version, ledgerKind).Set(1)

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDB connects to Postgres, retrying the initial ping, and applies
// pending migrations.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
			requestID = uuid.NewString()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.GET("/escrows", s.listEscrows)
		v1.GET("/escrows/:id", validation.ParamMiddleware("id", validation.IsValidEscrowID), s.getEscrow)
		v1.GET("/inflight", s.listInFlight)
		v1.GET("/status", s.engineStatus)
		v1.GET("/breakers", s.breakerStates)
		v1.GET("/accounts/:account/balance", validation.ParamMiddleware("account", validation.IsValidAccount), s.getBalance)
		v1.GET("/journal/:txRef", s.getJournal)
	}

	if s.cfg.ServeRPC {
		rpc := s.router.Group("/")
		if s.cfg.RPCRateLimit > 0 {
			s.rpcLimiter = ratelimit.New(ratelimit.Config{
				RequestsPerSecond: s.cfg.RPCRateLimit,
				Burst:             s.cfg.RPCBurst,
			})
			rpc.Use(s.rpcLimiter.Middleware())
		}
		settlement.NewHandler(s.ledger, s.cfg.SettlementToken, s.logger).RegisterRoutes(rpc)
		s.logger.Info("settlement JSON-RPC service mounted", "path", "/rpc")
	}
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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

func (s *Server) listEscrows(c *gin.Context) {
	var filter escrow.Filter
	if v := c.Query("state"); v != "" {
		st, err := escrow.ParseState(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "message": err.Error()})
			return
		}
		filter.State = st
	}
	if v := c.Query("kind"); v != "" {
		k, err := escrow.ParseKind(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": err.Error()})
			return
		}
		filter.Kind = k
	}
	if v := c.Query("maker"); v != "" {
		v = validation.SanitizeAddress(v)
		if !validation.IsValidEthAddress(v) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_maker", "message": "maker must be a hex address"})
			return
		}
		filter.Maker = v
	}
	filter.Limit = 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 1000"})
			return
		}
		filter.Limit = n
	}

	recs, err := s.ledger.ListEscrows(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "list escrows", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": recs, "count": len(recs)})
}

func (s *Server) getEscrow(c *gin.Context) {
	rec, err := s.ledger.GetEscrow(c.Request.Context(), c.Param("id"))
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "escrow not found"})
		return
	}
	if err != nil {
		s.internalError(c, "get escrow", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listInFlight(c *gin.Context) {
	inflight := s.engine.Registry().Snapshot()
	c.JSON(http.StatusOK, gin.H{"inflight": inflight, "count": len(inflight)})
}

func (s *Server) engineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) breakerStates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.States()})
}

func (s *Server) getBalance(c *gin.Context) {
	account := c.Param("account")
	bal, err := s.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		s.internalError(c, "balance", err)
		return
	}
	// Amounts are uint64 token units; strings keep JSON clients exact.
	c.JSON(http.StatusOK, gin.H{"account": account, "balance": strconv.FormatUint(bal, 10)})
}

func (s *Server) getJournal(c *gin.Context) {
	entries, err := s.ledger.Journal(c.Request.Context(), c.Param("txRef"))
	if err != nil {
		s.internalError(c, "journal", err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no entries for transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the reconciliation engine and blocks until
// a signal, ctx cancellation, or a fatal error from either.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.engine.Start(gctx); err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
		return nil
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested", "cause", context.Cause(gctx))
		return s.Shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// Shutdown gracefully stops the server. Settlement tasks do not share the
// run context, so they keep going until the drain deadline and are
// cancelled after it. Escrows cut short stay pending.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Warn("settlement tasks still running at shutdown", "inflight", s.engine.Registry().Len())
	} else {
		s.logger.Info("reconciliation engine stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rpcLimiter != nil {
		s.rpcLimiter.Stop()
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
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
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the reconciliation engine.
func (s *Server) Engine() *reconciliation.Engine {
	return s.engine
}

// Ledger returns the ledger the server settles against.
func (s *Server) Ledger() ledger.Ledger {
	return s.ledger
}
