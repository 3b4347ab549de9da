// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/sitegrade/purchaselink/internal/assessment"
	"github.com/sitegrade/purchaselink/internal/auth"
	"github.com/sitegrade/purchaselink/internal/checkout"
	"github.com/sitegrade/purchaselink/internal/config"
	"github.com/sitegrade/purchaselink/internal/health"
	"github.com/sitegrade/purchaselink/internal/idgen"
	"github.com/sitegrade/purchaselink/internal/linktoken"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/metrics"
	"github.com/sitegrade/purchaselink/internal/purchase"
	"github.com/sitegrade/purchaselink/internal/ratelimit"
	"github.com/sitegrade/purchaselink/internal/referral"
	"github.com/sitegrade/purchaselink/internal/security"
	"github.com/sitegrade/purchaselink/internal/validation"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	purchases    *purchase.Service
	referrals    *referral.Service
	shares       *referral.ShareTokens // nil when share links are disabled
	checkout     *checkout.Service     // nil when checkout is disabled
	provider     checkout.Provider
	previewer    purchase.Previewer
	cleanups     []cleanup // released in reverse order on shutdown or failed construction
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithCleanup hands a resource to the server. fn runs when the server shuts
// down, or when New fails.
func WithCleanup(name string, fn func(context.Context) error) Option {
	return func(s *Server) {
		s.onClose(name, fn)
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckoutProvider enables checkout with p instead of Stripe (for testing)
func WithCheckoutProvider(p checkout.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithPreviewer sets the assessment preview source (for testing)
func WithPreviewer(p purchase.Previewer) Option {
	return func(s *Server) {
		s.previewer = p
	}
}

// New creates a new server instance. On error every resource it opened,
// and every WithCleanup resource, has been released.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			_ = s.release(context.Background())
		}
	}()

	issuer, err := linktoken.NewIssuer(cfg.SigningKey, cfg.PurchaseLinkTTL)
	if err != nil {
		return nil, fmt.Errorf("purchase links: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		linkStore     purchase.Store = purchase.NewMemoryStore()
		referralStore referral.Store = referral.NewMemoryStore()
		orderStore    checkout.Store = checkout.NewMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.onClose("database", func(context.Context) error { return db.Close() })
		linkStore = purchase.NewPostgresStore(db)
		referralStore = referral.NewPostgresStore(db)
		orderStore = checkout.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", db))
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	s.purchases = purchase.NewService(issuer, cfg.PurchaseBaseURL, linkStore)
	if err := s.setupPreviews(); err != nil {
		return nil, err
	}

	s.referrals = referral.NewService(referralStore)
	shares, err := referral.NewShareTokens(cfg.ReferralJWTSecret, cfg.ReferralLinkTTL)
	switch {
	case errors.Is(err, referral.ErrShareDisabled):
		s.logger.Info("referral share links disabled (no REFERRAL_JWT_SECRET set)")
	case err != nil:
		return nil, err
	default:
		s.shares = shares
	}

	if s.provider == nil && cfg.CheckoutEnabled() {
		api := checkout.NewStripeAPI(cfg.StripeSecretKey, nil)
		s.provider = checkout.NewStripeProvider(api, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	}
	if s.provider != nil {
		currency := cfg.CheckoutCurrency
		if currency == "" {
			currency = config.DefaultCheckoutCurrency
		}
		s.checkout = checkout.NewService(s.purchases, s.referrals, s.provider, orderStore, currency)
		s.logger.Info("checkout enabled", "currency", currency)
	} else {
		s.logger.Info("checkout disabled (no STRIPE_SECRET_KEY set)")
	}

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin endpoints disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupPreviews wires the assessment client behind the preview endpoint.
func (s *Server) setupPreviews() error {
	if s.previewer == nil && s.cfg.AssessmentAPIURL != "" {
		var cache assessment.Cache = assessment.NewMemoryCache()
		if s.cfg.RedisURL != "" {
			rc, err := assessment.NewRedisCache(s.cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("preview cache: %w", err)
			}
			s.onClose("preview_cache", func(context.Context) error { return rc.Close() })
			cache = rc
			s.health.Register("preview_cache", health.PingChecker("preview_cache", rc))
		}

		client, err := assessment.NewClient(s.cfg.AssessmentAPIURL, s.cfg.AssessmentAPIKey,
			assessment.WithCache(cache, s.cfg.AssessmentCacheTTL),
			assessment.WithBreaker(assessment.NewBreaker()),
		)
		if err != nil {
			return fmt.Errorf("assessment client: %w", err)
		}
		s.previewer = client
		s.logger.Info("assessment previews enabled", "redis_cache", s.cfg.RedisURL != "")
	}
	if s.previewer != nil {
		s.purchases.WithPreviewer(s.previewer)
	}
	return nil
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
			"error":      "internal_error",
			"message":    "An unexpected error occurred",
			"request_id": logging.RequestID(c.Request.Context()),
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	// CORS limited to the frontends that host purchase and referral pages
	s.router.Use(security.CORSMiddleware(allowedOrigins(s.cfg.PurchaseBaseURL, s.cfg.ReferralBaseURL)))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ConfigForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// allowedOrigins returns the scheme://host origins of the given page URLs.
func allowedOrigins(pageURLs ...string) []string {
	seen := make(map[string]bool)
	var origins []string
	for _, raw := range pageURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		origin := u.Scheme + "://" + u.Host
		if !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Accept a well-formed ID from the load balancer
		requestID := c.GetHeader("X-Request-ID")
		if !validation.IsValidID(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware logs the route template rather than the raw path so
// tokens in query strings never reach the logs.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	purchaseHandler := purchase.NewHandler(s.purchases)
	referralHandler := referral.NewHandler(s.referrals, s.shares, s.cfg.ReferralBaseURL)

	// Responses to these routes carry or reflect tokens; never cache them.
	v1 := s.router.Group("/v1", security.NoStore())
	purchaseHandler.RegisterRoutes(v1)
	referralHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	purchaseHandler.RegisterAdminRoutes(admin)
	referralHandler.RegisterAdminRoutes(admin)

	if s.checkout != nil {
		checkoutHandler := checkout.NewHandler(s.checkout)
		checkoutHandler.RegisterRoutes(v1)
		checkoutHandler.RegisterAdminRoutes(admin)
	} else {
		v1.POST("/checkout/sessions", checkoutDisabled)
		v1.POST("/checkout/webhook", checkoutDisabled)
		admin.GET("/orders", checkoutDisabled)
		admin.GET("/orders/:id", checkoutDisabled)
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
	ok, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
	if ok, statuses := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "purchaselink",
		"version": version,
		"features": gin.H{
			"checkout":           s.checkout != nil,
			"previews":           s.previewer != nil,
			"referralShareLinks": s.shares != nil,
			"admin":              s.cfg.AdminSecret != "",
		},
		"linkTTLSeconds": int64(s.purchases.TTL() / time.Second),
	})
}

func checkoutDisabled(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error":   "checkout_disabled",
		"message": "Checkout is not configured",
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
			"link_ttl", s.purchases.TTL().String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		_ = s.release(context.Background())
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.release(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) onClose(name string, fn func(context.Context) error) {
	s.cleanups = append(s.cleanups, cleanup{name: name, fn: fn})
}

// release runs the registered cleanups newest first. It is safe to call
// more than once.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		c := s.cleanups[i]
		if err := c.fn(ctx); err != nil {
			s.logger.Error("close failed", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		s.logger.Info("closed", "resource", c.name)
	}
	s.cleanups = nil
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
