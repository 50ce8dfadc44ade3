package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	reservationapp "github.com/reserva/backend/internal/application/reservation"
	venuesapp "github.com/reserva/backend/internal/application/venues"
	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/cache"
	"github.com/reserva/backend/internal/infrastructure/config"
	"github.com/reserva/backend/internal/infrastructure/logger"
	"github.com/reserva/backend/internal/infrastructure/opentable"
	"github.com/reserva/backend/internal/infrastructure/persistence"
	"github.com/reserva/backend/internal/infrastructure/places"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/resy"
	"github.com/reserva/backend/internal/infrastructure/secrets"
	"github.com/reserva/backend/internal/infrastructure/telemetry"
	"github.com/reserva/backend/internal/infrastructure/transport"
	"github.com/reserva/backend/internal/interfaces/http/handler"
	"github.com/reserva/backend/internal/interfaces/http/middleware"
	"github.com/reserva/backend/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Reserva Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	ctx := context.Background()

	// Initialize telemetry providers
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := logsProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// From here on application logs also flow to the collector
	log = telemetry.BridgeZapLogger(log, logsProvider, cfg.Telemetry.ServiceName, zapcore.InfoLevel)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully",
		zap.String("driver", string(cfg.Database.Driver)))

	if err := db.AutoMigrate(); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Database pool and query metrics
	if meterProvider.IsEnabled() {
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, telemetry.DefaultDBMetricsConfig(), log)
		if err != nil {
			log.Warn("Failed to register database metrics", zap.Error(err))
		} else if dbMetrics != nil {
			dbMetrics.StartPoolStatsCollection(ctx)
			defer dbMetrics.Stop()
		}
	}

	// Warm cache tier. The warm tier fails soft: an unreachable Redis leaves
	// only the in-process hot tier active.
	var warmStore cache.Store
	var redisStore *cache.RedisStore
	if cfg.Redis.Enabled {
		redisStore, err = cache.NewRedisStore(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Cache.KeyPrefix, cache.WithStoreLogger(log))
		if err != nil {
			log.Warn("Redis unavailable, continuing with hot tier only", zap.Error(err))
			redisStore = nil
		} else {
			warmStore = redisStore
			defer func() {
				if err := redisStore.Close(); err != nil {
					log.Error("Error closing redis", zap.Error(err))
				}
			}()
			log.Info("Redis connected successfully")
		}
	}

	// Static credential vault
	vault := secrets.NewStaticVault(platformCredentials(cfg), secrets.WithLogger(log))

	// Initialize repositories
	venueRepo := persistence.NewVenueRepository(db.DB)
	refRepo := persistence.NewCrossReferenceRepository(db.DB)
	reservationRepo := persistence.NewReservationRepository(db.DB)
	apiCallRepo := persistence.NewAPICallRepository(db.DB)

	// Discovery cost ledger, rehydrated with the spend already recorded this
	// billing month so a restart cannot reset the budget.
	ledgerOpts := []places.LedgerOption{
		places.WithCallRecorder(apiCallRepo),
		places.WithLedgerLogger(log),
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if spent, err := apiCallRepo.CostSince(ctx, places.ServiceName, monthStart); err != nil {
		log.Warn("Failed to load recorded discovery spend", zap.Error(err))
	} else {
		ledgerOpts = append(ledgerOpts, places.WithInitialSpend(spent))
	}
	ledger := places.NewCostLedger(decimal.NewFromFloat(cfg.Places.BudgetCents), ledgerOpts...)

	// Booking metrics, with the spend gauge fed by the ledger
	var bookingMetrics *telemetry.BookingMetrics
	if meterProvider.IsEnabled() {
		bookingMetrics, err = telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
			Meter:         meterProvider.Meter("reserva.booking"),
			Logger:        log,
			SpendProvider: ledgerSpend{ledger: ledger},
		})
		if err != nil {
			log.Warn("Failed to initialize booking metrics", zap.Error(err))
		} else {
			bookingMetrics.StartPeriodicCollection(ctx, 0)
			defer bookingMetrics.Stop()
		}
	}

	// Circuit breaker registry with per-upstream overrides
	registryOpts := []resilience.RegistryOption{
		resilience.WithDefaultSettings(resilience.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}),
		resilience.WithRegistryLogger(log),
	}
	if len(cfg.Breaker.Services) > 0 {
		perService := make(map[string]resilience.BreakerSettings, len(cfg.Breaker.Services))
		for name, s := range cfg.Breaker.Services {
			perService[name] = resilience.BreakerSettings{
				FailureThreshold: s.FailureThreshold,
				ResetTimeout:     s.ResetTimeout,
			}
		}
		registryOpts = append(registryOpts, resilience.WithServiceSettings(perService))
	}
	if bookingMetrics != nil {
		registryOpts = append(registryOpts, resilience.WithTransitionHook(func(service string, from, to resilience.BreakerState) {
			bookingMetrics.RecordBreakerTransition(context.Background(), service, from.String(), to.String())
		}))
	}
	breakers := resilience.NewRegistry(registryOpts...)

	// Retry policies: bounded backoff for reads, a single attempt for
	// submissions
	readRetry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		Multiplier:    cfg.Retry.Multiplier,
		Randomization: cfg.Retry.Randomization,
	}, resilience.WithRetryLogger(log))
	submitRetry := resilience.NewRetryPolicy(resilience.SubmitRetryConfig(), resilience.WithRetryLogger(log))

	// Venue identity cache
	hotTier := cache.NewHotTier[venue.PlatformIdentifier](cfg.Cache.HotCapacity,
		cache.WithHotLogger[venue.PlatformIdentifier](log))
	defer func() {
		_ = hotTier.Close()
	}()
	tieredOpts := []cache.TieredOption[venue.PlatformIdentifier]{
		cache.WithTieredLogger[venue.PlatformIdentifier](log),
	}
	if bookingMetrics != nil {
		tieredOpts = append(tieredOpts, cache.WithObserver[venue.PlatformIdentifier](func(name, tier string, hit bool) {
			bookingMetrics.RecordCacheRead(context.Background(), name, tier, hit)
		}))
	}
	idCache := cache.NewTiered[venue.PlatformIdentifier]("venue_identity", hotTier, warmStore,
		cfg.Cache.HotTTL, cfg.Cache.WarmTTL, tieredOpts...)

	// Transport escalation ladders, one per upstream
	var attemptObserver transport.AttemptObserver
	if bookingMetrics != nil {
		attemptObserver = func(service string, strategy booking.TransportStrategy, outcome string, elapsed time.Duration) {
			bookingMetrics.RecordTransportAttempt(context.Background(), service, strategy.String(), outcome, elapsed)
		}
	}
	resyTransport := newEscalation(booking.PlatformResy, cfg, log, readRetry, submitRetry, attemptObserver)
	defer closeTransport(resyTransport, log)
	opentableTransport := newEscalation(booking.PlatformOpenTable, cfg, log, readRetry, submitRetry, attemptObserver)
	defer closeTransport(opentableTransport, log)
	placesTransport := newEscalation(booking.PlatformGooglePlaces, cfg, log, readRetry, submitRetry, attemptObserver)
	defer closeTransport(placesTransport, log)

	// Platform adapters
	resyClient := resy.NewClient(resyTransport, vault, resy.WithLogger(log))
	opentableClient := opentable.NewClient(opentableTransport, vault, opentable.WithLogger(log))
	placesClient := places.NewClient(placesTransport, vault, ledger, places.WithLogger(log))

	// Identity resolver over the cross-reference store and platform search
	searchers := map[booking.Platform]booking.VenueSearcher{
		booking.PlatformResy:      resyClient,
		booking.PlatformOpenTable: opentableClient,
	}
	resolver := venuesapp.NewResolver(venueRepo, refRepo, searchers, breakers, vault, idCache,
		venuesapp.WithResolverLogger(log),
		venuesapp.WithDiscovery(placesClient),
	)

	// Initialize application services
	venueService := venuesapp.NewService(venueRepo, refRepo, placesClient, breakers, vault,
		venuesapp.WithServiceLogger(log))
	providers := map[booking.Platform]booking.Provider{
		booking.PlatformResy:      resyClient,
		booking.PlatformOpenTable: opentableClient,
	}
	bookingOpts := []reservationapp.Option{reservationapp.WithLogger(log)}
	if bookingMetrics != nil {
		bookingOpts = append(bookingOpts, reservationapp.WithAttemptObserver(func(platform, outcome string) {
			bookingMetrics.RecordBookingAttempt(context.Background(), platform, outcome)
		}))
	}
	bookingService := reservationapp.NewService(venueRepo, reservationRepo, providers, resolver, breakers, vault,
		bookingOpts...)

	// Initialize HTTP handlers
	venueHandler := handler.NewVenueHandler(venueService, resolver, bookingService)
	reservationHandler := handler.NewReservationHandler(bookingService)
	var redisPinger handler.RedisPinger
	if redisStore != nil {
		redisPinger = redisStore
	}
	systemHandler := handler.NewSystemHandler(db, redisPinger, breakers, ledger)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Security - Add security headers
	// 5. CORS - Handle cross-origin requests
	// 6. BodyLimit - Limit request body size
	// 7. Tracing - Span per request, enriched with the request ID
	// 8. Metrics - HTTP server metrics
	// 9. RateLimit - Apply rate limiting (if enabled)
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORS())
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	if tracerProvider.IsEnabled() {
		engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     true,
		}))
		engine.Use(middleware.TracingAttributeInjector())
		engine.Use(middleware.SpanErrorMarker())
	}

	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: meterProvider,
		ServiceName:   cfg.Telemetry.ServiceName,
		Enabled:       cfg.Telemetry.Enabled,
	}))

	// Rate limiting (if enabled)
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	// Health endpoint (outside API versioning): DB gates liveness, the warm
	// tier only degrades, breakers and ledger ride along as diagnostics
	engine.GET("/healthz", systemHandler.Healthz)

	// Setup API routes using router
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))

	// Mutating API routes require the static bearer token
	r.Use(middleware.StaticBearerWithConfig(middleware.StaticBearerConfig{
		Token:  cfg.Auth.BearerToken,
		Logger: log,
	}))

	// Venue domain (search/discovery, identity resolution, availability)
	venueRoutes := router.NewDomainGroup("venues", "/venues")
	venueRoutes.GET("", venueHandler.Search)
	venueRoutes.GET("/:id", venueHandler.GetByID)
	venueRoutes.GET("/:id/availability", venueHandler.Availability)
	venueRoutes.POST("/:id/resolve/:platform", venueHandler.Resolve)
	venueRoutes.DELETE("/:id/identifiers/:platform", venueHandler.Invalidate)

	// Reservation domain (booking cascade, lifecycle)
	reservationRoutes := router.NewDomainGroup("reservations", "/reservations")
	reservationRoutes.POST("", reservationHandler.Create)
	reservationRoutes.GET("", reservationHandler.List)
	reservationRoutes.GET("/:id", reservationHandler.GetByID)
	reservationRoutes.POST("/:id/cancel", reservationHandler.Cancel)
	reservationRoutes.POST("/:id/reconcile", reservationHandler.Reconcile)

	// System domain
	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)

	// Register all domain groups
	r.Register(venueRoutes).
		Register(reservationRoutes).
		Register(systemRoutes)

	// Setup routes
	r.Setup()

	// Also keep a simple ping at root API level for basic health checks
	engine.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown; deferred transport closes tear any live browser
	// session down after the drain
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// ledgerSpend adapts the cost ledger to the periodic spend gauge
type ledgerSpend struct {
	ledger *places.CostLedger
}

func (l ledgerSpend) Spend(context.Context) (spentCents, budgetCents float64, err error) {
	snap := l.ledger.Snapshot()
	return snap.SpentCents.InexactFloat64(), snap.BudgetCents.InexactFloat64(), nil
}

// platformCredentials maps configured secrets into the vault's seed set. The
// guest identity is shared across platforms.
func platformCredentials(cfg *config.Config) map[booking.Platform]credential.Credentials {
	seed := func(p booking.Platform, pc config.PlatformCredentialConfig) credential.Credentials {
		return credential.Credentials{
			Platform:       p,
			APIKey:         pc.APIKey,
			Email:          pc.Email,
			Password:       pc.Password,
			CSRFToken:      pc.CSRFToken,
			Cookies:        pc.Cookies,
			GuestFirstName: cfg.Credentials.GuestFirstName,
			GuestLastName:  cfg.Credentials.GuestLastName,
			Phone:          cfg.Credentials.GuestPhone,
		}
	}
	return map[booking.Platform]credential.Credentials{
		booking.PlatformResy:         seed(booking.PlatformResy, cfg.Credentials.Resy),
		booking.PlatformOpenTable:    seed(booking.PlatformOpenTable, cfg.Credentials.OpenTable),
		booking.PlatformGooglePlaces: seed(booking.PlatformGooglePlaces, cfg.Credentials.Places),
	}
}

// newEscalation assembles one upstream's transport ladder in the platform's
// declared rung order
func newEscalation(
	p booking.Platform,
	cfg *config.Config,
	log *zap.Logger,
	readRetry, submitRetry *resilience.RetryPolicy,
	observe transport.AttemptObserver,
) *transport.EscalationClient {
	var strategies []transport.Strategy
	for _, kind := range p.TransportStrategies() {
		switch kind {
		case booking.StrategyHTTP:
			strategies = append(strategies, transport.NewHTTPStrategy(transport.HTTPConfig{
				Timeout:          cfg.Transport.HTTPTimeout,
				UserAgent:        cfg.Transport.UserAgent,
				MaxResponseBytes: cfg.Transport.MaxResponseBytes,
			}, transport.WithHTTPLogger(log)))
		case booking.StrategyCurl:
			strategies = append(strategies, transport.NewCurlStrategy(transport.CurlConfig{
				BinaryPath:       cfg.Transport.CurlPath,
				Timeout:          cfg.Transport.CurlTimeout,
				UserAgent:        cfg.Transport.UserAgent,
				MaxResponseBytes: cfg.Transport.MaxResponseBytes,
			}, transport.WithCurlLogger(log)))
		case booking.StrategyBrowser:
			if !cfg.Transport.BrowserEnabled {
				continue
			}
			strategies = append(strategies, transport.NewBrowserStrategy(transport.BrowserConfig{
				Enabled:       true,
				Headless:      cfg.Transport.BrowserHeadless,
				NoSandbox:     cfg.Transport.BrowserNoSandbox,
				UserAgent:     cfg.Transport.UserAgent,
				NavTimeout:    cfg.Transport.NavTimeout,
				InterceptWait: cfg.Transport.InterceptWait,
				IdleTimeout:   cfg.Transport.BrowserIdleTime,
				PacingMin:     cfg.Transport.PacingMin,
				PacingMax:     cfg.Transport.PacingMax,
			}, transport.WithBrowserLogger(log)))
		}
	}

	opts := []transport.ClientOption{
		transport.WithClientLogger(log),
		transport.WithRetryPolicies(readRetry, submitRetry),
	}
	if observe != nil {
		opts = append(opts, transport.WithAttemptObserver(observe))
	}
	return transport.NewEscalationClient(string(p), strategies, opts...)
}

// closeTransport tears one ladder down, including any live browser session
func closeTransport(c *transport.EscalationClient, log *zap.Logger) {
	if err := c.Close(); err != nil {
		log.Error("Error closing transport", zap.Error(err))
	}
}
