package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/facility/internal/config"
	"github.com/ehr/facility/internal/domain/facility"
	"github.com/ehr/facility/internal/platform/auth"
	"github.com/ehr/facility/internal/platform/db"
	"github.com/ehr/facility/internal/platform/events"
	"github.com/ehr/facility/internal/platform/middleware"
	"github.com/ehr/facility/internal/platform/notification"
	"github.com/ehr/facility/internal/platform/telemetry"
)

// store is satisfied by both facility.PGStore and facility.MemoryStore.
type store interface {
	facility.Transactor
	Rooms() facility.RoomStore
	Bookings() facility.BookingStore
}

// staffRoles may read the ward notice inbox and the event feed.
var staffRoles = []string{"facility_manager", "physician", "nurse", "registrar"}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// buildServer wires the store, notifiers, middleware and routes. The returned
// cleanup releases the database pool and Redis client.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*echo.Echo, func(), error) {
	var (
		closers  []func()
		st       store
		tenantMW echo.MiddlewareFunc
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	switch cfg.StoreBackend {
	case config.StoreMemory:
		st = facility.NewMemoryStore()
		tenantMW = db.TenantOnlyMiddleware(cfg.DefaultTenant)
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect to database: %w", err)
		}
		closers = append(closers, pool.Close)
		logger.Info().Msg("connected to database")
		st = facility.NewPGStore(pool)
		tenantMW = db.TenantMiddleware(pool, cfg.DefaultTenant)
		e.GET("/health/db", db.HealthHandler(pool))
	}

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:       "facility-server",
		ServiceVersion:    version,
		Environment:       cfg.Env,
		MetricsEnabled:    cfg.MetricsEnabled,
		RuntimeCollectors: true,
	})

	inbox := notification.NewInbox(nil, notification.LogSender{Log: logger})
	notifiers := facility.MultiNotifier{inbox}
	var publisher *events.Publisher
	if cfg.RedisURL != "" {
		client, err := events.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("connect to redis: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		publisher = events.NewPublisher(client, cfg.EventsStream,
			events.WithMaxLen(cfg.EventsMaxLen), events.WithLogger(logger))
		notifiers = append(notifiers, publisher)
		logger.Info().Str("stream", cfg.EventsStream).Msg("publishing admission events")
	}

	opts := []facility.Option{
		facility.WithLogger(logger),
		facility.WithMetrics(metrics),
		facility.WithRetryPolicy(facility.RetryPolicy{
			MaxAttempts: cfg.AdmissionMaxRetries,
			BaseDelay:   cfg.AdmissionRetryDelay,
		}),
		facility.WithNotifier(notifiers),
	}
	registry := facility.NewRoomRegistry(st.Rooms(), st, opts...)
	coordinator := facility.NewAdmissionCoordinator(st.Rooms(), st.Bookings(), st, opts...)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", "Link", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	limiter := middleware.RateLimit(rateLimitCfg)
	apiV1 := e.Group("/api/v1", tenantMW, limiter)
	fhirGroup := e.Group("/fhir", tenantMW, limiter)

	facility.NewHandler(registry, coordinator).RegisterRoutes(apiV1, fhirGroup)
	staff := apiV1.Group("", auth.RequireRole(staffRoles...))
	notification.NewHandler(inbox).RegisterRoutes(staff)
	if publisher != nil {
		events.NewHandler(publisher).RegisterRoutes(staff)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	e.GET("/metrics", metrics.Handler())

	return e, cleanup, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	e, cleanup, err := buildServer(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
