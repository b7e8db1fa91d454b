package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iotrest/iotrest/internal/config"
	"github.com/iotrest/iotrest/internal/domain/oximetry"
	"github.com/iotrest/iotrest/internal/platform/auth"
	"github.com/iotrest/iotrest/internal/platform/db"
	"github.com/iotrest/iotrest/internal/platform/middleware"
	"github.com/iotrest/iotrest/internal/platform/telemetry"
	"github.com/iotrest/iotrest/internal/platform/webhook"
	"github.com/iotrest/iotrest/internal/platform/websocket"
	"github.com/iotrest/iotrest/pkg/pagination"
)

const odataPrefix = "/odata"

func main() {
	rootCmd := &cobra.Command{
		Use:   "iotrest-server",
		Short: "Pulse oximetry measurement API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			if cfg.StoreDriver == config.DriverSQLite {
				dbx, err := db.OpenSQLite(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer dbx.Close()
				if err := oximetry.EnsureSQLiteSchema(ctx, dbx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "SQLite schema is up to date at %s.\n", cfg.SQLitePath)
				return nil
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status requires STORE_DRIVER=%s", config.DriverPostgres)
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// printStatus writes the migration table. Status cells are padded before
// colouring so the escape codes do not break the alignment.
func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := color.YellowString("%-10s", "pending")
		appliedAt := ""
		if s.Applied {
			status = color.GreenString("%-10s", "applied")
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// storeHandle is an opened measurement store with its health probe.
type storeHandle struct {
	store    oximetry.MeasurementStore
	dbHealth echo.HandlerFunc
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		dbx, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := oximetry.EnsureSQLiteSchema(ctx, dbx); err != nil {
			dbx.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &storeHandle{
			store:    oximetry.NewMeasurementRepoSQL(dbx),
			dbHealth: db.SQLHealthHandler(dbx),
			close:    func() { dbx.Close() },
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		if cfg.AutoMigrate {
			count, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
			logger.Info().Int("applied", count).Msg("migrations applied")
		}
		return &storeHandle{
			store:    oximetry.NewMeasurementRepoPG(pool),
			dbHealth: db.HealthHandler(pool),
			close:    pool.Close,
		}, nil
	}
}

// newDispatcher returns nil when no webhook endpoints are configured.
func newDispatcher(cfg *config.Config, logger zerolog.Logger) (*webhook.Dispatcher, error) {
	if len(cfg.WebhookURLs) == 0 {
		return nil, nil
	}
	d, err := webhook.NewDispatcher(cfg.WebhookURLs, cfg.WebhookSecret, logger,
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
		webhook.WithQueueSize(cfg.WebhookQueueSize),
		webhook.WithTopics(oximetry.TopicAll),
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("webhook delivery enabled")
	return d, nil
}

// newServer assembles the echo instance: global middleware, health and
// metrics endpoints, and both measurement surfaces. Change events go to the
// live feed and to any extra publishers.
func newServer(cfg *config.Config, h *storeHandle, logger zerolog.Logger, extra ...oximetry.Publisher) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.NewMetrics()
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, oximetry.MethodMerge},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, oximetry.HeaderIfMatch, oximetry.HeaderHTTPMethod},
		ExposeHeaders: []string{"ETag", echo.HeaderLocation, oximetry.HeaderPreferenceApplied, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics", "/ws"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", h.dbHealth)
	if metrics != nil {
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	// Writes are throttled per client and, when configured, need a token.
	var guards []echo.MiddlewareFunc
	rateLimit := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateLimit.Enabled() {
		guards = append(guards, middleware.RateLimit(rateLimit))
	}
	if cfg.AuthEnabled() {
		jwtCfg := auth.JWTConfig{
			Issuer:        cfg.AuthIssuer,
			Audience:      cfg.AuthAudience,
			JWKSURL:       cfg.AuthJWKSURL,
			RequiredScope: cfg.AuthWriteScope,
		}
		if cfg.AuthJWTSecret != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthJWTSecret)
		}
		guards = append(guards, auth.JWTMiddleware(jwtCfg))
	} else {
		logger.Warn().Msg("write endpoints are unauthenticated; set AUTH_JWT_SECRET or AUTH_JWKS_URL")
	}

	// Committed writes from either surface are pushed to /ws subscribers.
	hub := websocket.NewHub(logger)
	publishers := append(oximetry.Publishers{hub}, extra...)
	store := oximetry.NewPublishingStore(h.store, publishers, logger)
	websocket.NewHandler(hub, originMatcher(cfg.CORSOrigins), oximetry.TopicAll).RegisterRoutes(e.Group(""))

	svc := oximetry.NewService(store, logger)
	if metrics != nil {
		svc.SetObserver(metrics)
	}

	oximetry.NewHandler(oximetry.NewRepository(store)).RegisterRoutes(e.Group(""), guards...)

	paging := pagination.Settings{PageSize: cfg.ODataPageSize, MaxTop: cfg.ODataMaxTop}
	oximetry.NewODataHandler(svc, paging, odataPrefix).RegisterRoutes(e.Group(odataPrefix), guards...)

	return e
}

// originMatcher accepts the configured CORS origins; nil means any origin.
func originMatcher(origins []string) func(string) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(origin string) bool { return allowed[origin] }
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer h.close()

	var extra []oximetry.Publisher
	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure webhooks")
	}
	if dispatcher != nil {
		extra = append(extra, dispatcher)
	}

	e := newServer(cfg, h, logger, extra...)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("webhook queue not drained")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}
