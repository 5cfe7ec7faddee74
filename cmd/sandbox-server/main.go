package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirplay/sandbox/internal/account"
	"github.com/fhirplay/sandbox/internal/config"
	"github.com/fhirplay/sandbox/internal/fhir"
	"github.com/fhirplay/sandbox/internal/oidc/admin"
	"github.com/fhirplay/sandbox/internal/oidc/client"
	"github.com/fhirplay/sandbox/internal/oidc/engine"
	"github.com/fhirplay/sandbox/internal/oidc/interaction"
	"github.com/fhirplay/sandbox/internal/oidc/token"
	"github.com/fhirplay/sandbox/internal/platform/db"
	"github.com/fhirplay/sandbox/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sandbox-server",
		Short: "SMART on FHIR sandbox authorization server",
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
		Short: "Start the sandbox server",
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
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
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
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to inspect migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Token store: PostgreSQL when configured, in-memory otherwise.
	var (
		store token.FullStore
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		// Auto-migrate the token table; the DDL is idempotent.
		if _, err := pool.Exec(ctx, token.MigrationOIDCTokens); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate oidc_tokens table")
		}

		store = token.NewPGStoreFromPool(pool)
		logger.Info().Msg("using PostgreSQL token store")
	} else {
		store = token.NewMemStore()
		logger.Warn().Msg("using in-memory token store; state is lost on restart")
	}

	// Client registry, persisted through the token store.
	registry := client.NewRegistry(token.NewAdapter(store, token.KindClient))

	// Authorization engine
	eng := engine.New(cfg.Issuer, []byte(cfg.SigningKey), store, registry, logger)

	// Accounts
	accounts, err := account.Load(cfg.CredentialsPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load sandbox accounts")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(1 << 20))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", admin.AdminTokenHeader},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// OAuth2 / OIDC endpoints, rate limited per client IP to blunt
	// credential guessing against the sandbox accounts.
	oauthGroup := e.Group("/oauth2", middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	eng.RegisterRoutes(oauthGroup)

	ctl := interaction.NewController(eng, registry, logger)
	interactionHandler := interaction.NewHandler(ctl, accounts, logger)
	interactionHandler.RegisterRoutes(oauthGroup)

	// Admin token API
	adminSvc := admin.NewService(store, logger)
	adminHandler := admin.NewHandler(adminSvc, cfg.AdminToken, logger)
	adminHandler.RegisterRoutes(e.Group("/admin"))
	if cfg.AdminToken == "" {
		logger.Warn().Msg("SANDBOX_ADMIN_TOKEN not set; admin API rejects all requests")
	}

	// Read-only FHIR R4 data
	fhirStore := fhir.NewStore(cfg.FHIRDataDir, logger)
	fhirHandler := fhir.NewHandler(fhirStore, logger)
	fhirHandler.RegisterRoutes(e.Group("/r4"))

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("issuer", cfg.Issuer).Msg("sandbox server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
