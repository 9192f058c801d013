package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harmony/dental/internal/config"
	"github.com/harmony/dental/internal/domain/scheduling"
	"github.com/harmony/dental/internal/platform/auth"
	"github.com/harmony/dental/internal/platform/cache"
	"github.com/harmony/dental/internal/platform/db"
	"github.com/harmony/dental/internal/platform/events"
	"github.com/harmony/dental/internal/platform/middleware"
	engine "github.com/harmony/dental/internal/platform/scheduling"
	"github.com/harmony/dental/internal/platform/telemetry"
	"github.com/harmony/dental/internal/worker"
	"github.com/harmony/dental/migrations"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dental-server",
		Short: "Dental practice scheduling API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the risk recompute and waitlist scan jobs on their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job now for every practice",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, _ := cmd.Flags().GetString("job")
			return runJobOnce(job)
		},
	}
	runCmd.Flags().String("job", worker.JobWaitlistScan, "Job to run (risk_recompute or waitlist_scan)")
	cmd.AddCommand(runCmd)
	return cmd
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
			tenant, _ := cmd.Flags().GetString("tenant")
			all, _ := cmd.Flags().GetBool("all")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants := []string{tenant}
			if all {
				if tenants, err = db.ListTenants(ctx, pool); err != nil {
					return err
				}
			}

			migrator := db.NewMigrator(pool, migrations.FS)
			for _, t := range tenants {
				schema := db.SchemaName(t)
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed for %s: %w", schema, err)
				}
				fmt.Printf("Applied %d migration(s) to %s.\n", count, schema)
			}
			return nil
		},
	}
	upCmd.Flags().String("tenant", "default", "Practice whose schema is migrated")
	upCmd.Flags().Bool("all", false, "Migrate every practice schema")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("tenant", "default", "Practice whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a practice schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating practice schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Practice created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Practice identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// app holds the process-wide dependencies shared by the server and worker.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher events.Publisher
	metrics   *telemetry.Metrics
	svc       *scheduling.Service
	shutdown  []func(context.Context) error
}

func newApp(ctx context.Context, service string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.ServiceName != "" {
		service = cfg.ServiceName
	}
	a := &app{cfg: cfg, logger: telemetry.NewLogger(service, cfg.Env)}

	stopTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.shutdown = append(a.shutdown, stopTelemetry)

	if a.metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if a.pool, err = openPool(ctx, cfg); err != nil {
		return nil, err
	}
	a.logger.Info().Msg("connected to database")

	if cfg.RedisURL != "" {
		if a.redis, err = cache.NewClient(ctx, cfg.RedisURL); err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.logger.Info().Msg("connected to redis")
	}

	if cfg.AMQPURL != "" {
		rmq, err := events.NewRabbitMQPublisher(cfg.AMQPURL, events.DefaultBreakerConfig(), a.logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.publisher = rmq
		a.logger.Info().Msg("connected to rabbitmq")
	} else {
		a.publisher = events.NewNoopPublisher(a.logger)
	}

	opts, err := serviceOptions(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.svc = scheduling.NewService(
		scheduling.NewAppointmentRepoPG(a.pool),
		scheduling.NewWorkingHoursRepoPG(a.pool),
		scheduling.NewWaitlistRepoPG(a.pool),
		scheduling.NewRiskRepoPG(a.pool),
		opts,
		a.serviceWiring()...,
	)
	return a, nil
}

// serviceOptions maps configuration onto the practice defaults.
func serviceOptions(cfg *config.Config) (scheduling.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return scheduling.Options{}, err
	}
	return scheduling.Options{
		WorkdayStart:       cfg.WorkdayStart,
		WorkdayEnd:         cfg.WorkdayEnd,
		GranularityMinutes: cfg.SlotGranularityMinutes,
		DurationMinutes:    cfg.DefaultDurationMinutes,
		Mode:               engine.SearchMode(cfg.AvailabilityMode),
		Location:           loc,
		Risk:               cfg.RiskPolicy(),
	}, nil
}

func (a *app) serviceWiring() []scheduling.Option {
	pool := a.pool
	opts := []scheduling.Option{
		scheduling.WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		}),
		scheduling.WithPublisher(a.publisher),
		scheduling.WithMetrics(a.metrics),
		scheduling.WithLogger(a.logger),
	}
	// A nil *redis.Client must not reach the service as a non-nil interface.
	if a.redis != nil {
		opts = append(opts,
			scheduling.WithCache(cache.NewAvailabilityCache(a.redis, a.cfg.AvailabilityCacheTTL)),
			scheduling.WithHolds(cache.NewSlotHolds(a.redis, a.cfg.SlotHoldTTL)),
		)
	}
	return opts
}

func (a *app) healthDeps() map[string]db.Pinger {
	deps := map[string]db.Pinger{}
	if a.redis != nil {
		client := a.redis
		deps["redis"] = db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	if p, ok := a.publisher.(db.Pinger); ok {
		deps["rabbitmq"] = p
	}
	return deps
}

func (a *app) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	for _, fn := range a.shutdown {
		if err := fn(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown")
		}
	}
}

func newWorker(a *app) (*worker.Worker, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	pool := a.pool
	return worker.New(
		worker.Config{
			RiskSchedule:     a.cfg.RiskRecomputeSchedule,
			WaitlistSchedule: a.cfg.WaitlistScanSchedule,
			Location:         loc,
		},
		a.svc,
		func(ctx context.Context) ([]string, error) { return db.ListTenants(ctx, pool) },
		func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
			return db.WithTenantConn(ctx, pool, tenantID, fn)
		},
		a.logger,
	)
}

// newServer builds the Echo instance with the middleware chain and routes.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware(a.metrics))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health checks stay outside auth and tenant scoping.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(a.pool, a.healthDeps()))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg, cfg.DefaultTenant))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(logger))

	scheduling.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	ctx := context.Background()
	a, err := newApp(ctx, "dental-server")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger := a.logger

	e := newServer(a)

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	ctx := context.Background()
	a, err := newApp(ctx, "dental-worker")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	w, err := newWorker(a)
	if err != nil {
		return err
	}
	w.Start()
	a.logger.Info().Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info().Msg("stopping worker")
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return w.Stop(stopCtx)
}

func runJobOnce(job string) error {
	ctx := context.Background()
	a, err := newApp(ctx, "dental-worker")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	w, err := newWorker(a)
	if err != nil {
		return err
	}
	return w.RunOnce(ctx, job)
}
