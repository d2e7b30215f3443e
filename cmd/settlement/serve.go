package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/settlement_layer/internal/middleware"
	"github.com/R3E-Network/settlement_layer/services/allocation"
	commonservice "github.com/R3E-Network/settlement_layer/services/common/service"
	"github.com/R3E-Network/settlement_layer/services/disbursement"
)

func serveCmd() *cobra.Command {
	var addr string
	var noPoll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement API and the provider status poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := newApp(ctx, "settlement-api")
			if err != nil {
				return err
			}
			defer app.Close()
			if addr == "" {
				addr = app.Config.HTTPAddr
			}
			return runAPI(ctx, app, addr, !noPoll)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HTTP_ADDR)")
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "disable the provider status poller")
	return cmd
}

func runAPI(ctx context.Context, app *App, addr string, poll bool) error {
	cfg := app.Config
	svc := commonservice.NewBase(commonservice.BaseConfig{
		ID:      "settlement-api",
		Name:    "settlement-api",
		Version: Version,
		Logger:  app.Logger,
		Metrics: app.Metrics,
		Checks:  map[string]commonservice.HealthCheck{"store": app.Store.Ping},
	})
	svc.RegisterStandardRoutes()
	router := svc.Router()

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, app.Logger)
	router.Use(limiter.Handler)
	limiter.StartCleanup(ctx, 5*time.Minute)

	if cfg.AdminJWTSecret == "" {
		app.Logger.Warn("ADMIN_JWT_SECRET not set; operator routes reject every request")
	}
	admin := middleware.NewAuthMiddleware([]byte(cfg.AdminJWTSecret), middleware.RoleOperator, app.Logger, nil)

	allocation.NewHandler(app.Coordinator, app.Store, app.Providers, app.Logger).RegisterRoutes(router, admin.Handler)
	app.Goals.RegisterRoutes(router)
	app.Rewards.RegisterRoutes(router)
	disbursement.NewQueue(app.Store, cfg.Disbursement.Chain, cfg.Disbursement.Asset, cfg.Disbursement.FiatCurrency, app.Logger).
		RegisterRoutes(router, admin.Handler)

	if poll {
		scheduler := allocation.NewScheduler(allocation.SchedulerConfig{
			Allocator:    app.Coordinator,
			Store:        app.Store,
			Status:       app.Providers,
			Pool:         app.Pool,
			Logger:       app.Logger,
			Schedule:     cfg.Allocation.PollSchedule,
			Batch:        cfg.Allocation.PollBatch,
			StaleAfter:   cfg.Allocation.StaleClaimAfter,
			MaxAttempts:  cfg.Allocation.MaxAutoRetries,
			RetryBackoff: cfg.Allocation.RetryBackoff,
		})
		svc.WithHydrate(scheduler.Start)
		defer scheduler.Stop()
	}
	return svc.Run(ctx, addr)
}
