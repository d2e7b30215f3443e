package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/settlement_layer/internal/cache"
	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/config"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/fanout"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/services/allocation"
	"github.com/R3E-Network/settlement_layer/services/goals"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

// App holds the dependencies shared by every command.
type App struct {
	Config   *config.Config
	Networks *config.NetworkConfig
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Store    database.Store
	Cache    cache.Cache
	Gateway  *chain.Gateway
	Pool     *fanout.Pool

	Goals       *goals.Resolver
	Rewards     *rewards.Engine
	Coordinator *allocation.Coordinator
	Providers   allocation.Providers

	closers []func() error
}

// newApp loads configuration and builds the object graph for service.
func newApp(ctx context.Context, service string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(service, cfg.LogLevel, cfg.LogFormat)

	networks, err := config.LoadNetworkConfig(cfg.NetworkFile)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Networks: networks,
		Logger:   logger,
		Metrics:  metrics.New(),
		Pool:     fanout.NewPool(cfg.Allocation.ReadConcurrency, cfg.Allocation.ReadInterval),
	}

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}
	if err := app.openCache(ctx); err != nil {
		app.Close()
		return nil, err
	}

	var account *chain.Account
	if cfg.SignerKey != "" {
		account, err = chain.NewAccount(cfg.SignerKey)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("signer key: %w", err)
		}
		logger.WithField("signer", account.Address()).Info("signer loaded")
	} else {
		logger.Warn("SIGNER_PRIVATE_KEY not set; chain writes disabled")
	}

	app.Gateway, err = chain.NewGateway(networks, account, chain.GatewayOptions{
		RPCTimeout:      cfg.Allocation.ChainTimeout,
		ReceiptAttempts: cfg.Allocation.ReceiptAttempts,
		ReceiptDelay:    cfg.Allocation.ReceiptDelay,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Goals = goals.NewResolver(goals.Config{
		Chain:   app.Gateway,
		Store:   app.Store,
		Logger:  logger,
		Metrics: app.Metrics,
	})
	app.Rewards = rewards.NewEngine(rewards.Config{
		Chain:          app.Gateway,
		Store:          app.Store,
		Pool:           app.Pool,
		Logger:         logger,
		Metrics:        app.Metrics,
		XPPerUSD:       cfg.Rewards.XPPerUSD,
		VerificationXP: cfg.Rewards.VerificationXP,
		ActivityXP:     cfg.Rewards.ActivityXP,
	})
	app.Coordinator = allocation.NewCoordinator(allocation.Config{
		Chain:        app.Gateway,
		Store:        app.Store,
		Goals:        app.Goals,
		Completion:   app.Rewards,
		Hook:         app.Rewards,
		Logger:       logger,
		Metrics:      app.Metrics,
		ChainTimeout: cfg.Allocation.ChainTimeout,
	})
	app.Providers = allocation.NewProviders(networks.Providers)
	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		if a.Config.IsProduction() {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		a.Logger.Warn("DATABASE_URL not set; using in-memory store")
		a.Store = database.NewMemoryStore().WithHistoryLimit(a.Config.Allocation.HistoryLimit)
		return nil
	}
	repo, err := database.Open(ctx, a.Config.DatabaseURL)
	if err != nil {
		return err
	}
	a.Store = repo.WithHistoryLimit(a.Config.Allocation.HistoryLimit)
	a.closers = append(a.closers, repo.Close)
	return nil
}

func (a *App) openCache(ctx context.Context) error {
	if a.Config.RedisURL == "" {
		a.Cache = cache.NewMemory()
		return nil
	}
	r, err := cache.NewRedis(ctx, a.Config.RedisURL, "settlement:")
	if err != nil {
		return err
	}
	a.Cache = r
	a.closers = append(a.closers, r.Close)
	return nil
}

// Close releases the store and cache connections and waits for background
// reward work.
func (a *App) Close() {
	if a.Rewards != nil {
		a.Rewards.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.WithError(err).Warn("close")
		}
	}
	a.closers = nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
