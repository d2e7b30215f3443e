package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	commonservice "github.com/R3E-Network/settlement_layer/services/common/service"
	"github.com/R3E-Network/settlement_layer/services/disbursement"
)

func workerCmd() *cobra.Command {
	var addr, workerID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the disbursement worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := newApp(ctx, disbursement.ServiceName)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Gateway.Account() == nil {
				return fmt.Errorf("SIGNER_PRIVATE_KEY is required for the disbursement worker")
			}

			w, err := newWorker(app, workerID)
			if err != nil {
				return err
			}
			w.RegisterStandardRoutes()
			if addr == "" {
				addr = app.Config.WorkerHTTPAddr
			}
			return w.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health listen address (default WORKER_HTTP_ADDR)")
	cmd.Flags().StringVar(&workerID, "id", "", "worker id recorded on claimed jobs (default host-random)")
	return cmd
}

func newWorker(app *App, workerID string) (*disbursement.Worker, error) {
	dc := app.Config.Disbursement
	fallback := decimal.Zero
	if dc.FallbackRate != "" {
		v, err := decimal.NewFromString(dc.FallbackRate)
		if err != nil {
			return nil, fmt.Errorf("FALLBACK_RATE: %w", err)
		}
		fallback = v
	}

	rates := disbursement.NewHTTPRates(disbursement.RateConfig{
		URL:      dc.RateURL,
		APIKey:   dc.RateAPIKey,
		Path:     dc.RatePath,
		TTL:      dc.RateTTL,
		Fallback: fallback,
		Pair:     dc.Asset + "/" + dc.FiatCurrency,
	}, app.Cache, app.Logger)

	return disbursement.NewWorker(disbursement.Config{
		Chain:          app.Gateway,
		Store:          app.Store,
		Rates:          rates,
		Alerter:        disbursement.NewAlerter(app.Cache, app.Store, app.Metrics, app.Logger, dc.AlertInterval),
		Logger:         app.Logger,
		Metrics:        app.Metrics,
		Checks:         map[string]commonservice.HealthCheck{"store": app.Store.Ping},
		WorkerID:       workerID,
		DefaultChain:   dc.Chain,
		DefaultAsset:   dc.Asset,
		PollInterval:   dc.PollInterval,
		MaxRetries:     dc.MaxRetries,
		BaseBackoff:    dc.BaseBackoff,
		MaxBackoff:     dc.MaxBackoff,
		GasPadPercent:  dc.GasPadPercent,
		ConfirmTimeout: dc.ConfirmTimeout,
		StaleAfter:     app.Config.Allocation.StaleClaimAfter,
	}), nil
}
