package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/services/allocation"
	"github.com/R3E-Network/settlement_layer/services/disbursement"
)

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <code>",
		Short: "Re-run allocation for a stored settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := newApp(ctx, "settlement-cli")
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Store.GetSettlement(ctx, args[0])
			if err != nil {
				return err
			}
			app.Logger.LogSecurityEvent(ctx, "settlement_manual_retry", map[string]interface{}{
				"settlement_id": args[0],
				"source":        "cli",
			})
			resp, err := app.Coordinator.Allocate(logging.WithUserID(ctx, "cli"), allocation.RequestFromRecord(rec))
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func enqueueCmd() *cobra.Command {
	var req disbursement.PayoutRequest
	var amount string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a fiat payout for the disbursement worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			req.FiatAmount = v

			app, err := newApp(cmd.Context(), "settlement-cli")
			if err != nil {
				return err
			}
			defer app.Close()

			dc := app.Config.Disbursement
			q := disbursement.NewQueue(app.Store, dc.Chain, dc.Asset, dc.FiatCurrency, app.Logger)
			job, created, err := q.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "transaction %s already queued\n", req.TransactionCode)
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().StringVar(&req.TransactionCode, "code", "", "provider transaction code (idempotency key)")
	cmd.Flags().StringVar(&req.Recipient, "recipient", "", "recipient Neo address")
	cmd.Flags().StringVar(&amount, "amount", "", "fiat amount")
	cmd.Flags().StringVar(&req.Currency, "currency", "", "fiat currency (default PAYOUT_FIAT_CURRENCY)")
	cmd.Flags().StringVar(&req.ChainID, "chain", "", "chain id (default PAYOUT_CHAIN)")
	cmd.Flags().StringVar(&req.Asset, "asset", "", "token asset (default PAYOUT_ASSET)")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
