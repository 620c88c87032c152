package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/payout"
	"github.com/orquesta/settlement/internal/store"
)

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Run, dispatch and initiate seller payouts",
	}
	cmd.AddCommand(payoutsRunCmd())
	cmd.AddCommand(payoutsDispatchCmd())
	cmd.AddCommand(payoutsInitiateCmd())
	return cmd
}

func payoutsRunCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily payout batch now",
		Long: `Run the payout batch for every eligible seller.

Each seller is paid at most once per UTC day, so a manual run after the
scheduled one only picks up sellers it skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Payouts.RunBatch(cmd.Context(), limit)
			if res != nil {
				printJSON(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", payout.DefaultBatchSize, "maximum sellers in the batch")
	return cmd
}

func payoutsDispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send pending payouts to the payout gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Payouts.DispatchPending(cmd.Context(), limit)
			if res != nil {
				printJSON(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", payout.DefaultBatchSize, "maximum payouts to dispatch")
	return cmd
}

func payoutsInitiateCmd() *cobra.Command {
	var req payout.InitiateRequest
	var currency string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Create a manual payout for one seller",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			req.Currency = model.Currency(currency)
			p, err := a.Payouts.Initiate(cmd.Context(), req)
			if errors.Is(err, store.ErrDuplicateKey) && p != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "idempotency key already used, existing payout:")
				return printJSON(cmd.OutOrStdout(), p)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVarP(&req.ProjectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&req.SellerID, "seller", "s", "", "seller id")
	cmd.Flags().Int64VarP(&req.AmountCents, "amount", "a", 0, "amount in minor units")
	cmd.Flags().StringVarP(&currency, "currency", "c", "", "currency (defaults to the seller's preferred currency)")
	cmd.Flags().StringVarP(&req.IdempotencyKey, "key", "k", "", "idempotency key (random if empty)")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("seller")
	cmd.MarkFlagRequired("amount")
	return cmd
}
