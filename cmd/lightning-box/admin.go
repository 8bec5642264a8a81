package main

import (
	"errors"
	"fmt"

	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/logging"
	"github.com/hsjoberg/lightning-box/internal/users"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user [pubkey] [alias]",
	Short: "Register a user without a signed request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := ledger.Open(ctx, cfg.Database, logging.Component(logger, "ledger"))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		node := lndclient.New(cfg.LND, logging.Component(logger, "lnd"))
		svc := users.NewService(nil, store, node, cfg.Domain, logging.Component(logger, "users"))
		profile, err := svc.CreateUser(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s for %s\n", profile.LightningAddress, profile.Pubkey)
		return nil
	},
}

var createWithdrawalCodeCmd = &cobra.Command{
	Use:   "create-withdrawal-code [alias] [code]",
	Short: "Issue a withdrawal code for a user",
	Long:  "Issue a withdrawal code for a user. A random code is generated when none is given.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := ledger.Open(ctx, cfg.Database, logging.Component(logger, "ledger"))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		code := uuid.NewString()
		if len(args) == 2 {
			code = args[1]
		}
		err = store.CreateWithdrawalCode(ctx, ledger.WithdrawalCode{Code: code, UserAlias: args[0]})
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("user %q does not exist", args[0])
		case errors.Is(err, ledger.ErrDuplicate):
			return fmt.Errorf("withdrawal code %q already exists", code)
		case err != nil:
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/withdraw/%s\n", cfg.DomainURL, code)
		return nil
	},
}
