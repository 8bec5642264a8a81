package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hsjoberg/lightning-box/internal/config"
	"github.com/hsjoberg/lightning-box/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lightning-box",
	Short: "Lightning Address server with custodial fallback",
	Long: `Lightning Box serves Lightning Addresses for its users. Payments are
relayed to the user's own node when it is online and held custodially
otherwise, to be withdrawn later over LNURL-withdraw.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(createWithdrawalCodeCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config load failed: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
