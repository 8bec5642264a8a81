package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hsjoberg/lightning-box/internal/auth"
	"github.com/hsjoberg/lightning-box/internal/config"
	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/lnurlpay"
	"github.com/hsjoberg/lightning-box/internal/logging"
	"github.com/hsjoberg/lightning-box/internal/server"
	"github.com/hsjoberg/lightning-box/internal/settlement"
	"github.com/hsjoberg/lightning-box/internal/users"
	"github.com/hsjoberg/lightning-box/internal/withdraw"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the LND subscriptions",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(ctx, cfg.Database, logging.Component(logger, "ledger"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	node := lndclient.New(cfg.LND, logging.Component(logger, "lnd"))
	if info, err := node.GetInfo(ctx); err != nil {
		logger.Warn().Err(err).Msg("lnd not reachable at startup")
	} else {
		logger.Info().Str("pubkey", info.Pubkey).Str("alias", info.Alias).Msg("connected to lnd")
	}

	challenges, closeChallenges, err := openChallenges(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChallenges()

	forwarder := lnurlpay.NewForwarder(node, cfg.LNURL.ForwardTimeout, logging.Component(logger, "forwarder"))
	pay := lnurlpay.NewService(store, node, forwarder, lnurlpay.Options{
		Domain:           cfg.Domain,
		DomainURL:        cfg.DomainURL,
		DisableCustodial: cfg.LNURL.DisableCustodial,
		MinSendableMsat:  cfg.LNURL.MinSendableMsat,
		MaxSendableMsat:  cfg.LNURL.MaxSendableMsat,
		CommentAllowed:   cfg.LNURL.CommentAllowed,
	}, logging.Component(logger, "lnurlpay"))
	coordinator := withdraw.NewCoordinator(store, node, challenges, cfg.Domain, cfg.DomainURL, logging.Component(logger, "withdraw"))
	userSvc := users.NewService(auth.NewVerifier(node), store, node, cfg.Domain, logging.Component(logger, "users"))
	watcher := settlement.NewWatcher(node, store, logging.Component(logger, "settlement"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		forwarder.Run(ctx)
	}()

	srv := server.New(cfg, logging.Component(logger, "http"), server.Deps{
		Pay:      pay,
		Withdraw: coordinator,
		Users:    userSvc,
		Node:     node,
	})
	err = srv.Run(ctx)
	stop()

	wg.Wait()
	if pending := coordinator.WaitTimeout(cfg.Withdraw.DrainTimeout); len(pending) > 0 {
		logger.Warn().Strs("users", pending).Msg("withdrawals still in flight at shutdown, check the node before restarting")
	}
	logger.Info().Msg("shutdown complete")
	return err
}

// openChallenges picks Redis when configured, which moves k1 values out of
// process memory. Keys carry a per-boot prefix, so a restart still
// invalidates outstanding challenges.
func openChallenges(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (withdraw.ChallengeStore, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info().Dur("ttl", cfg.Withdraw.ChallengeTTL).Msg("withdraw challenges kept in memory")
		return withdraw.NewMemoryChallenges(cfg.Withdraw.ChallengeTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("withdraw challenges kept in redis")
	return withdraw.NewRedisChallenges(rdb, cfg.Withdraw.ChallengeTTL), func() { _ = rdb.Close() }, nil
}
