package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/hsjoberg/lightning-box/internal/config"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/users"
	"github.com/hsjoberg/lightning-box/internal/withdraw"

	"github.com/rs/zerolog"
)

type PayService interface {
	PayRequest(ctx context.Context, username string) (any, error)
	Invoice(ctx context.Context, username string, amountMsat int64, comment string) (any, error)
}

type WithdrawService interface {
	Initiate(ctx context.Context, code string, balanceCheck bool) (withdraw.Offer, error)
	Callback(ctx context.Context, code, k1, pr string) error
}

type UserService interface {
	CheckEligibility(ctx context.Context, message, signature string) (*users.Profile, error)
	Register(ctx context.Context, message, signature string) (users.Profile, error)
	GetUser(ctx context.Context, message, signature string) (users.Profile, error)
}

type NodeInfoProvider interface {
	GetInfo(ctx context.Context) (lndclient.NodeInfo, error)
}

type Deps struct {
	Pay      PayService
	Withdraw WithdrawService
	Users    UserService
	Node     NodeInfoProvider
}

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	deps   Deps
}

func New(cfg *config.Config, logger zerolog.Logger, deps Deps) *Server {
	return &Server{cfg: cfg, logger: logger, deps: deps}
}

func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.Server.TLSCert != "" {
			s.logger.Info().Str("addr", "https://"+addr).Msg("listening")
			errCh <- httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
			return
		}
		s.logger.Info().Str("addr", "http://"+addr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
