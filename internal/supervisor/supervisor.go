// Package supervisor keeps long-lived LND streams alive. A stream function
// runs until it fails; the supervisor waits and runs it again.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type State string

const (
	StateConnecting   State = "CONNECTING"
	StateStreaming    State = "STREAMING"
	StateReconnecting State = "RECONNECTING"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
	// A stream that stayed up this long resets the backoff.
	healthyAfter = time.Minute
)

// StreamFunc opens a stream and consumes it until it ends. It calls
// streaming once the subscription is established.
type StreamFunc func(ctx context.Context, streaming func()) error

type Supervisor struct {
	name       string
	logger     zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	onState    func(State)
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

type Option func(*Supervisor)

func WithBackoff(min, max time.Duration) Option {
	return func(s *Supervisor) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

func WithStateListener(fn func(State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

func New(name string, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:       name,
		logger:     logger,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		onState:    func(State) {},
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, fn StreamFunc) {
	backoff := s.minBackoff
	s.onState(StateConnecting)

	for {
		started := s.now()
		// Each attempt gets its own context so a stream abandoned by fn is
		// torn down before the next subscription opens.
		attemptCtx, cancel := context.WithCancel(ctx)
		err := fn(attemptCtx, func() {
			s.onState(StateStreaming)
			s.logger.Info().Str("stream", s.name).Msg("stream established")
		})
		cancel()
		if ctx.Err() != nil {
			return
		}

		if s.now().Sub(started) >= healthyAfter {
			backoff = s.minBackoff
		}

		s.onState(StateReconnecting)
		ev := s.logger.Warn().Str("stream", s.name).Dur("retry_in", backoff)
		if err != nil && !errors.Is(err, context.Canceled) {
			ev = ev.Err(err)
		}
		ev.Msg("stream ended")

		if err := s.sleep(ctx, backoff); err != nil {
			return
		}
		backoff = nextBackoff(backoff, s.maxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
