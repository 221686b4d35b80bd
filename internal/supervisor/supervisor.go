package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultCap        = 10 * time.Second
)

// Config holds the retry policy for the persistent transport.
// Optional fields with defaults:
// - MaxRetries: retries after the initial attempt (default: 3)
// - BaseDelay: backoff base (default: 1s)
// - Cap: backoff ceiling (default: 10s)
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Cap        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.Cap == 0 {
		c.Cap = defaultCap
	}
	return c
}

// DialFunc opens one transport connection attempt.
type DialFunc func(ctx context.Context) (repositories.DuplexConn, error)

// Supervisor manages the lifecycle of a persistent backend connection:
// connect with exponential-backoff retries, and reconnect after a mid-session
// drop with the attempt counter restarted from zero, since a previously
// working session dropping is a different failure class than never having
// connected. After the retry budget is exhausted it parks in the failed state
// and returns *entities.ConnectionFailure instead of retrying forever.
type Supervisor struct {
	cfg    Config
	dial   DialFunc
	clock  clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	state         entities.ConnectionState
	everConnected bool
	watchers      []func(entities.ConnectionState)
}

// New creates a supervisor around dial. clk may be nil for the real clock.
func New(cfg Config, dial DialFunc, clk clock.Clock, logger *zap.Logger) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		clock:  clk,
		logger: logger,
		state:  entities.ConnDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() entities.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a watcher invoked on every state transition.
func (s *Supervisor) OnStateChange(fn func(entities.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Dial connects with the configured retry policy. The first call is an
// initial connect; subsequent calls are mid-session reconnects and restart
// the backoff from attempt zero. Blocks until connected, the budget is
// exhausted, or ctx is done.
func (s *Supervisor) Dial(ctx context.Context) (repositories.DuplexConn, error) {
	s.mu.Lock()
	reconnect := s.everConnected
	s.mu.Unlock()
	if reconnect {
		s.setState(entities.ConnReconnecting)
	} else {
		s.setState(entities.ConnConnecting)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, s.cfg.BaseDelay, s.cfg.Cap)
			s.logger.Info("retrying connection",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-s.clock.After(delay):
			case <-ctx.Done():
				s.setState(entities.ConnDisconnected)
				return nil, ctx.Err()
			}
		}
		attempts++
		conn, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			s.everConnected = true
			s.mu.Unlock()
			s.setState(entities.ConnConnected)
			s.logger.Info("connected", zap.Int("attempts", attempts))
			return conn, nil
		}
		lastErr = err
		s.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.setState(entities.ConnFailed)
	return nil, &entities.ConnectionFailure{Attempts: attempts, Err: lastErr}
}

// MarkDisconnected records an observed transport drop before a reconnect is
// attempted.
func (s *Supervisor) MarkDisconnected() {
	s.setState(entities.ConnDisconnected)
}

func (s *Supervisor) setState(state entities.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	watchers := append(([]func(entities.ConnectionState))(nil), s.watchers...)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(state)
	}
}

// backoffDelay is min(base * 2^attempt, cap).
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
