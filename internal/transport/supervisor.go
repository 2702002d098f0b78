package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/protocol"
	"github.com/vesper-ai/vesper/internal/util"
)

// Supervisor retries Connect with exponential backoff. It sits outside
// the session state machine: callers see a single Open that either
// yields a connected carrier or a context error.
type Supervisor struct {
	transport   Transport
	backoff     *util.Backoff
	maxAttempts int
	onAttempt   func()
	log         zerolog.Logger
}

// NewSupervisor wraps transport with retry behavior. The delay between
// attempts grows by factor up to maxDelay. maxAttempts of zero retries
// until ctx is cancelled. onAttempt is invoked once per retry after the
// first failure; pass nil to ignore.
func NewSupervisor(transport Transport, initial, maxDelay time.Duration, factor float64, maxAttempts int, onAttempt func(), log zerolog.Logger) *Supervisor {
	return &Supervisor{
		transport:   transport,
		backoff:     util.NewBackoff(initial, maxDelay, factor),
		maxAttempts: maxAttempts,
		onAttempt:   onAttempt,
		log:         log,
	}
}

// Open connects the underlying carrier, retrying on failure. The
// backoff resets after a successful connect.
func (s *Supervisor) Open(ctx context.Context) (*protocol.Hello, error) {
	attempt := 0
	for {
		hello, err := s.transport.Connect(ctx)
		if err == nil {
			s.backoff.Reset()
			return hello, nil
		}
		attempt++
		if s.maxAttempts > 0 && attempt >= s.maxAttempts {
			return nil, fmt.Errorf("connect failed after %d attempts: %w", attempt, err)
		}
		delay := s.backoff.Next()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).
			Msg("transport connect failed")
		if s.onAttempt != nil {
			s.onAttempt()
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
