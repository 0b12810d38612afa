package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

const catchUpTimeout = 15 * time.Second

// Supervisor drives the connection lifecycle. On loss it rebuilds the
// transport with bounded exponential backoff, replays the desired
// subscription set, and runs a catch-up fetch for every room with an
// active watermark before promoting the connection back to Connected.
// The backoff resets to the minimum after a reconnect that stays up
// for the stability window.
type Supervisor struct {
	cfg   Config
	clock clockwork.Clock
	mux   *Multiplexer
	subs  *Subscriptions
	dedup *Deduplicator
	api   *APIClient

	// ingest receives each fetched catch-up message. The session routes
	// it through the same serialized dedup-and-emit path the live
	// dispatch uses, so the two paths cannot reorder a room's stream.
	ingest func(domain.Message)
	// onTerminal fires once when the retry budget is exhausted.
	onTerminal func(error)

	attempts atomic.Int64
}

func NewSupervisor(
	cfg Config,
	clock clockwork.Clock,
	mux *Multiplexer,
	subs *Subscriptions,
	dedup *Deduplicator,
	api *APIClient,
	ingest func(domain.Message),
	onTerminal func(error),
) *Supervisor {
	cfg.normalize()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:        cfg,
		clock:      clock,
		mux:        mux,
		subs:       subs,
		dedup:      dedup,
		api:        api,
		ingest:     ingest,
		onTerminal: onTerminal,
	}
}

// Attempts returns the reconnect attempts made since the last stable
// connection.
func (s *Supervisor) Attempts() int64 {
	return s.attempts.Load()
}

// establishAndRestore performs one full connection attempt: transport
// handshake, subscription replay, catch-up fetch, then promotion to
// Connected. Any step failing aborts the attempt and leaves the
// connection torn down.
func (s *Supervisor) establishAndRestore(ctx context.Context) error {
	if err := s.mux.Establish(ctx); err != nil {
		return err
	}
	if err := s.subs.ReplayAll(ctx); err != nil {
		s.mux.teardown()
		return fmt.Errorf("replay subscriptions: %w", err)
	}
	if err := s.catchUp(ctx); err != nil {
		s.mux.teardown()
		return fmt.Errorf("catch-up fetch: %w", err)
	}
	s.mux.MarkConnected()
	return nil
}

// catchUp backfills every watermarked room from the persistence store.
// Each fetched message goes through ingest, whose dedup step keeps
// repeated fetches idempotent. Rooms fetch concurrently; within a room
// messages are fed in fetch order.
func (s *Supervisor) catchUp(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for roomID, watermark := range s.dedup.Watermarks() {
		roomID, watermark := roomID, watermark
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, catchUpTimeout)
			defer cancel()
			messages, err := s.api.FetchMessagesSince(fctx, roomID, watermark)
			if err != nil {
				return err
			}
			for _, msg := range messages {
				s.ingest(msg)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run blocks until ctx is cancelled or the retry budget is exhausted.
// It waits for transport loss, then retries establishAndRestore with
// growing delays.
func (s *Supervisor) Run(ctx context.Context) {
	delay := s.cfg.MinBackoff
	connectedAt := s.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.mux.Lost():
			log.L().Info().Err(err).Msg("reconnect cycle starting")
		}

		if s.clock.Since(connectedAt) >= s.cfg.StabilityWindow {
			delay = s.cfg.MinBackoff
			s.attempts.Store(0)
		}

		s.dedup.DropBuffers()
		s.mux.SetReconnecting()
		outageStart := s.clock.Now()

		for {
			if int(s.attempts.Load()) >= s.cfg.MaxAttempts || s.clock.Since(outageStart) >= s.cfg.MaxElapsed {
				s.mux.teardown()
				log.L().Error().
					Int64("attempts", s.attempts.Load()).
					Msg("reconnect budget exhausted")
				if s.onTerminal != nil {
					s.onTerminal(ErrConnectionLost)
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}

			attempt := s.attempts.Add(1)
			if err := s.establishAndRestore(ctx); err != nil {
				log.L().Warn().Err(err).
					Int64("attempt", attempt).
					Dur("next_delay", delay).
					Msg("reconnect attempt failed")
				delay = min(delay*2, s.cfg.MaxBackoff)
				s.mux.SetReconnecting()
				continue
			}

			connectedAt = s.clock.Now()
			log.L().Info().Int64("attempt", attempt).Msg("reconnected")
			break
		}
	}
}
