// Package reconnect wraps an ingest.Source with a backoff/reconnect
// policy: a source whose event channel closes unexpectedly is retried
// with exponential backoff up to a bounded number of attempts. Once the
// attempts are exhausted, IngestDisconnectError is logged, the source's
// health state becomes Stopped and the event channel closes; the error
// is not returned to the engine.
package reconnect

import (
	"context"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/hyperproj/internal/health"
	"github.com/luxfi/hyperproj/internal/ingest"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// Dialer reconstructs a fresh ingest.Source, picking up from resumeFrom
// (the highest ordering already forwarded to the engine), e.g. re-establishing a websocket
// connection.
type Dialer func(ctx context.Context, resumeFrom int64) (ingest.Source, error)

// Config bounds the reconnect backoff.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int // 0 means unbounded
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Source wraps a Dialer, presenting one continuous ingest.Source to
// internal/engine while transparently redialing on disconnect.
type Source struct {
	dial   Dialer
	cfg    Config
	name   string
	log    gethlog.Logger
	health *health.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	events   chan ingest.Event
	acked    int64
	attempts int
}

// New starts the reconnect loop in a background goroutine and returns a
// Source that presents a single merged event channel for as long as
// redialing keeps succeeding (or until ctx is cancelled / MaxAttempts is
// exhausted, at which point IngestDisconnectError is logged and the
// event channel closes for good).
func New(ctx context.Context, name string, dial Dialer, cfg Config, log gethlog.Logger, tracker *health.Tracker) *Source {
	ctx, cancel := context.WithCancel(ctx)
	s := &Source{
		dial:   dial,
		cfg:    cfg.withDefaults(),
		name:   name,
		log:    log,
		health: tracker,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan ingest.Event, 256),
	}
	go s.run()
	return s
}

func (s *Source) run() {
	defer close(s.events)
	backoff := s.cfg.InitialBackoff
	resumeFrom := int64(0)

	for {
		if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
			vmerrors.Log(s.log, &vmerrors.IngestDisconnectError{
				Source: s.name,
				Err:    errExhausted,
			})
			s.health.SetState(s.name, health.Stopped)
			return
		}

		src, err := s.dial(s.ctx, resumeFrom)
		if err != nil {
			s.attempts++
			vmerrors.Log(s.log, &vmerrors.IngestDisconnectError{Source: s.name, Err: err})
			s.health.SetState(s.name, health.Backoff)
			if !s.sleepOrDone(backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
			continue
		}

		s.attempts = 0
		backoff = s.cfg.InitialBackoff
		s.health.SetState(s.name, health.Live)
		resumeFrom = s.drain(src, resumeFrom)
		if s.ctx.Err() != nil {
			return
		}
	}
}

// drain forwards src's events until its channel closes (a disconnect),
// tracking the highest ordering it has forwarded so the next dial can
// resume after it.
func (s *Source) drain(src ingest.Source, resumeFrom int64) int64 {
	defer src.Close()
	for {
		select {
		case <-s.ctx.Done():
			return resumeFrom
		case ev, ok := <-src.Events():
			if !ok {
				return resumeFrom
			}
			select {
			case s.events <- ev:
				if ev.Ordering > resumeFrom {
					resumeFrom = ev.Ordering
				}
			case <-s.ctx.Done():
				return resumeFrom
			}
		}
	}
}

func (s *Source) sleepOrDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (s *Source) Events() <-chan ingest.Event { return s.events }

func (s *Source) Ack(ordering int64) error {
	if ordering > s.acked {
		s.acked = ordering
	}
	return nil
}

func (s *Source) Resume(from int64) error { return nil }

func (s *Source) Close() error {
	s.cancel()
	return nil
}

var errExhausted = ingestDisconnectExhausted{}

type ingestDisconnectExhausted struct{}

func (ingestDisconnectExhausted) Error() string { return "reconnect attempts exhausted" }
