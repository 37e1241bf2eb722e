// Package limiter implements the per-address cooldown limiter: a service that
// owns next-allowed-time state per originating address, and a resilient
// per-connection client that degrades to fail-open when the service is
// unreachable.
package limiter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults mirror the production tuning; all of them are configurable.
const (
	defaultWritePenalty = 5 * time.Second
	defaultIdleAfter    = 15 * time.Minute
)

// ServiceConfig tunes cooldown arithmetic and actor lifetime.
type ServiceConfig struct {
	// WritePenalty is added to next-allowed-time on every write query.
	WritePenalty time.Duration

	// Grace is subtracted from the reported cooldown so callers rarely wait
	// the full nominal window (absorbs round-trip and client-side delay).
	// Zero is valid and reports the full window; negative is clamped to zero.
	Grace time.Duration

	// IdleAfter retires an address actor that has been quiet for this long
	// and whose cooldown has fully expired.
	IdleAfter time.Duration

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.WritePenalty <= 0 {
		c.WritePenalty = defaultWritePenalty
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = defaultIdleAfter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Service hosts one actor goroutine per originating address. All mutation of
// an address's next-allowed-time happens inside its actor loop, so concurrent
// callers serialize through a channel rather than shared memory.
type Service struct {
	log *slog.Logger
	cfg ServiceConfig

	mu     sync.Mutex
	actors map[string]*actor
}

type query struct {
	write bool
	reply chan time.Duration
}

type actor struct {
	queries chan query
	done    chan struct{}
}

// NewService constructs a Service with defaults applied.
func NewService(log *slog.Logger, cfg ServiceConfig) *Service {
	return &Service{
		log:    log,
		cfg:    cfg.withDefaults(),
		actors: make(map[string]*actor),
	}
}

// Handle returns a Backend bound to one address. Handles are cheap; one is
// typically created per connection.
func (s *Service) Handle(addr string) *Handle {
	return &Handle{svc: s, addr: addr}
}

// Dialer adapts Handle creation to the client's dial contract.
func (s *Service) Dialer(addr string) Dialer {
	return func() (Backend, error) {
		return s.Handle(addr), nil
	}
}

func (s *Service) actorFor(addr string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.actors[addr]; ok {
		return a
	}
	a := &actor{
		queries: make(chan query),
		done:    make(chan struct{}),
	}
	s.actors[addr] = a
	go s.run(addr, a)
	return a
}

// retire removes the actor from the map and closes done under the same lock,
// so actorFor never hands out a retired actor.
func (s *Service) retire(addr string, a *actor) {
	s.mu.Lock()
	if s.actors[addr] == a {
		delete(s.actors, addr)
	}
	close(a.done)
	s.mu.Unlock()
}

func (s *Service) run(addr string, a *actor) {
	var nextAllowed time.Time

	idle := time.NewTimer(s.cfg.IdleAfter)
	defer idle.Stop()

	for {
		select {
		case q := <-a.queries:
			now := s.cfg.Now()
			if nextAllowed.Before(now) {
				nextAllowed = now
			}
			if q.write {
				nextAllowed = nextAllowed.Add(s.cfg.WritePenalty)
			}
			cooldown := nextAllowed.Sub(now) - s.cfg.Grace
			if cooldown < 0 {
				cooldown = 0
			}
			q.reply <- cooldown

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleAfter)

		case <-idle.C:
			// Never discard state mid-cooldown: retiring then would let the
			// address restart with a clean slate.
			if s.cfg.Now().Before(nextAllowed) {
				idle.Reset(s.cfg.IdleAfter)
				continue
			}
			s.retire(addr, a)
			if s.log != nil {
				s.log.Debug("limiter.actor.retire", "addr", addr)
			}
			return
		}
	}
}

// Handle is an in-process Backend bound to one address.
type Handle struct {
	svc  *Service
	addr string
}

// Query runs one cooldown query against the address actor.
// A write query extends next-allowed-time by the configured penalty;
// reads never move it backward.
func (h *Handle) Query(ctx context.Context, write bool) (time.Duration, error) {
	q := query{write: write, reply: make(chan time.Duration, 1)}
	for {
		a := h.svc.actorFor(h.addr)
		select {
		case a.queries <- q:
			select {
			case cooldown := <-q.reply:
				return cooldown, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		case <-a.done:
			// Actor retired between lookup and send; a fresh one picks up
			// with expired state, which is equivalent.
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
