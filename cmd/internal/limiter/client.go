package limiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxFailures  = 3
	defaultCooldownCap  = 10 * time.Second
	defaultRetryDelay   = 1 * time.Second
	defaultQueryTimeout = 2 * time.Second
)

// Backend is the limiter transport seen by a Client. The in-process Handle,
// the Redis-backed variant, and test doubles all implement it.
type Backend interface {
	Query(ctx context.Context, write bool) (time.Duration, error)
}

// Dialer returns a fresh Backend. The client re-dials after a transport
// failure before retrying.
type Dialer func() (Backend, error)

// ClientConfig tunes the per-connection client.
type ClientConfig struct {
	// MaxFailures is the consecutive-failure count at which the client stops
	// enforcing limits and admits everything (fail-open).
	MaxFailures int

	// CooldownCap bounds the self-imposed cooldown regardless of what the
	// service reports.
	CooldownCap time.Duration

	// RetryDelay is the pause after a failed background attempt.
	RetryDelay time.Duration

	// QueryTimeout bounds a single backend round trip.
	QueryTimeout time.Duration

	// Sleep defaults to time.Sleep. Injectable for tests.
	Sleep func(time.Duration)

	// ReportError, when set, is invoked once the client goes fail-open.
	ReportError func(error)
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = defaultCooldownCap
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	return c
}

// Client wraps limiter access for one connection.
//
// CheckLimit never blocks: it answers from local cooldown state and performs
// the actual service query in the background. Rate limiting degrades to
// fail-open rather than blocking chat when the service is unreachable.
type Client struct {
	log  *slog.Logger
	dial Dialer
	cfg  ClientConfig

	mu         sync.Mutex
	backend    Backend
	inCooldown bool
	failures   int
}

// NewClient constructs a Client and eagerly dials a backend. A failed initial
// dial is tolerated; the background task re-dials on demand.
func NewClient(log *slog.Logger, dial Dialer, cfg ClientConfig) *Client {
	c := &Client{
		log:  log,
		dial: dial,
		cfg:  cfg.withDefaults(),
	}
	if b, err := dial(); err == nil {
		c.backend = b
	}
	return c
}

// CheckLimit reports whether the next action from this connection is
// admitted. A denial means the connection is inside a cooldown window begun
// by a prior admitted action. A nil client admits everything.
func (c *Client) CheckLimit() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	if c.inCooldown {
		c.mu.Unlock()
		return false
	}
	if c.failures >= c.cfg.MaxFailures {
		c.mu.Unlock()
		return true
	}
	c.inCooldown = true
	c.mu.Unlock()

	go c.callLimiter()
	return true
}

// callLimiter issues a write query, holds the cooldown for the reported
// duration, then clears it. On transport failure it re-dials once; a second
// failure clears the cooldown immediately so the caller is not stuck denied.
func (c *Client) callLimiter() {
	cooldown, err := c.queryOnce()
	if err != nil {
		if b, dialErr := c.dial(); dialErr == nil {
			c.mu.Lock()
			c.backend = b
			c.mu.Unlock()
			cooldown, err = c.queryOnce()
		}
	}

	if err != nil {
		c.mu.Lock()
		c.failures++
		c.inCooldown = false
		failures := c.failures
		c.mu.Unlock()

		if failures >= c.cfg.MaxFailures {
			c.log.Warn("limiter.fail_open", "failures", failures, "err", err)
			if c.cfg.ReportError != nil {
				c.cfg.ReportError(err)
			}
			return
		}
		c.log.Warn("limiter.query.fail", "failures", failures, "err", err)
		c.cfg.Sleep(c.cfg.RetryDelay)
		return
	}

	if cooldown < 0 {
		cooldown = time.Second
	}
	if cooldown > c.cfg.CooldownCap {
		cooldown = c.cfg.CooldownCap
	}
	c.cfg.Sleep(cooldown)

	c.mu.Lock()
	c.inCooldown = false
	c.failures = 0
	c.mu.Unlock()
}

func (c *Client) queryOnce() (time.Duration, error) {
	c.mu.Lock()
	b := c.backend
	c.mu.Unlock()

	if b == nil {
		return 0, errors.New("limiter: no backend")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	defer cancel()
	return b.Query(ctx, true)
}
