package limiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingBackend struct{ calls atomic.Int64 }

func (b *failingBackend) Query(_ context.Context, _ bool) (time.Duration, error) {
	b.calls.Add(1)
	return 0, errors.New("limiter backend down")
}

type fixedBackend struct{ cooldown time.Duration }

func (b fixedBackend) Query(_ context.Context, _ bool) (time.Duration, error) {
	return b.cooldown, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCheckLimit_DeniedWithinCooldownWindow(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, ServiceConfig{
		WritePenalty: 5 * time.Second,
		Grace:        0,
		Now:          fixedNow(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})

	slept := make(chan time.Duration, 1)
	release := make(chan struct{})
	c := NewClient(discardLogger(), svc.Dialer("1.2.3.4"), ClientConfig{
		Sleep: func(d time.Duration) {
			slept <- d
			<-release
		},
	})

	if !c.CheckLimit() {
		t.Fatal("first CheckLimit should be admitted")
	}
	if c.CheckLimit() {
		t.Fatal("second CheckLimit within the cooldown window should be denied")
	}

	select {
	case d := <-slept:
		if d != 5*time.Second {
			t.Fatalf("client slept %v, want 5s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background task never reached its cooldown sleep")
	}

	close(release)
	waitFor(t, c.CheckLimit, "cooldown never cleared after sleep")
}

func TestCheckLimit_FailOpenAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{}
	var reported atomic.Int64

	c := NewClient(discardLogger(),
		func() (Backend, error) { return backend, nil },
		ClientConfig{
			MaxFailures: 3,
			RetryDelay:  time.Millisecond,
			Sleep:       func(time.Duration) {},
			ReportError: func(error) { reported.Add(1) },
		})

	for i := 0; i < 3; i++ {
		if !c.CheckLimit() {
			// Still mid background attempt; wait for the cooldown flag to clear.
			waitFor(t, func() bool {
				c.mu.Lock()
				defer c.mu.Unlock()
				return !c.inCooldown
			}, "cooldown flag stuck after backend failure")
			i--
			continue
		}
		want := i + 1
		waitFor(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.failures >= want
		}, "failure count never advanced")
	}

	// Fail-open: every subsequent check is admitted without a backend call.
	before := backend.calls.Load()
	for i := 0; i < 10; i++ {
		if !c.CheckLimit() {
			t.Fatalf("CheckLimit %d denied after fail-open", i)
		}
	}
	if got := backend.calls.Load(); got != before {
		t.Fatalf("fail-open client still queried backend: %d -> %d", before, got)
	}
	if reported.Load() == 0 {
		t.Fatal("ReportError was never invoked")
	}
}

func TestCheckLimit_RetriesOnceWithFreshBackend(t *testing.T) {
	t.Parallel()

	var dials atomic.Int64
	dead := &failingBackend{}
	dial := func() (Backend, error) {
		if dials.Add(1) == 1 {
			return dead, nil
		}
		return fixedBackend{cooldown: 0}, nil
	}

	c := NewClient(discardLogger(), dial, ClientConfig{
		Sleep: func(time.Duration) {},
	})

	if !c.CheckLimit() {
		t.Fatal("CheckLimit should be admitted optimistically")
	}

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inCooldown && c.failures == 0
	}, "retry with fresh backend never succeeded")

	if got := dials.Load(); got != 2 {
		t.Fatalf("dial count = %d, want 2 (construction + re-dial)", got)
	}
	if got := dead.calls.Load(); got != 1 {
		t.Fatalf("dead backend queried %d times, want 1", got)
	}
}
