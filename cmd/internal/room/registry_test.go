package room

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestNewID_Shape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if !hex64.MatchString(id) {
			t.Fatalf("NewID produced %q, want 64 lowercase hex", id)
		}
		if seen[id] {
			t.Fatalf("NewID repeated %q", id)
		}
		seen[id] = true
	}
}

func TestResolveID(t *testing.T) {
	t.Parallel()

	token := NewID()

	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "hex token passes through", in: token},
		{name: "name seed", in: "lobby"},
		{name: "unicode seed", in: "каминная"},
		{name: "max length seed", in: strings.Repeat("a", 32)},
		{name: "empty", in: "", wantErr: ErrRoomIDShape},
		{name: "too long", in: strings.Repeat("a", 33), wantErr: ErrRoomNameTooLong},
		{name: "uppercase hex is a seed not a token", in: strings.ToUpper(token)[:32]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ResolveID(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ResolveID(%q) err = %v, want %v", tc.in, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveID(%q): %v", tc.in, err)
			}
			if !hex64.MatchString(got) {
				t.Fatalf("ResolveID(%q) = %q, want canonical 64-hex", tc.in, got)
			}
		})
	}
}

func TestResolveID_HexTokenUnchanged(t *testing.T) {
	t.Parallel()

	token := NewID()
	got, err := ResolveID(token)
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if got != token {
		t.Fatalf("hex token was rewritten: %q -> %q", token, got)
	}
}

func TestResolveID_SeedDeterministic(t *testing.T) {
	t.Parallel()

	a, err := ResolveID("lobby")
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	b, err := ResolveID("lobby")
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if a != b {
		t.Fatalf("same seed resolved to different rooms: %q vs %q", a, b)
	}

	c, err := ResolveID("other")
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if a == c {
		t.Fatal("distinct seeds resolved to the same room")
	}
}

func TestRegistry_LazyCreateAndReuse(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger(), NewInMemoryStore(), admitAll, nil, Config{})
	t.Cleanup(reg.Close)

	id := NewID()
	r1, err := reg.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r2, err := reg.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r1 != r2 {
		t.Fatal("second resolve created a new room instance")
	}

	other, err := reg.Resolve(NewID())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if other == r1 {
		t.Fatal("distinct identifiers share a room instance")
	}
}

func TestRegistry_RejectsUncanonicalID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger(), NewInMemoryStore(), admitAll, nil, Config{})
	t.Cleanup(reg.Close)

	if _, err := reg.Resolve("lobby"); !errors.Is(err, ErrRoomIDShape) {
		t.Fatalf("expected ErrRoomIDShape for raw seed, got %v", err)
	}
}

// stalledBootstrapStore wedges the high-water-mark read until released, as a
// slow database would.
type stalledBootstrapStore struct {
	Store
	release chan struct{}
}

func (s *stalledBootstrapStore) LatestTimestamp(ctx context.Context, roomID string) (int64, bool, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return 0, false, nil
}

func TestRegistry_ResolveNotBlockedByStoreReads(t *testing.T) {
	t.Parallel()

	store := &stalledBootstrapStore{Store: NewInMemoryStore(), release: make(chan struct{})}
	t.Cleanup(func() { close(store.release) })

	reg := NewRegistry(discardLogger(), store, admitAll, nil, Config{})
	t.Cleanup(reg.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			if _, err := reg.Resolve(NewID()); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve stalled behind a store read")
	}
}

func TestRegistry_CloseStopsRooms(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger(), NewInMemoryStore(), admitAll, nil, Config{})

	rm, err := reg.Resolve(NewID())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	reg.Close()

	if err := rm.Sweep(); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed after registry close, got %v", err)
	}
}
