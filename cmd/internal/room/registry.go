package room

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrRoomIDShape rejects identifiers that are neither a 64-hex token nor
	// a usable name seed.
	ErrRoomIDShape = errors.New("room: identifier must be 64 lowercase hex characters")

	// ErrRoomNameTooLong rejects name seeds over 32 characters.
	ErrRoomNameTooLong = errors.New("room: name seed longer than 32 characters")
)

var roomIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NewID allocates a fresh unique room identifier.
func NewID() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ResolveID maps a client-supplied room reference to a canonical identifier:
// a 64-hex token passes through unchanged, anything else up to 32 characters
// is a deterministic name seed hashed with BLAKE2b-256.
func ResolveID(name string) (string, error) {
	if roomIDPattern.MatchString(name) {
		return name, nil
	}
	if name == "" {
		return "", ErrRoomIDShape
	}
	if len([]rune(name)) > maxSeedChars {
		return "", ErrRoomNameTooLong
	}
	sum := blake2b.Sum256([]byte(name))
	return hex.EncodeToString(sum[:]), nil
}

// Registry maps room identifiers to the single broadcaster instance
// authoritative for them, creating rooms lazily on first reference.
type Registry struct {
	log      *slog.Logger
	store    Store
	limiters LimiterFactory
	metrics  *Metrics
	cfg      Config

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs a Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, store Store, limiters LimiterFactory, metrics *Metrics, cfg Config) *Registry {
	return &Registry{
		log:      log,
		store:    store,
		limiters: limiters,
		metrics:  metrics,
		cfg:      cfg,
		rooms:    make(map[string]*Room),
	}
}

// Resolve returns the room for a canonical identifier, creating it if this
// is the first reference.
func (g *Registry) Resolve(id string) (*Room, error) {
	if !roomIDPattern.MatchString(id) {
		return nil, ErrRoomIDShape
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rm, ok := g.rooms[id]; ok {
		return rm, nil
	}
	rm := New(g.log, id, g.store, g.limiters, g.metrics, g.cfg)
	g.rooms[id] = rm
	g.log.Info("room.create", "room", id)
	return rm, nil
}

// Close stops every room.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, rm := range g.rooms {
		rm.Stop()
		delete(g.rooms, id)
	}
}
