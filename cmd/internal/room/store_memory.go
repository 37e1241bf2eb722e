package room

import (
	"context"
	"errors"
	"sync"
)

const memMaxMessagesPerRoom = 10_000

// InMemoryStore is the dev/test fallback when no database is configured.
// History survives room restarts within one process, nothing more.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	msgs []StoredMessage // append-only, ordered by timestamp
	atts map[string]Attachment
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]*memRoom)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) roomLocked(roomID string) *memRoom {
	r := s.rooms[roomID]
	if r == nil {
		r = &memRoom{
			msgs: make([]StoredMessage, 0, 256),
			atts: make(map[string]Attachment),
		}
		s.rooms[roomID] = r
	}
	return r
}

// Append stores one message. The room assigns strictly increasing
// timestamps, so appends arrive in key order already.
func (s *InMemoryStore) Append(ctx context.Context, roomID string, msg StoredMessage) error {
	if roomID == "" {
		return errors.New("room: missing room id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(roomID)
	r.msgs = append(r.msgs, msg)
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}
	return nil
}

// Recent returns the most recent limit messages, oldest first.
func (s *InMemoryStore) Recent(ctx context.Context, roomID string, limit int) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil || len(r.msgs) == 0 {
		return nil, nil
	}

	start := len(r.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]StoredMessage, len(r.msgs)-start)
	copy(out, r.msgs[start:])
	return out, nil
}

// LatestTimestamp returns the greatest persisted timestamp, if any.
func (s *InMemoryStore) LatestTimestamp(ctx context.Context, roomID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil || len(r.msgs) == 0 {
		return 0, false, nil
	}
	return r.msgs[len(r.msgs)-1].Timestamp, true, nil
}

// PutAttachment stores reattachment metadata for one connection.
func (s *InMemoryStore) PutAttachment(ctx context.Context, roomID, connID string, att Attachment) error {
	if roomID == "" || connID == "" {
		return errors.New("room: missing attachment key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomLocked(roomID).atts[connID] = att
	return nil
}

// Attachments returns all persisted attachments for a room.
func (s *InMemoryStore) Attachments(ctx context.Context, roomID string) (map[string]Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return nil, nil
	}
	out := make(map[string]Attachment, len(r.atts))
	for k, v := range r.atts {
		out[k] = v
	}
	return out, nil
}

// DeleteAttachment removes one connection's metadata. Missing keys are not
// an error.
func (s *InMemoryStore) DeleteAttachment(ctx context.Context, roomID, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rooms[roomID]; r != nil {
		delete(r.atts, connID)
	}
	return nil
}
