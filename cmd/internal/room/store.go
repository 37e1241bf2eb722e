package room

import (
	"context"
	"time"
)

// StoredMessage is the unit of broadcast and persistence. Its JSON encoding
// is the wire shape delivered to clients.
type StoredMessage struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, unique within a room
}

// Attachment is the reattachable per-connection metadata a room writes on
// registration and reads on resume: everything needed to rebuild a session
// when in-memory state is gone.
type Attachment struct {
	Addr      string    `json:"addr"`
	Name      string    `json:"name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// tsKey renders a timestamp as its storage key: fixed-width UTC ISO-8601
// with millisecond precision, so lexicographic order is chronological order.
func tsKey(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// HistoryStore persists the bounded per-room message history.
type HistoryStore interface {
	// Append stores one message keyed by its timestamp. Duplicate keys are
	// overwritten; the room guarantees they cannot occur.
	Append(ctx context.Context, roomID string, msg StoredMessage) error

	// Recent returns up to limit of the most recent messages, oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]StoredMessage, error)

	// LatestTimestamp returns the greatest persisted timestamp, if any.
	LatestTimestamp(ctx context.Context, roomID string) (int64, bool, error)
}

// AttachmentStore persists reattachment metadata per connection.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, roomID, connID string, att Attachment) error
	Attachments(ctx context.Context, roomID string) (map[string]Attachment, error)
	DeleteAttachment(ctx context.Context, roomID, connID string) error
}

// Store is the persistence collaborator behind a registry. All writes for one
// room come from that room's owning goroutines.
type Store interface {
	HistoryStore
	AttachmentStore
	Close() error
}
