package room

import (
	"context"
	"sync"
	"time"

	"parlor/cmd/internal/limiter"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

// Conn is the I/O channel a session owns. The gateway wraps *websocket.Conn;
// tests substitute fakes.
type Conn interface {
	WriteText(ctx context.Context, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is the per-connection state tracked by a room.
//
// A session is in exactly one of three states: unregistered (name empty),
// registered (name set, at most once, never changed), quit (terminal).
// Every field except the send queue is owned by the room loop; the writer
// pump and TrySend touch only the queue and the done channel.
type Session struct {
	ID   string
	Addr string

	conn    Conn
	limiter *limiter.Client

	name     string
	lastSeen time.Time
	quit     bool
	blocked  [][]byte // withheld until registration, drained exactly once

	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func newSession(id, addr string, conn Conn, lim *limiter.Client, queue int) *Session {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &Session{
		ID:          id,
		Addr:        addr,
		conn:        conn,
		limiter:     lim,
		blocked:     make([][]byte, 0, 8),
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "bye",
	}
}

func newSessionID() string {
	return ulid.Make().String()
}

// TrySend queues a payload for delivery without blocking. False means the
// session is shutting down or its queue is full; the room treats either as a
// delivery failure.
func (s *Session) TrySend(p []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- p:
		return true
	default:
		return false
	}
}

// closeWith signals the writer pump to drain and close the connection with
// the given code. Idempotent; send stays open so a concurrent broadcaster
// never hits a closed channel.
func (s *Session) closeWith(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// writeLoop drains the send queue onto the connection. It owns the close
// handshake: on shutdown it flushes what was already queued, then closes the
// connection with the code recorded by closeWith. onFail is invoked at most
// once, from this goroutine, when a delivery fails.
func (s *Session) writeLoop(timeout time.Duration, onFail func(error)) {
	write := func(p []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.conn.WriteText(ctx, p)
	}

	for {
		select {
		case <-s.done:
			for {
				select {
				case p := <-s.send:
					if err := write(p); err != nil {
						_ = s.conn.Close(websocket.StatusAbnormalClosure, "write failed")
						return
					}
				default:
					_ = s.conn.Close(s.closeCode, s.closeReason)
					return
				}
			}
		case p := <-s.send:
			if err := write(p); err != nil {
				onFail(err)
				_ = s.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}
