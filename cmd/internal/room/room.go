// Package room implements the chat broadcaster: per-room session ownership,
// message ordering, bounded history replay, and best-effort fan-out, plus the
// router that addresses rooms and the websocket gateway they are reached
// through.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parlor/cmd/internal/limiter"

	"github.com/coder/websocket"
)

// ErrRoomClosed is returned by operations posted to a stopped room.
var ErrRoomClosed = errors.New("room: closed")

const reasonStale = "stale"

// LimiterFactory builds the rate-limiter client for one originating address.
type LimiterFactory func(addr string) *limiter.Client

// Config tunes a room. Zero values select production defaults.
type Config struct {
	HistoryLimit int           // messages replayed to a joining session
	SendQueue    int           // per-session outbound queue length
	WriteTimeout time.Duration // single frame delivery bound
	SweepEvery   time.Duration // stale sweep interval
	StaleAfter   time.Duration // inactivity threshold for eviction

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Room owns every connection for one room identifier.
//
// A single goroutine owns the session map, the high-water-mark timestamp,
// and all state transitions; the exported surface posts closures onto the
// command channel, so no locking is needed for room state. History reads
// happen before a session becomes visible, and history writes go through a
// dedicated persist worker, so storage I/O never stalls the loop.
type Room struct {
	ID string

	log      *slog.Logger
	store    Store
	limiters LimiterFactory
	metrics  *Metrics
	cfg      Config

	cmds    chan func()
	persist chan StoredMessage
	done    chan struct{}
	stopped sync.Once

	// Loop-owned state.
	sessions map[string]*Session
	hwm      int64 // greatest timestamp assigned, unix ms, non-decreasing
}

// New constructs a room and starts its owning goroutine. The high-water mark
// is bootstrapped from the latest persisted message so timestamps stay
// strictly increasing across process restarts.
func New(log *slog.Logger, id string, store Store, limiters LimiterFactory, metrics *Metrics, cfg Config) *Room {
	r := &Room{
		ID:       id,
		log:      log,
		store:    store,
		limiters: limiters,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		cmds:     make(chan func(), 128),
		persist:  make(chan StoredMessage, 256),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	go r.run()
	go r.persistLoop()
	return r
}

func (r *Room) bootstrapHWM() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ts, ok, err := r.store.LatestTimestamp(ctx, r.ID)
	if err != nil {
		r.log.Warn("room.hwm.bootstrap.fail", "room", r.ID, "err", err)
		return
	}
	if ok {
		r.hwm = ts
	}
}

// Stop shuts the room down; every session is closed with a going-away code.
func (r *Room) Stop() {
	r.stopped.Do(func() { close(r.done) })
}

// Attach registers a new connection with the room.
//
// The recent history window is read before the session becomes visible to
// broadcasts, so the withheld queue is a consistent join-time snapshot:
// joined notices for current members first, then history oldest-first, then
// live traffic. A history read failure yields an empty replay, never a
// failed join.
func (r *Room) Attach(ctx context.Context, conn Conn, addr string) (*Session, error) {
	backlog, err := r.store.Recent(ctx, r.ID, r.cfg.HistoryLimit)
	if err != nil {
		r.log.Error("room.history.read.fail", "room", r.ID, "err", err)
		backlog = nil
	}

	sess := newSession(newSessionID(), addr, conn, r.limiters(addr), r.cfg.SendQueue)
	if err := r.do(func() { r.join(sess, backlog) }); err != nil {
		return nil, err
	}
	return sess, nil
}

// Inbound hands one payload from the connection's read loop to the room.
// Payloads from one connection are processed strictly in arrival order.
func (r *Room) Inbound(sess *Session, data []byte) error {
	return r.post(func() { r.handleInbound(sess, data) })
}

// Detach closes a session with a normal close code. Idempotent; detaching an
// already-quit session is a no-op.
func (r *Room) Detach(sess *Session, reason string) {
	_ = r.post(func() { r.closeSession(sess, websocket.StatusNormalClosure, reason) })
}

// Sweep evicts sessions idle past the staleness threshold. The room runs it
// on its own ticker; it is exported for hosts and tests that drive their own
// schedule.
func (r *Room) Sweep() error {
	return r.do(func() { r.sweepStale() })
}

// Reattached describes one still-open connection reported by the host after
// a suspend/resume cycle. Meta may be left zero; Restore then falls back to
// the attachment record persisted at registration.
type Reattached struct {
	ConnID string
	Conn   Conn
	Meta   Attachment
}

// Restore rebuilds the session map from reattached connections. Sessions are
// reconstructed from persisted metadata only; nothing in-memory is assumed
// to have survived. Restored sessions get no join-time snapshot (they
// already saw the room) and no joined notice is broadcast for them.
func (r *Room) Restore(ctx context.Context, conns []Reattached) ([]*Session, error) {
	// Read the attachment records off-loop, like the join-time history
	// prefetch. A read failure degrades entries without inline metadata to
	// unregistered sessions; it never fails the resume.
	var persisted map[string]Attachment
	for _, rc := range conns {
		if rc.ConnID != "" && rc.Conn != nil && rc.Meta.Addr == "" && rc.Meta.Name == "" {
			atts, err := r.store.Attachments(ctx, r.ID)
			if err != nil {
				r.log.Error("room.attachments.read.fail", "room", r.ID, "err", err)
			}
			persisted = atts
			break
		}
	}

	out := make([]*Session, 0, len(conns))
	err := r.do(func() {
		for _, rc := range conns {
			if rc.ConnID == "" || rc.Conn == nil {
				continue
			}
			meta := rc.Meta
			if meta.Addr == "" && meta.Name == "" {
				meta = persisted[rc.ConnID]
			}
			sess := newSession(rc.ConnID, meta.Addr, rc.Conn, r.limiters(meta.Addr), r.cfg.SendQueue)
			sess.name = meta.Name
			sess.lastSeen = r.cfg.Now()
			sess.blocked = sess.blocked[:0]

			r.sessions[sess.ID] = sess
			go sess.writeLoop(r.cfg.WriteTimeout, func(err error) {
				r.Detach(sess, "write failed")
			})
			r.metrics.sessionJoined(r.ID)
			out = append(out, sess)
		}
		r.log.Info("room.restore", "room", r.ID, "sessions", len(out))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---- command plumbing ----

func (r *Room) post(fn func()) error {
	select {
	case r.cmds <- fn:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) do(fn func()) error {
	ran := make(chan struct{})
	if err := r.post(func() { fn(); close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) run() {
	// Bootstrapping inside the loop goroutine keeps the store read off the
	// construction path; commands posted meanwhile queue behind it.
	r.bootstrapHWM()

	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-ticker.C:
			r.sweepStale()
		case <-r.done:
			r.teardown()
			return
		}
	}
}

func (r *Room) teardown() {
	for id, s := range r.sessions {
		delete(r.sessions, id)
		s.quit = true
		s.closeWith(websocket.StatusGoingAway, "room closed")
		r.metrics.sessionLeft(r.ID, false)
	}
}

// ---- loop-owned operations ----

func (r *Room) join(sess *Session, backlog []StoredMessage) {
	sess.lastSeen = r.cfg.Now()

	for _, other := range r.sessions {
		if other.name != "" && !other.quit {
			sess.blocked = append(sess.blocked, joinedFrame(other.name))
		}
	}
	for _, m := range backlog {
		sess.blocked = append(sess.blocked, chatFrame(m))
	}

	r.sessions[sess.ID] = sess
	go sess.writeLoop(r.cfg.WriteTimeout, func(err error) {
		r.Detach(sess, "write failed")
	})

	r.metrics.sessionJoined(r.ID)
	r.log.Info("room.session.join", "room", r.ID, "session", sess.ID, "addr", sess.Addr)
}

func (r *Room) handleInbound(sess *Session, data []byte) {
	sess.lastSeen = r.cfg.Now()

	if sess.quit {
		sess.closeWith(websocket.StatusNormalClosure, "session ended")
		return
	}

	if !sess.limiter.CheckLimit() {
		r.metrics.rateLimited(r.ID)
		r.sendTo(sess, errorFrame("Your IP is being rate-limited, please try again later."))
		return
	}

	in, err := parseInbound(data)
	if err != nil {
		r.sendTo(sess, errorFrame("Invalid message format."))
		return
	}

	// Keepalive bypasses the session state machine entirely.
	if in.Type == "ping" {
		r.sendTo(sess, pongFrame())
		return
	}

	if sess.name == "" {
		r.register(sess, in.Name)
		return
	}
	r.chat(sess, in.Message)
}

// register handles the one-time name claim of an unregistered session.
func (r *Room) register(sess *Session, rawName string) {
	name := truncateRunes(rawName, maxNameChars)
	if name == "" {
		r.sendTo(sess, errorFrame("Name cannot be empty."))
		r.closeSession(sess, websocket.StatusProtocolError, "invalid name")
		return
	}

	// Drain the withheld snapshot exactly once, before any live frame. The
	// name is claimed only after the drain succeeds: a failed delivery here
	// closes a session that was never announced, and an unannounced session
	// must not produce a quit notice.
	blocked := sess.blocked
	sess.blocked = nil
	for _, p := range blocked {
		if !sess.TrySend(p) {
			r.closeSession(sess, websocket.StatusAbnormalClosure, "delivery failed")
			return
		}
	}
	sess.name = name

	att := Attachment{Addr: sess.Addr, Name: name, UpdatedAt: r.cfg.Now()}
	go r.saveAttachment(sess.ID, att)

	r.broadcast(joinedFrame(name))
	r.sendTo(sess, readyFrame())
	r.log.Info("room.session.register", "room", r.ID, "session", sess.ID, "name", name)
}

// chat stamps, broadcasts, and persists one chat message from a registered
// session.
func (r *Room) chat(sess *Session, rawBody string) {
	body := truncateRunes(rawBody, maxBodyChars)
	if body == "" {
		r.sendTo(sess, errorFrame("Message cannot be empty."))
		return
	}

	ts := r.cfg.Now().UnixMilli()
	if ts <= r.hwm {
		ts = r.hwm + 1
	}
	r.hwm = ts

	msg := StoredMessage{Name: sess.name, Message: body, Timestamp: ts}
	r.broadcast(chatFrame(msg))
	r.metrics.message(r.ID)

	// Best-effort persistence: a full queue drops the write, never the
	// delivery.
	select {
	case r.persist <- msg:
	default:
		r.log.Warn("room.persist.queue_full", "room", r.ID, "ts", ts)
	}
}

// broadcast fans a payload out to every registered, live session; sessions
// without a name have it withheld instead. Failed deliveries are collected
// during the pass and their quit notices broadcast afterwards, never while
// iterating the session map.
func (r *Room) broadcast(payload []byte) {
	var failed []*Session
	for _, s := range r.sessions {
		if s.quit {
			continue
		}
		if s.name == "" {
			s.blocked = append(s.blocked, payload)
			continue
		}
		if s.TrySend(payload) {
			s.lastSeen = r.cfg.Now()
		} else {
			failed = append(failed, s)
		}
	}

	for _, s := range failed {
		r.closeSession(s, websocket.StatusAbnormalClosure, "delivery failed")
	}
}

// closeSession is the single terminal transition. Idempotent. A quit notice
// is broadcast only for sessions that had registered a name, so a quit can
// never precede its own joined notice.
func (r *Room) closeSession(sess *Session, code websocket.StatusCode, reason string) {
	if sess.quit {
		return
	}
	sess.quit = true
	delete(r.sessions, sess.ID)
	sess.closeWith(code, reason)

	go r.deleteAttachment(sess.ID)

	if sess.name != "" {
		r.broadcast(quitFrame(sess.name))
	}

	r.metrics.sessionLeft(r.ID, reason == reasonStale)
	r.log.Info("room.session.close",
		"room", r.ID, "session", sess.ID, "name", sess.name, "reason", reason)
}

func (r *Room) sweepStale() {
	cut := r.cfg.Now().Add(-r.cfg.StaleAfter)

	var stale []*Session
	for _, s := range r.sessions {
		if s.lastSeen.Before(cut) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		r.closeSession(s, websocket.StatusGoingAway, reasonStale)
	}
}

// sendTo delivers a frame to one session; a full queue is a delivery
// failure like any other.
func (r *Room) sendTo(sess *Session, payload []byte) {
	if !sess.TrySend(payload) {
		r.closeSession(sess, websocket.StatusAbnormalClosure, "delivery failed")
	}
}

// ---- background I/O ----

func (r *Room) persistLoop() {
	for {
		select {
		case msg := <-r.persist:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.store.Append(ctx, r.ID, msg)
			cancel()
			if err != nil {
				r.log.Error("room.persist.fail", "room", r.ID, "ts", msg.Timestamp, "err", err)
			}
		case <-r.done:
			return
		}
	}
}

func (r *Room) saveAttachment(connID string, att Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.PutAttachment(ctx, r.ID, connID, att); err != nil {
		r.log.Error("room.attachment.save.fail", "room", r.ID, "session", connID, "err", err)
	}
}

func (r *Room) deleteAttachment(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.DeleteAttachment(ctx, r.ID, connID); err != nil {
		r.log.Error("room.attachment.delete.fail", "room", r.ID, "session", connID, "err", err)
	}
}
