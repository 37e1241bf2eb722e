package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// GatewayConfig tunes the websocket entry point.
type GatewayConfig struct {
	// InsecureOrigins disables origin verification (dev only).
	InsecureOrigins bool

	// OriginPatterns are host patterns authorized for cross-origin upgrades.
	OriginPatterns []string

	// ReadLimit bounds a single inbound frame in bytes.
	ReadLimit int64

	// FrameRate/FrameBurst bound inbound frames per connection. This is an
	// abuse backstop ahead of the per-address cooldown limiter; frames over
	// the bound are dropped with an error notice, the connection stays open.
	FrameRate  rate.Limit
	FrameBurst int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = maxFrameBytes
	}
	if c.FrameRate <= 0 {
		c.FrameRate = defaultFrameRate
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = defaultFrameBurst
	}
	return c
}

// Gateway is the HTTP surface rooms are reached through: room allocation and
// the duplex stream upgrade.
type Gateway struct {
	log *slog.Logger
	reg *Registry
	cfg GatewayConfig
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, reg *Registry, cfg GatewayConfig) *Gateway {
	return &Gateway{log: log, reg: reg, cfg: cfg.withDefaults()}
}

// Register mounts the room entry points on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/room", g.handleCreate)
	mux.HandleFunc("GET /api/room/{name}/websocket", g.handleWS)
}

// handleCreate allocates a new unique room identifier.
func (g *Gateway) handleCreate(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, NewID())
}

// handleWS upgrades the request and runs the connection's read loop until it
// ends. Identifiers of an unusable shape are a 404; non-upgrade requests a
// 400.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := ResolveID(r.PathValue("name"))
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "expected websocket", http.StatusBadRequest)
		return
	}

	rm, err := g.reg.Resolve(id)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.InsecureOrigins,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "room", id, "err", err)
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)

	addr := clientAddr(r)
	sess, err := rm.Attach(r.Context(), wsConn{conn}, addr)
	if err != nil {
		// Setup failure: no partial session is left behind; the client gets
		// a diagnostic close.
		g.log.Error("ws.setup.fail", "room", id, "addr", addr, "err", err)
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Write(wctx, websocket.MessageText, errorFrame("session setup failed"))
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	g.readLoop(r.Context(), rm, sess, conn)
}

func (g *Gateway) readLoop(ctx context.Context, rm *Room, sess *Session, conn *websocket.Conn) {
	guard := rate.NewLimiter(g.cfg.FrameRate, g.cfg.FrameBurst)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rm.Detach(sess, readCloseReason(err))
			return
		}

		if !guard.Allow() {
			_ = sess.TrySend(errorFrame("Too many frames, slow down."))
			continue
		}

		if err := rm.Inbound(sess, data); err != nil {
			// Room stopped underneath us.
			return
		}
	}
}

func readCloseReason(err error) string {
	switch {
	case websocket.CloseStatus(err) != -1:
		return "peer closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context done"
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return "connection closed"
	default:
		return "read failed"
	}
}

// clientAddr extracts the originating address, preferring proxy headers so
// limiter state is keyed by the real client rather than the proxy.
func clientAddr(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn adapts *websocket.Conn to the session's Conn interface.
type wsConn struct{ c *websocket.Conn }

func (w wsConn) WriteText(ctx context.Context, p []byte) error {
	return w.c.Write(ctx, websocket.MessageText, p)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
