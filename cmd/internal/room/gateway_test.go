package room

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()

	reg := NewRegistry(discardLogger(), NewInMemoryStore(), admitAll, nil, Config{})
	t.Cleanup(reg.Close)

	gw := NewGateway(discardLogger(), reg, GatewayConfig{InsecureOrigins: true})
	mux := http.NewServeMux()
	gw.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialRoom(t *testing.T, ts *httptest.Server, name string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, ts.URL+"/api/room/"+name+"/websocket", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial room %q: %v", name, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return decodeFrame(t, data)
}

func writeWSFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write frame %s: %v", payload, err)
	}
}

func TestGateway_CreateRoom(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	resp, err := http.Post(ts.URL+"/api/room", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !hex64.MatchString(string(body)) {
		t.Fatalf("expected 64-hex room id, got %q", body)
	}
}

func TestGateway_ChatRoundTrip(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	alice := dialRoom(t, ts, "lobby")
	writeWSFrame(t, alice, `{"name":"alice"}`)

	if f := readWSFrame(t, alice); f.Joined != "alice" {
		t.Fatalf("expected own joined notice, got %+v", f)
	}
	if f := readWSFrame(t, alice); !f.Ready {
		t.Fatalf("expected ready, got %+v", f)
	}

	bob := dialRoom(t, ts, "lobby")
	writeWSFrame(t, bob, `{"name":"bob"}`)

	// Bob's replay: alice's presence, his own joined, then ready.
	if f := readWSFrame(t, bob); f.Joined != "alice" {
		t.Fatalf("expected alice presence, got %+v", f)
	}
	if f := readWSFrame(t, bob); f.Joined != "bob" {
		t.Fatalf("expected own joined, got %+v", f)
	}
	if f := readWSFrame(t, bob); !f.Ready {
		t.Fatalf("expected ready, got %+v", f)
	}

	if f := readWSFrame(t, alice); f.Joined != "bob" {
		t.Fatalf("expected bob's joined notice, got %+v", f)
	}

	writeWSFrame(t, alice, `{"message":"hello bob"}`)
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readWSFrame(t, conn)
		if f.Name != "alice" || f.Message != "hello bob" || f.Timestamp <= 0 {
			t.Fatalf("unexpected chat frame %+v", f)
		}
	}
}

func TestGateway_RoomsIsolated(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	alice := dialRoom(t, ts, "room-one")
	writeWSFrame(t, alice, `{"name":"alice"}`)
	readWSFrame(t, alice) // joined
	readWSFrame(t, alice) // ready

	bob := dialRoom(t, ts, "room-two")
	writeWSFrame(t, bob, `{"name":"bob"}`)

	// Bob sees no trace of alice: his first frame is his own joined notice.
	if f := readWSFrame(t, bob); f.Joined != "bob" {
		t.Fatalf("expected isolated room, got %+v", f)
	}
}

func TestGateway_PingPong(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	conn := dialRoom(t, ts, "lobby-ping")
	writeWSFrame(t, conn, `{"type":"ping"}`)
	if f := readWSFrame(t, conn); f.Type != "pong" {
		t.Fatalf("expected pong, got %+v", f)
	}
}

func TestGateway_FrameGuardDropsExcessFrames(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger(), NewInMemoryStore(), admitAll, nil, Config{})
	t.Cleanup(reg.Close)

	// A one-frame budget with a glacial refill: the first frame is admitted,
	// everything after it is dropped with a notice.
	gw := NewGateway(discardLogger(), reg, GatewayConfig{
		InsecureOrigins: true,
		FrameRate:       0.0001,
		FrameBurst:      1,
	})
	mux := http.NewServeMux()
	gw.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	conn := dialRoom(t, ts, "guarded")
	writeWSFrame(t, conn, `{"name":"alice"}`)
	if f := readWSFrame(t, conn); f.Joined != "alice" {
		t.Fatalf("expected joined, got %+v", f)
	}
	if f := readWSFrame(t, conn); !f.Ready {
		t.Fatalf("expected ready, got %+v", f)
	}

	writeWSFrame(t, conn, `{"message":"over budget"}`)
	f := readWSFrame(t, conn)
	if f.Error == "" {
		t.Fatalf("expected frame guard error, got %+v", f)
	}

	// The connection stays open; keepalives are still over budget but the
	// session itself was not closed.
	writeWSFrame(t, conn, `{"type":"ping"}`)
	if f := readWSFrame(t, conn); f.Error == "" {
		t.Fatalf("expected another guard error on an open connection, got %+v", f)
	}
}

func TestGateway_UnusableRoomNameIs404(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	resp, err := http.Get(ts.URL + "/api/room/" + strings.Repeat("a", 33) + "/websocket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGateway_NonUpgradeIs400(t *testing.T) {
	t.Parallel()

	ts := startGatewayServer(t)

	resp, err := http.Get(ts.URL + "/api/room/lobby/websocket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestClientAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, remote: "9.9.9.9:1234", want: "1.2.3.4"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "1.2.3.4"}, remote: "9.9.9.9:1234", want: "1.2.3.4"},
		{name: "remote addr", remote: "9.9.9.9:1234", want: "9.9.9.9"},
		{name: "remote addr without port", remote: "9.9.9.9", want: "9.9.9.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := clientAddr(r); got != tc.want {
				t.Fatalf("clientAddr = %q, want %q", got, tc.want)
			}
		})
	}
}
