package hub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/edge-retail/gateway/internal/hub"
)

func runHub(t *testing.T) (*hub.Hub, context.CancelFunc) {
	t.Helper()
	h := hub.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

// serveSessions starts a test server that runs one Session per upgrade and
// reports each session on the returned channel.
func serveSessions(t *testing.T, h *hub.Hub, cfg hub.SessionConfig) (string, <-chan *hub.Session) {
	t.Helper()
	sessions := make(chan *hub.Session, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := hub.NewSession(h, cfg)
		conn, err := websocket.Accept(w, r, s.AcceptOptions(nil))
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		sessions <- s
		s.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), sessions
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text frame, got %v", typ)
	}
	return string(data)
}

func readCloseStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected the session to close")
	}
	return websocket.CloseStatus(err)
}

func TestSessionReceivesBroadcast(t *testing.T) {
	h, _ := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "session to become active", func() bool { return s.State() == hub.StateActive })

	if _, err := h.Publish(context.Background(), "INVENTORY: 'admin' updated product 'P1'"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := readText(t, conn); got != "INVENTORY: 'admin' updated product 'P1'" {
		t.Fatalf("unexpected payload %q", got)
	}
	if s.ID() == 0 {
		t.Fatalf("expected a hub-assigned session id")
	}
}

func TestSessionUnregistersWhenPeerCloses(t *testing.T) {
	h, _ := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "registration", func() bool { return h.SessionCount() == 1 })

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "unregistration", func() bool { return h.SessionCount() == 0 })
	waitFor(t, "closed state", func() bool { return s.State() == hub.StateClosed })

	if err := s.Deliver("after close"); err == nil {
		t.Fatalf("expected delivery to a closed session to fail")
	}
}

func TestSessionIgnoresInboundText(t *testing.T) {
	h, _ := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "session to become active", func() bool { return s.State() == hub.StateActive })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello hub")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := h.Publish(context.Background(), "still here"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := readText(t, conn); got != "still here" {
		t.Fatalf("unexpected payload %q", got)
	}
	if s.State() != hub.StateActive {
		t.Fatalf("text payload changed state to %v", s.State())
	}
}

func TestSessionClosesOnBinaryFrame(t *testing.T) {
	h, _ := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "session to become active", func() bool { return s.State() == hub.StateActive })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x01}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readCloseStatus(t, conn); got != websocket.StatusUnsupportedData {
		t.Fatalf("expected StatusUnsupportedData, got %v", got)
	}
	waitFor(t, "unregistration", func() bool { return h.SessionCount() == 0 })
}

func TestSessionAnswersPing(t *testing.T) {
	h, _ := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "session to become active", func() bool { return s.State() == hub.StateActive })
	before := s.LastActivity()

	// CloseRead keeps a reader running so the pong can be processed.
	conn.CloseRead(context.Background())

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !s.LastActivity().After(before) {
		t.Fatalf("ping did not refresh last activity")
	}
	if s.State() != hub.StateActive {
		t.Fatalf("expected session to stay active, got %v", s.State())
	}
}

func TestSessionClosesSilentPeer(t *testing.T) {
	h, _ := runHub(t)
	cfg := hub.DefaultSessionConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.IdleTimeout = 60 * time.Millisecond
	url, sessions := serveSessions(t, h, cfg)

	// The client never reads, so server pings go unanswered.
	dial(t, url)
	s := <-sessions
	waitFor(t, "registration", func() bool { return h.SessionCount() == 1 })
	waitFor(t, "idle session to be reaped", func() bool { return h.SessionCount() == 0 })
	if s.State() < hub.StateClosing {
		t.Fatalf("expected session to be closing, got %v", s.State())
	}
}

func TestSessionClosesWhenHubStops(t *testing.T) {
	h, cancel := runHub(t)
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	waitFor(t, "session to become active", func() bool { return s.State() == hub.StateActive })

	cancel()
	if got := readCloseStatus(t, conn); got != websocket.StatusGoingAway {
		t.Fatalf("expected StatusGoingAway, got %v", got)
	}
}

func TestSessionRejectedByStoppedHub(t *testing.T) {
	h, cancel := runHub(t)
	cancel()
	<-h.Done()
	url, sessions := serveSessions(t, h, hub.DefaultSessionConfig())

	conn := dial(t, url)
	s := <-sessions
	if got := readCloseStatus(t, conn); got != websocket.StatusTryAgainLater {
		t.Fatalf("expected StatusTryAgainLater, got %v", got)
	}
	if s.State() != hub.StateClosed {
		t.Fatalf("expected closed state, got %v", s.State())
	}
	if s.ID() != 0 {
		t.Fatalf("rejected session should have no id, got %d", s.ID())
	}
}
