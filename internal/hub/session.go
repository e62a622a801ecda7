package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrSessionClosed is returned by Deliver once the session is closing.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSendBufferFull is returned by Deliver when the peer has fallen
	// SendBuffer payloads behind; the payload is dropped.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// State is a session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig tunes a session's buffers and liveness policy.
type SessionConfig struct {
	// SendBuffer is the number of broadcasts queued for the writer before
	// further deliveries are dropped.
	SendBuffer int
	// PingInterval is how often the server probes the peer. Zero disables
	// the heartbeat.
	PingInterval time.Duration
	// IdleTimeout closes a session that has shown no activity for this long.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

// DefaultSessionConfig pings every 30s and gives up after three missed probes.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    32 << 10,
	}
}

// Session owns one WebSocket connection and relays hub broadcasts to it.
type Session struct {
	hub  *Hub
	cfg  SessionConfig
	conn *websocket.Conn
	id   SessionID

	// send queues broadcasts for the write pump. It is never closed.
	send chan string

	state        atomic.Int32
	lastActivity atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSession creates a session bound to h. The session does nothing until
// Serve is called.
func NewSession(h *Hub, cfg SessionConfig) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSessionConfig().SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSessionConfig().WriteTimeout
	}
	s := &Session{
		hub:  h,
		cfg:  cfg,
		send: make(chan string, cfg.SendBuffer),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s
}

// AcceptOptions returns the upgrade options for this session. Inbound pings
// and pongs refresh the session's last-activity time; the pong reply itself
// is sent by the websocket library.
func (s *Session) AcceptOptions(originPatterns []string) *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
		OnPingReceived: func(context.Context, []byte) bool {
			s.touch()
			return true
		},
		OnPongReceived: func(context.Context, []byte) {
			s.touch()
		},
	}
}

// ID returns the hub-assigned session ID, or zero before registration.
func (s *Session) ID() SessionID {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity returns the time of the most recent inbound frame or probe.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Deliver queues payload for the peer. It never blocks: payloads for a
// session that is closing, or whose buffer is full, are dropped. Payloads
// accepted while the session is still connecting are written once the write
// pump starts, since the hub can publish to it as soon as Connect registers it.
func (s *Session) Deliver(payload string) error {
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Serve runs the session over conn until the peer leaves, a protocol error
// occurs, the heartbeat gives up, or the hub stops. It registers with the hub
// on entry and unregisters exactly once on exit.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) {
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	id, err := s.hub.Connect(s.ctx, s)
	if err != nil {
		s.state.Store(int32(StateClosed))
		slog.Warn("session rejected", "error", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "hub unavailable")
		return
	}
	s.id = id
	s.touch()
	s.state.Store(int32(StateActive))

	go s.writePump()
	if s.cfg.PingInterval > 0 {
		go s.heartbeatLoop()
	}
	s.readLoop()
}

// readLoop consumes inbound frames. Control frames are handled inside
// conn.Read; text payloads are reserved and ignored.
func (s *Session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); {
			case status != -1:
				slog.Info("session closed by peer", "session", s.id, "status", status)
			case s.ctx.Err() != nil:
			default:
				slog.Info("session read error", "session", s.id, "error", err)
			}
			s.close(websocket.StatusNormalClosure, "")
			return
		}
		s.touch()

		switch typ {
		case websocket.MessageText:
			slog.Debug("session text ignored", "session", s.id, "bytes", len(data))
		default:
			s.close(websocket.StatusUnsupportedData, "binary frames are not supported")
			return
		}
	}
}

// writePump is the only goroutine that writes data frames to conn.
func (s *Session) writePump() {
	for {
		select {
		case payload := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, []byte(payload))
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Info("session write error", "session", s.id, "error", err)
				}
				s.close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-s.hub.Done():
			s.close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// heartbeatLoop pings the peer every PingInterval and closes the session once
// it has been idle for longer than IdleTimeout or a ping goes unanswered.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.cfg.IdleTimeout > 0 && time.Since(s.LastActivity()) > s.cfg.IdleTimeout {
				slog.Info("session idle timeout", "session", s.id)
				s.close(websocket.StatusPolicyViolation, "idle timeout")
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PingInterval)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				slog.Info("session ping failed", "session", s.id, "error", err)
				s.close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// close tears the session down once, whichever goroutine gets here first.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.hub.Disconnect(s.id)
		_ = s.conn.Close(code, reason)
		s.cancel()
		s.state.Store(int32(StateClosed))
	})
}
