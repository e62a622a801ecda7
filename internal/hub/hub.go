// Package hub implements the broadcast hub and the WebSocket sessions that
// register with it. The Hub goroutine owns the session registry: connect,
// disconnect and publish all arrive as commands on a single channel, so no
// two registry operations interleave.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrHubStopped is returned when the hub is not accepting commands.
var ErrHubStopped = errors.New("hub stopped")

// SessionID identifies a registered session. IDs are never reused within a
// hub's lifetime.
type SessionID uint64

// Sink receives broadcast payloads for one session. Deliver must not block;
// a failed delivery is dropped by the hub.
type Sink interface {
	Deliver(payload string) error
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdPublish
)

type command struct {
	kind    commandKind
	sink    Sink
	id      SessionID
	payload string
	reply   chan result
}

type result struct {
	id        SessionID
	delivered int
}

// Hub maintains the set of registered sessions and fans broadcasts out to
// them. A single Hub goroutine serializes access to the registry.
type Hub struct {
	// sessions maps session IDs to their outbound sinks.
	sessions map[SessionID]Sink

	// nextID is the last issued session ID. Only the Run goroutine touches it.
	nextID SessionID

	// commands carries every registry operation, in arrival order.
	commands chan command

	// done is closed when Run returns.
	done chan struct{}

	// mu protects external reads of the registry (e.g., health checks).
	mu sync.RWMutex
}

// NewHub creates a new Hub with an empty registry.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[SessionID]Sink),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It processes commands until the
// context is cancelled, then drops every registration. Run should be called
// once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.commands:
			h.handle(cmd)

		case <-ctx.Done():
			h.mu.Lock()
			for id := range h.sessions {
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			slog.Info("hub stopped")
			return
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		h.nextID++
		id := h.nextID
		h.mu.Lock()
		h.sessions[id] = cmd.sink
		h.mu.Unlock()
		slog.Info("session registered",
			"session", id,
			"sessions", len(h.sessions),
		)
		cmd.reply <- result{id: id}

	case cmdDisconnect:
		h.mu.Lock()
		_, ok := h.sessions[cmd.id]
		delete(h.sessions, cmd.id)
		h.mu.Unlock()
		if ok {
			slog.Info("session unregistered",
				"session", cmd.id,
				"sessions", len(h.sessions),
			)
		}
		cmd.reply <- result{id: cmd.id}

	case cmdPublish:
		delivered := 0
		for id, sink := range h.sessions {
			if err := sink.Deliver(cmd.payload); err != nil {
				slog.Debug("broadcast dropped", "session", id, "error", err)
				continue
			}
			delivered++
		}
		slog.Debug("broadcast published",
			"delivered", delivered,
			"sessions", len(h.sessions),
		)
		cmd.reply <- result{delivered: delivered}
	}
}

// submit hands cmd to the Run goroutine and waits for its result.
func (h *Hub) submit(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case h.commands <- cmd:
	case <-h.done:
		return result{}, ErrHubStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-h.done:
		return result{}, ErrHubStopped
	}
}

// Connect registers sink and returns its fresh session ID. It fails only if
// the hub has stopped or ctx ends before the hub accepts the command.
func (h *Hub) Connect(ctx context.Context, sink Sink) (SessionID, error) {
	res, err := h.submit(ctx, command{kind: cmdConnect, sink: sink})
	if err != nil {
		return 0, err
	}
	return res.id, nil
}

// Disconnect removes the session with the given ID. Unknown IDs, repeated
// calls and calls after the hub stopped are no-ops.
func (h *Hub) Disconnect(id SessionID) {
	_, _ = h.submit(context.Background(), command{kind: cmdDisconnect, id: id})
}

// Publish delivers payload to every session registered at the time the hub
// processes the command, and returns once fan-out is complete. Individual
// delivery failures are dropped; delivered counts the successful ones.
func (h *Hub) Publish(ctx context.Context, payload string) (delivered int, err error) {
	res, err := h.submit(ctx, command{kind: cmdPublish, payload: payload})
	if err != nil {
		return 0, err
	}
	return res.delivered, nil
}

// SessionCount returns the number of currently registered sessions.
// It is safe for concurrent use.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Done returns a channel that is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
