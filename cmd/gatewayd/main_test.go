package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/edge-retail/gateway/internal/hub"
)

func TestServeKeepsHubUntilRequestsDrain(t *testing.T) {
	h := hub.NewHub()
	entered := make(chan struct{})
	release := make(chan struct{})
	published := make(chan error, 1)

	httpSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, err := h.Publish(r.Context(), "INVENTORY: 'admin' updated product 'P1' in 'X' to quantity 5")
		published <- err
		w.WriteHeader(http.StatusOK)
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, httpSrv, h, 5*time.Second) }()

	respErr := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/inventory")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		respErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("request never reached the handler")
	}

	// Signal shutdown while the request is still in flight.
	cancel()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-h.Done():
		t.Fatalf("hub stopped before in-flight requests drained")
	default:
	}
	close(release)

	if err := <-published; err != nil {
		t.Fatalf("in-flight publish failed during shutdown: %v", err)
	}
	if err := <-respErr; err != nil {
		t.Fatalf("GET: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after shutdown")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("hub still running after serve returned")
	}
}
