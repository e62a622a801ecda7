package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/coder/websocket"

	"github.com/edge-retail/gateway/internal/auth"
	"github.com/edge-retail/gateway/internal/forecast"
	"github.com/edge-retail/gateway/internal/hub"
	"github.com/edge-retail/gateway/internal/inventory"
)

const maxBodyBytes = 1 << 20

type credentialsRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "Malformed request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Edge Retail gateway running")
}

// handleHealth reports goroutine and live session counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"goroutines":  runtime.NumGoroutine(),
		"connections": s.hub.SessionCount(),
	})
}

// handleWebSocket upgrades the request and runs a session until it ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := hub.NewSession(s.hub, s.session)
	conn, err := websocket.Accept(w, r, session.AcceptOptions(s.wsOrigins))
	if err != nil {
		slog.Warn("websocket accept error",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}
	session.Serve(r.Context(), conn)
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, p, err := s.gate.IssueCredential(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		slog.Info("login rejected", "remote", clientIP(r))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		slog.Error("token generation failed", "error", err)
		http.Error(w, "Token generation failed", http.StatusInternalServerError)
		return
	}

	s.publish(r.Context(), fmt.Sprintf("AUTH: User '%s' logged in with role '%s'", p.Subject, p.Role))
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (s *Server) handleInventoryWrite(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var item inventory.Update
	if !s.decode(w, r, &item) {
		return
	}

	s.publish(r.Context(), fmt.Sprintf("INVENTORY: '%s' updated product '%s' in '%s' to quantity %d",
		p.Subject, item.ProductID, item.Location, *item.Quantity))
	slog.Info("inventory received",
		"subject", p.Subject,
		"product_id", item.ProductID,
		"location", item.Location,
		"quantity", *item.Quantity,
	)
	writeText(w, http.StatusOK, "Inventory received securely")
}

func (s *Server) handleInventoryRead(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	slog.Info("inventory view granted", "subject", p.Subject, "role", p.Role)
	writeJSON(w, http.StatusOK, s.catalog())
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var req forecast.Request
	if !s.decode(w, r, &req) {
		return
	}

	s.publish(r.Context(), fmt.Sprintf("FORECAST: '%s' requested forecast for product '%s' in store '%s'",
		p.Subject, req.ProductID, req.StoreID))

	// The upstream call runs to completion or timeout even if the caller
	// goes away.
	resp, err := s.forecaster.Predict(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var upstream *forecast.UpstreamError
		switch {
		case errors.As(err, &upstream):
			slog.Warn("forecast service error", "status", upstream.StatusCode)
			writeText(w, http.StatusBadGateway, "model service error: "+upstream.Body)
		case errors.Is(err, forecast.ErrUnreachable):
			slog.Warn("forecast service unreachable", "error", err)
			writeText(w, http.StatusBadGateway, "failed to reach forecast service: "+err.Error())
		default:
			slog.Error("forecast failed", "error", err)
			writeText(w, http.StatusInternalServerError, "failed to parse forecast response: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
