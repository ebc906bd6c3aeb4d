package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
	"github.com/codeGROOVE-dev/pushtoast/pkg/security"
)

const maxPublishBytes = 64 << 10

// PublishResult is the body of an accepted publish.
type PublishResult struct {
	Clients int `json:"clients"`
}

// PublishHandler accepts notifications over HTTP and broadcasts them.
type PublishHandler struct {
	hub    *Hub
	secret string
}

// NewPublishHandler creates a publish handler. With a non-empty secret every
// request must carry a valid security.SignatureHeader.
func NewPublishHandler(hub *Hub, secret string) *PublishHandler {
	return &PublishHandler{hub: hub, secret: secret}
}

// ServeHTTP handles POST /notify.
func (h *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := readSigned(w, r, h.secret)
	if !ok {
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		logger.Warn(ctx, "rejecting publish: body is not a JSON object", logger.Fields{"bytes": len(body)})
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}

	n, err := h.hub.Broadcast(ctx, json.RawMessage(trimmed))
	switch {
	case errors.Is(err, ErrHubFull):
		http.Error(w, "try again later", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Error(ctx, "broadcast failed", err, nil)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, PublishResult{Clients: n})
}

// DisconnectHandler drops every subscriber so they exercise their reconnect
// path. It is authenticated like PublishHandler.
type DisconnectHandler struct {
	hub    *Hub
	secret string
}

// NewDisconnectHandler creates a handler for POST /disconnect.
func NewDisconnectHandler(hub *Hub, secret string) *DisconnectHandler {
	return &DisconnectHandler{hub: hub, secret: secret}
}

// ServeHTTP handles POST /disconnect.
func (h *DisconnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := readSigned(w, r, h.secret); !ok {
		return
	}
	n := h.hub.DisconnectAll()
	logger.Info(r.Context(), "disconnected all clients", logger.Fields{"clients": n})
	writeJSON(w, http.StatusOK, PublishResult{Clients: n})
}

// readSigned reads a bounded body and checks its signature when secret is set.
// It writes the error response itself and reports false on failure.
func readSigned(w http.ResponseWriter, r *http.Request, secret string) ([]byte, bool) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		logger.Warn(ctx, "failed to read request body", logger.Fields{"error": err.Error()})
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}

	if secret != "" && !security.VerifySignature(body, r.Header.Get(security.SignatureHeader), secret) {
		logger.Warn(ctx, "invalid signature", logger.Fields{"ip": security.ClientIP(r), "path": r.URL.Path})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug(context.Background(), "failed to write response", logger.Fields{"error": err.Error()})
	}
}
