package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/skillcheck/internal/llm"
	"github.com/pavelanni/skillcheck/internal/model"
)

type proxyRequest struct {
	Prompt string `json:"prompt"`
}

type proxyErrorBody struct {
	Error *llm.ProxyError `json:"error"`
}

// handleProxyGenerate relays a prompt upstream and returns the upstream
// envelope unchanged. Errors use the {"error":{"status","message"}} shape.
func (h *Handler) handleProxyGenerate(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	// A malformed body leaves the prompt empty; the proxy still checks the
	// caller first.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	raw, err := h.proxy.Call(r.Context(), model.UserFromContext(r.Context()), req.Prompt)
	if err != nil {
		var pe *llm.ProxyError
		if !errors.As(err, &pe) {
			pe = &llm.ProxyError{Status: llm.StatusInternal, Message: "Failed to call generative API."}
		}
		writeJSON(w, proxyStatus(pe.Status), proxyErrorBody{Error: pe})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		slog.Error("write proxy response", "error", err)
	}
}

func proxyStatus(status string) int {
	if status == llm.StatusUnauthenticated {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
