// Package llm relays prompts to a generative-language API on behalf of
// authenticated callers and returns the upstream response envelope.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/skillcheck/internal/model"
)

// Proxy error statuses. Callers only ever see these two.
const (
	StatusUnauthenticated = "unauthenticated"
	StatusInternal        = "internal"
)

// MaxPromptLength bounds the prompt accepted from callers.
const MaxPromptLength = 20000

// ProxyError is the only error kind Call returns.
type ProxyError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	cause   error
}

func (e *ProxyError) Error() string {
	return e.Status + ": " + e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.cause
}

// Backend sends one prompt upstream and returns the response envelope.
type Backend interface {
	Generate(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Proxy guards a Backend with caller authentication.
type Proxy struct {
	backend Backend
	timeout time.Duration
}

// NewProxy creates a proxy. A zero timeout leaves the caller's deadline in charge.
func NewProxy(backend Backend, timeout time.Duration) *Proxy {
	return &Proxy{backend: backend, timeout: timeout}
}

// Call forwards prompt upstream. An unauthenticated or inactive caller is
// rejected before any upstream request is made. There are no retries.
func (p *Proxy) Call(ctx context.Context, caller *model.User, prompt string) (json.RawMessage, error) {
	if caller == nil || !caller.Active {
		return nil, &ProxyError{Status: StatusUnauthenticated, Message: "The function must be called while authenticated."}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, &ProxyError{Status: StatusInternal, Message: "Failed to call generative API: prompt is empty."}
	}
	if len(prompt) > MaxPromptLength {
		return nil, &ProxyError{Status: StatusInternal, Message: fmt.Sprintf("Failed to call generative API: prompt exceeds %d bytes.", MaxPromptLength)}
	}
	if p.backend == nil {
		return nil, &ProxyError{Status: StatusInternal, Message: "Generative API is not configured."}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := p.backend.Generate(ctx, prompt)
	if err != nil {
		slog.Error("generative API call failed", "user", caller.Username, "error", err)
		var pe *ProxyError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ProxyError{Status: StatusInternal, Message: "Failed to call generative API.", cause: err}
	}
	if !json.Valid(raw) {
		slog.Error("generative API returned non-JSON body", "user", caller.Username, "bytes", len(raw))
		return nil, &ProxyError{Status: StatusInternal, Message: "Failed to call generative API."}
	}
	slog.Debug("generative API call", "user", caller.Username, "duration", time.Since(start))
	return raw, nil
}

// Envelope is the generateContent response shape callers read text from.
type Envelope struct {
	Candidates []Candidate `json:"candidates"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content Content `json:"content"`
}

// Content holds the parts of a generated answer.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one text fragment.
type Part struct {
	Text string `json:"text"`
}

// ExtractText returns candidates[0].content.parts[0].text.
func ExtractText(raw json.RawMessage) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Candidates) == 0 || len(env.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("response has no candidates")
	}
	text := env.Candidates[0].Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", errors.New("response text is empty")
	}
	return text, nil
}

func envelopeFor(text string) (json.RawMessage, error) {
	return json.Marshal(Envelope{Candidates: []Candidate{{
		Content: Content{Role: "model", Parts: []Part{{Text: text}}},
	}}})
}
