package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultGeminiURL is the public generative-language endpoint.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// Gemini calls the generateContent REST method.
type Gemini struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewGemini creates a Gemini backend. An empty baseURL selects DefaultGeminiURL.
func NewGemini(client *http.Client, baseURL, apiKey, modelName string) *Gemini {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	return &Gemini{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
	}
}

type generateRequest struct {
	Contents []Content `json:"contents"`
}

// Generate posts the prompt and returns the body verbatim on a 2xx response.
func (g *Gemini) Generate(ctx context.Context, prompt string) (json.RawMessage, error) {
	if g.apiKey == "" {
		return nil, &ProxyError{Status: StatusInternal, Message: "Generative API key is not configured."}
	}
	payload, err := json.Marshal(generateRequest{Contents: []Content{{Parts: []Part{{Text: prompt}}}}})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := g.baseURL + "/models/" + url.PathEscape(g.model) + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post generateContent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("generative API error", "status", resp.StatusCode, "body", string(body))
		return nil, &ProxyError{Status: StatusInternal, Message: fmt.Sprintf("API Error: %d", resp.StatusCode)}
	}
	return body, nil
}
