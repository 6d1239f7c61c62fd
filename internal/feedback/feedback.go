// Package feedback attaches generated commentary to stored results.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/skillcheck/internal/llm"
	"github.com/pavelanni/skillcheck/internal/llm/prompts"
	"github.com/pavelanni/skillcheck/internal/model"
)

// Caller sends a prompt through the feedback proxy.
type Caller interface {
	Call(ctx context.Context, caller *model.User, prompt string) (json.RawMessage, error)
}

// ResultStore reads a result and overwrites its AI feedback.
type ResultStore interface {
	GetResult(ctx context.Context, orgID, id string) (model.ResultRecord, error)
	SetAIFeedback(ctx context.Context, orgID, id, feedback string) (model.ResultRecord, error)
}

// Service generates feedback and question drafts.
type Service struct {
	results ResultStore
	proxy   Caller
}

// NewService creates a feedback service.
func NewService(results ResultStore, proxy Caller) *Service {
	return &Service{results: results, proxy: proxy}
}

// Attach generates commentary for a result and stores it as AIFeedback,
// replacing any previous value. On any error the record is left unchanged.
func (s *Service) Attach(ctx context.Context, caller *model.User, orgID, resultID string) (model.ResultRecord, error) {
	rec, err := s.results.GetResult(ctx, orgID, resultID)
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("load result: %w", err)
	}
	prompt, err := prompts.Feedback(rec.UserName, rec.Percentage, rec.TopicScores)
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("build feedback prompt: %w", err)
	}
	text, err := s.generate(ctx, caller, prompt)
	if err != nil {
		return model.ResultRecord{}, err
	}
	updated, err := s.results.SetAIFeedback(ctx, orgID, resultID, text)
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("save feedback: %w", err)
	}
	slog.Info("AI feedback attached", "org", orgID, "result", resultID, "by", caller.Username)
	return updated, nil
}

// GenerateQuestion drafts a multiple-choice question on topic. The draft is
// free text for an administrator to review; nothing is stored.
func (s *Service) GenerateQuestion(ctx context.Context, caller *model.User, topic string) (string, error) {
	prompt, err := prompts.Question(topic)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return s.generate(ctx, caller, prompt)
}

func (s *Service) generate(ctx context.Context, caller *model.User, prompt string) (string, error) {
	raw, err := s.proxy.Call(ctx, caller, prompt)
	if err != nil {
		return "", err
	}
	text, err := llm.ExtractText(raw)
	if err != nil {
		return "", &llm.ProxyError{Status: llm.StatusInternal, Message: "Unexpected response from generative API."}
	}
	return text, nil
}
