package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation marks malformed input; nothing is persisted when it is returned.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a document does not exist in its collection.
	ErrNotFound = errors.New("not found")
)

// DefaultTopic is used for questions without a topic tag.
const DefaultTopic = "General"

// OptionCount is the number of choices every question carries.
const OptionCount = 4

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRolePlatformAdmin provisions organisations.
	UserRolePlatformAdmin UserRole = "platform_admin"
	// UserRoleOrgAdmin authors questions and tests and reviews results.
	UserRoleOrgAdmin UserRole = "org_admin"
	// UserRoleCandidate takes tests.
	UserRoleCandidate UserRole = "candidate"
)

// Organisation is a tenant. Every collection except users and organisations is scoped to one.
type Organisation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	OrgID        string    `json:"orgId"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Question is a multiple-choice quiz item.
type Question struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	Text       string    `json:"text"`
	Options    []string  `json:"options"`
	Answer     string    `json:"answer"`
	Topic      string    `json:"topic"`
	Difficulty string    `json:"difficulty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TopicOrDefault returns the question topic, falling back to DefaultTopic.
func (q Question) TopicOrDefault() string {
	if strings.TrimSpace(q.Topic) == "" {
		return DefaultTopic
	}
	return q.Topic
}

// Validate checks the question shape. The answer must be one of the options.
func (q Question) Validate() error {
	var problems []string
	if strings.TrimSpace(q.Text) == "" {
		problems = append(problems, "text is required")
	}
	if len(q.Options) != OptionCount {
		problems = append(problems, fmt.Sprintf("exactly %d options are required, got %d", OptionCount, len(q.Options)))
	} else {
		seen := make(map[string]bool, OptionCount)
		for i, o := range q.Options {
			if strings.TrimSpace(o) == "" {
				problems = append(problems, fmt.Sprintf("option %d is empty", i+1))
				continue
			}
			if seen[o] {
				problems = append(problems, fmt.Sprintf("option %d duplicates %q", i+1, o))
			}
			seen[o] = true
		}
	}
	if strings.TrimSpace(q.Answer) == "" {
		problems = append(problems, "answer is required")
	} else if !q.HasOption(q.Answer) {
		problems = append(problems, fmt.Sprintf("answer %q is not one of the options", q.Answer))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// HasOption reports whether s is exactly one of the question's options.
func (q Question) HasOption(s string) bool {
	for _, o := range q.Options {
		if o == s {
			return true
		}
	}
	return false
}

// PublicQuestion is what a candidate sees while taking a test.
type PublicQuestion struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	Topic      string   `json:"topic"`
	Difficulty string   `json:"difficulty"`
}

// Public strips the correct answer.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Topic:      q.Topic,
		Difficulty: q.Difficulty,
	}
}

// TestDefinition is a named, ordered bundle of question references.
type TestDefinition struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Name        string    `json:"name"`
	QuestionIDs []string  `json:"questionIds"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate rejects unnamed tests, empty question lists and duplicate question ids.
func (t TestDefinition) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: test name is required", ErrValidation)
	}
	if len(t.QuestionIDs) == 0 {
		return fmt.Errorf("%w: test must reference at least one question", ErrValidation)
	}
	seen := make(map[string]bool, len(t.QuestionIDs))
	for i, id := range t.QuestionIDs {
		if id == "" {
			return fmt.Errorf("%w: question id %d is empty", ErrValidation, i+1)
		}
		if seen[id] {
			return fmt.Errorf("%w: question %s appears more than once", ErrValidation, id)
		}
		seen[id] = true
	}
	return nil
}

// AnswerEntry is one candidate response to one question.
type AnswerEntry struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// Identity names the candidate a result belongs to.
type Identity struct {
	UserID   int64
	UserName string
}

// ResultRecord is the persisted outcome of one completed attempt.
type ResultRecord struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"orgId"`
	TestID          string         `json:"testId"`
	TestName        string         `json:"testName"`
	UserID          int64          `json:"userId"`
	UserName        string         `json:"userName"`
	Score           int            `json:"score"`
	TotalQuestions  int            `json:"totalQuestions"`
	Percentage      int            `json:"percentage"`
	Unresolved      int            `json:"unresolved"`
	Answers         []AnswerEntry  `json:"answers"`
	TopicScores     map[string]int `json:"topicScores"`
	Timestamp       time.Time      `json:"timestamp"`
	AIFeedback      string         `json:"aiFeedback,omitempty"`
	ManagerFeedback string         `json:"managerFeedback,omitempty"`
	IsShared        bool           `json:"isShared"`
	Version         int            `json:"version"`
}

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	OrgID      string         `json:"orgId"`
	ExportedAt time.Time      `json:"exportedAt"`
	Results    []ResultRecord `json:"results"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	BasePath      string // URL prefix for sub-path deployments
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
	Lang          string
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}
