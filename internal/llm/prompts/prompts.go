// Package prompts renders the natural-language prompts sent through the feedback proxy.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"unicode"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

// MaxTopicLength caps user-supplied topic text.
const MaxTopicLength = 200

var (
	loadOnce     sync.Once
	loadErr      error
	feedbackTmpl *template.Template
	questionTmpl *template.Template
)

// TopicScore is one line of the feedback prompt.
type TopicScore struct {
	Name  string
	Score int
}

// FeedbackData holds template data for the result feedback prompt.
type FeedbackData struct {
	UserName   string
	Percentage int
	Topics     []TopicScore
}

// QuestionData holds template data for the question generator prompt.
type QuestionData struct {
	Topic string
}

// Load parses the embedded templates once.
func Load() error {
	loadOnce.Do(func() {
		feedbackTmpl, loadErr = parse("templates/feedback.txt")
		if loadErr != nil {
			return
		}
		questionTmpl, loadErr = parse("templates/question.txt")
	})
	return loadErr
}

func parse(name string) (*template.Template, error) {
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// Feedback builds the commentary prompt for a result. Topics are sorted by name
// so the same result always produces the same prompt.
func Feedback(userName string, percentage int, topicScores map[string]int) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	data := FeedbackData{
		UserName:   sanitize(userName, MaxTopicLength),
		Percentage: percentage,
		Topics:     SortedTopics(topicScores),
	}
	return execute(feedbackTmpl, data)
}

// Question builds the question generator prompt for a topic.
func Question(topic string) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	topic = sanitize(topic, MaxTopicLength)
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	return execute(questionTmpl, QuestionData{Topic: topic})
}

// SortedTopics flattens a topic map into name order.
func SortedTopics(topicScores map[string]int) []TopicScore {
	out := make([]TopicScore, 0, len(topicScores))
	for name, score := range topicScores {
		out = append(out, TopicScore{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitize collapses control characters and quotes so user text cannot break
// out of the quoted prompt slot.
func sanitize(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '"':
			return '\''
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > limit {
		s = string([]rune(s)[:limit])
	}
	return s
}
