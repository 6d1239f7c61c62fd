// Package scoring turns a completed attempt into a ResultRecord.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/skillcheck/internal/model"
)

// Percent returns round-half-up(part/total*100). total must be positive.
func Percent(part, total int) int {
	return (part*200 + total) / (2 * total)
}

// Score computes the result of one attempt. It is a pure function of its inputs.
//
// answers must hold exactly one entry per test question, in the test's order.
// Entries whose question id is missing from questions are counted in
// TotalQuestions and Unresolved but excluded from Score and from TopicScores.
func Score(test model.TestDefinition, questions []model.Question, answers []model.AnswerEntry, who model.Identity, now time.Time) (model.ResultRecord, error) {
	if err := test.Validate(); err != nil {
		return model.ResultRecord{}, err
	}
	if len(answers) != len(test.QuestionIDs) {
		return model.ResultRecord{}, fmt.Errorf("%w: expected %d answers, got %d",
			model.ErrValidation, len(test.QuestionIDs), len(answers))
	}
	for i, a := range answers {
		if a.QuestionID != test.QuestionIDs[i] {
			return model.ResultRecord{}, fmt.Errorf("%w: answer %d is for question %s, expected %s",
				model.ErrValidation, i+1, a.QuestionID, test.QuestionIDs[i])
		}
	}

	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	type tally struct{ correct, total int }
	topics := make(map[string]*tally)
	score, unresolved := 0, 0
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			unresolved++
			continue
		}
		topic := q.TopicOrDefault()
		t := topics[topic]
		if t == nil {
			t = &tally{}
			topics[topic] = t
		}
		t.total++
		if a.Answer == q.Answer {
			score++
			t.correct++
		}
	}

	topicScores := make(map[string]int, len(topics))
	for topic, t := range topics {
		topicScores[topic] = Percent(t.correct, t.total)
	}

	recorded := make([]model.AnswerEntry, len(answers))
	copy(recorded, answers)

	return model.ResultRecord{
		OrgID:          test.OrgID,
		TestID:         test.ID,
		TestName:       test.Name,
		UserID:         who.UserID,
		UserName:       who.UserName,
		Score:          score,
		TotalQuestions: len(answers),
		Percentage:     Percent(score, len(answers)),
		Unresolved:     unresolved,
		Answers:        recorded,
		TopicScores:    topicScores,
		Timestamp:      now,
		IsShared:       false,
	}, nil
}

// ResultWriter persists a new result record.
type ResultWriter interface {
	InsertResult(ctx context.Context, r model.ResultRecord) error
}

// Pipeline scores attempts and writes each one as a new record.
type Pipeline struct {
	writer ResultWriter
	now    func() time.Time
	newID  func(userName string, at time.Time) string
}

// NewPipeline creates a Pipeline writing to w.
func NewPipeline(w ResultWriter) *Pipeline {
	return &Pipeline{writer: w, now: time.Now, newID: ResultID}
}

// Complete scores the attempt and persists it. On error nothing has been written.
func (p *Pipeline) Complete(ctx context.Context, test model.TestDefinition, questions []model.Question, answers []model.AnswerEntry, who model.Identity) (model.ResultRecord, error) {
	now := p.now().UTC()
	rec, err := Score(test, questions, answers, who, now)
	if err != nil {
		return model.ResultRecord{}, err
	}
	rec.ID = p.newID(who.UserName, now)
	if err := p.writer.InsertResult(ctx, rec); err != nil {
		return model.ResultRecord{}, fmt.Errorf("persist result: %w", err)
	}
	rec.Version = 1
	return rec, nil
}
