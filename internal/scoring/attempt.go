package scoring

import (
	"fmt"

	"github.com/pavelanni/skillcheck/internal/model"
)

// Attempt accumulates a candidate's answers while a test is in progress.
// It lives only in memory; abandoning a test simply drops it.
type Attempt struct {
	test    model.TestDefinition
	index   map[string]int
	answers []string
}

// NewAttempt starts an attempt over the test's questions in presentation order.
func NewAttempt(test model.TestDefinition) (*Attempt, error) {
	if err := test.Validate(); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(test.QuestionIDs))
	for i, id := range test.QuestionIDs {
		index[id] = i
	}
	return &Attempt{
		test:    test,
		index:   index,
		answers: make([]string, len(test.QuestionIDs)),
	}, nil
}

// Record stores the answer for one question, replacing any earlier choice.
func (a *Attempt) Record(questionID, answer string) error {
	i, ok := a.index[questionID]
	if !ok {
		return fmt.Errorf("%w: question %s is not part of test %s", model.ErrValidation, questionID, a.test.ID)
	}
	a.answers[i] = answer
	return nil
}

// Answers returns one entry per test question in presentation order.
// Unanswered questions carry an empty answer and score as incorrect.
func (a *Attempt) Answers() []model.AnswerEntry {
	out := make([]model.AnswerEntry, len(a.answers))
	for i, id := range a.test.QuestionIDs {
		out[i] = model.AnswerEntry{QuestionID: id, Answer: a.answers[i]}
	}
	return out
}
