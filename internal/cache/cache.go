// Package cache keeps resolved question sets close to the request path.
// A question set is a test definition together with its questions, in test order.
package cache

import (
	"context"
	"math/rand"
	"time"

	"github.com/pavelanni/skillcheck/internal/model"
)

// QuestionSet is a test resolved to its questions.
type QuestionSet struct {
	Test      model.TestDefinition `json:"test"`
	Questions []model.Question     `json:"questions"`
}

// Loader fetches a question set from the backing store.
type Loader interface {
	LoadQuestionSet(ctx context.Context, orgID, testID string) (QuestionSet, error)
}

// Cache returns question sets and forgets them when the underlying documents change.
type Cache interface {
	Get(ctx context.Context, orgID, testID string) (QuestionSet, error)
	Invalidate(ctx context.Context, orgID, testID string) error
	InvalidateOrg(ctx context.Context, orgID string) error
}

// StoreReader is the part of the document store a StoreLoader needs.
type StoreReader interface {
	GetTest(ctx context.Context, orgID, id string) (model.TestDefinition, error)
	GetQuestionsByIDs(ctx context.Context, orgID string, ids []string) ([]model.Question, error)
}

// StoreLoader resolves question sets from the document store.
type StoreLoader struct {
	store StoreReader
}

func NewStoreLoader(s StoreReader) *StoreLoader {
	return &StoreLoader{store: s}
}

func (l *StoreLoader) LoadQuestionSet(ctx context.Context, orgID, testID string) (QuestionSet, error) {
	test, err := l.store.GetTest(ctx, orgID, testID)
	if err != nil {
		return QuestionSet{}, err
	}
	questions, err := l.store.GetQuestionsByIDs(ctx, orgID, test.QuestionIDs)
	if err != nil {
		return QuestionSet{}, err
	}
	return QuestionSet{Test: test, Questions: questions}, nil
}

func setKey(orgID, testID string) string {
	return orgID + "/" + testID
}

// ttlWithJitter adds up to 10% to spread expirations.
func ttlWithJitter(ttl time.Duration, rnd *rand.Rand) time.Duration {
	if ttl <= 0 {
		return 0
	}
	jitterMax := int64(ttl) / 10
	return ttl + time.Duration(rnd.Int63n(jitterMax+1))
}
