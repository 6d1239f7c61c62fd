package cache

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Memory caches question sets in process with a TTL.
type Memory struct {
	loader Loader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu      sync.RWMutex
	rnd     *rand.Rand
	entries map[string]memoryEntry
}

type memoryEntry struct {
	set       QuestionSet
	expiresAt time.Time
}

func NewMemory(loader Loader, ttl time.Duration) *Memory {
	return &Memory{
		loader:  loader,
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) lookup(key string, now time.Time) (QuestionSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(now) {
		return QuestionSet{}, false
	}
	return e.set, true
}

func (m *Memory) Get(ctx context.Context, orgID, testID string) (QuestionSet, error) {
	key := setKey(orgID, testID)
	if set, ok := m.lookup(key, m.clock()); ok {
		return set, nil
	}

	result, err, _ := m.sf.Do(key, func() (interface{}, error) {
		now := m.clock()
		if set, ok := m.lookup(key, now); ok {
			return set, nil
		}
		set, err := m.loader.LoadQuestionSet(ctx, orgID, testID)
		if err != nil {
			return QuestionSet{}, err
		}
		m.mu.Lock()
		m.entries[key] = memoryEntry{set: set, expiresAt: now.Add(ttlWithJitter(m.ttl, m.rnd))}
		m.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return QuestionSet{}, err
	}
	return result.(QuestionSet), nil
}

func (m *Memory) Invalidate(_ context.Context, orgID, testID string) error {
	m.mu.Lock()
	delete(m.entries, setKey(orgID, testID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) InvalidateOrg(_ context.Context, orgID string) error {
	prefix := orgID + "/"
	m.mu.Lock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
	return nil
}
