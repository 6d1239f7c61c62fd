// Package live pushes result changes to subscribers whose filter matches.
package live

import (
	"sync"

	"github.com/pavelanni/skillcheck/internal/model"
)

// Filter selects the records a subscriber receives.
type Filter func(model.ResultRecord) bool

// OfCandidate matches every record of one candidate, shared or not. Pair it
// with a View so unshared records never reach the candidate.
func OfCandidate(orgID, userName string) Filter {
	return func(r model.ResultRecord) bool {
		return r.OrgID == orgID && r.UserName == userName
	}
}

// Tombstone is published when a record is deleted. It keeps only the fields
// filters look at and is never shared.
func Tombstone(r model.ResultRecord) model.ResultRecord {
	return model.ResultRecord{ID: r.ID, OrgID: r.OrgID, UserName: r.UserName}
}

// ChangeKind says how a View changed.
type ChangeKind string

const (
	ChangeResult  ChangeKind = "result"
	ChangeRemoved ChangeKind = "removed"
)

// Change is one update to send to a candidate.
type Change struct {
	Kind   ChangeKind
	Record model.ResultRecord
}

// View tracks the records a candidate currently sees, which is always the
// set of their shared results.
type View struct {
	visible map[string]struct{}
}

// NewView starts a view from the shared records already sent.
func NewView(snapshot []model.ResultRecord) *View {
	v := &View{visible: make(map[string]struct{}, len(snapshot))}
	for _, r := range snapshot {
		if r.IsShared {
			v.visible[r.ID] = struct{}{}
		}
	}
	return v
}

// Apply folds a published record into the view. It reports false when the
// candidate has nothing to learn from r.
func (v *View) Apply(r model.ResultRecord) (Change, bool) {
	if r.IsShared {
		v.visible[r.ID] = struct{}{}
		return Change{Kind: ChangeResult, Record: r}, true
	}
	if _, ok := v.visible[r.ID]; !ok {
		return Change{}, false
	}
	delete(v.visible, r.ID)
	return Change{Kind: ChangeRemoved, Record: r}, true
}

// InOrg matches every record of one organisation.
func InOrg(orgID string) Filter {
	return func(r model.ResultRecord) bool {
		return r.OrgID == orgID
	}
}

// subscriberBuffer is the number of undelivered records kept per subscriber.
const subscriberBuffer = 8

type subscriber struct {
	ch     chan model.ResultRecord
	filter Filter
}

// Hub fans published records out to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a filtered subscription. The caller must invoke the
// returned cancel function, which closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan model.ResultRecord, func()) {
	sub := &subscriber{ch: make(chan model.ResultRecord, subscriberBuffer), filter: filter}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers r to every matching subscriber without blocking. A slow
// subscriber loses its oldest pending record.
func (h *Hub) Publish(r model.ResultRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.filter != nil && !sub.filter(r) {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- r
		}
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
