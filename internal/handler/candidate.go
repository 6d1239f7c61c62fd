package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/skillcheck/internal/cache"
	"github.com/pavelanni/skillcheck/internal/live"
	"github.com/pavelanni/skillcheck/internal/model"
	"github.com/pavelanni/skillcheck/internal/scoring"
)

type testSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	QuestionCount int       `json:"questionCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *Handler) listTestSummaries(r *http.Request) ([]testSummary, error) {
	tests, err := h.store.ListTests(r.Context(), orgOf(r.Context()))
	if err != nil {
		return nil, err
	}
	out := make([]testSummary, len(tests))
	for i, t := range tests {
		out[i] = testSummary{ID: t.ID, Name: t.Name, QuestionCount: len(t.QuestionIDs), CreatedAt: t.CreatedAt}
	}
	return out, nil
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.listTestSummaries(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

type publicTest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Questions []model.PublicQuestion `json:"questions"`
}

func publicView(set cache.QuestionSet) publicTest {
	qs := make([]model.PublicQuestion, len(set.Questions))
	for i, q := range set.Questions {
		qs[i] = q.Public()
	}
	return publicTest{ID: set.Test.ID, Name: set.Test.Name, Questions: qs}
}

// handleGetTest returns the resolved test. Candidates never see answers.
func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	set, err := h.cache.Get(ctx, orgOf(ctx), chi.URLParam(r, "testID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if model.UserFromContext(ctx).Role == model.UserRoleCandidate {
		writeJSON(w, http.StatusOK, publicView(set))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

type attemptRequest struct {
	Answers []model.AnswerEntry `json:"answers"`
}

type attemptResponse struct {
	ResultID  string    `json:"resultId"`
	Timestamp time.Time `json:"timestamp"`
}

// handleSubmitAttempt scores a completed attempt and stores the result. The
// score itself is not returned; the candidate sees it once it is shared.
func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	user := model.UserFromContext(ctx)

	set, err := h.cache.Get(ctx, user.OrgID, chi.URLParam(r, "testID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attempt, err := scoring.NewAttempt(set.Test)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, a := range req.Answers {
		if err := attempt.Record(a.QuestionID, a.Answer); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	rec, err := h.pipeline.Complete(ctx, set.Test, set.Questions, attempt.Answers(),
		model.Identity{UserID: user.ID, UserName: user.Username})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.hub.Publish(rec)
	slog.Info("attempt completed", "org", rec.OrgID, "test", rec.TestID, "user", rec.UserName,
		"result", rec.ID, "unresolved", rec.Unresolved)
	writeJSON(w, http.StatusCreated, attemptResponse{ResultID: rec.ID, Timestamp: rec.Timestamp})
}

func (h *Handler) handleMyResults(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	results, err := h.store.ListSharedResults(r.Context(), user.OrgID, user.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(results))
}

type liveMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// liveWriteTimeout bounds a single websocket write.
const liveWriteTimeout = 10 * time.Second

// handleMyResultsLive streams the candidate's shared results: a snapshot
// first, then "result" for each shared record that changes and "removed"
// when a record is unshared or deleted.
func (h *Handler) handleMyResultsLive(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.hub.Subscribe(live.OfCandidate(user.OrgID, user.Username))
	defer cancel()

	results, err := h.store.ListSharedResults(r.Context(), user.OrgID, user.Username)
	if err != nil {
		slog.Error("failed to load shared results", "user", user.Username, "error", err)
		_ = conn.WriteJSON(liveMessage{Type: "error", Payload: map[string]string{"message": "internal error"}})
		return
	}
	if err := writeLive(conn, liveMessage{Type: "snapshot", Payload: nonNil(results)}); err != nil {
		return
	}
	view := live.NewView(results)

	// The client sends nothing; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-updates:
			if !ok {
				return
			}
			change, ok := view.Apply(rec)
			if !ok {
				continue
			}
			msg := liveMessage{Type: string(change.Kind), Payload: change.Record}
			if change.Kind == live.ChangeRemoved {
				msg.Payload = map[string]string{"id": change.Record.ID}
			}
			if err := writeLive(conn, msg); err != nil {
				slog.Debug("ws write error", "user", user.Username, "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeLive(conn *websocket.Conn, msg liveMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return conn.WriteJSON(msg)
}
