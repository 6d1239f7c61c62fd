package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/skillcheck/internal/i18n"
	"github.com/pavelanni/skillcheck/internal/importer"
	"github.com/pavelanni/skillcheck/internal/live"
	"github.com/pavelanni/skillcheck/internal/model"
	"github.com/pavelanni/skillcheck/internal/scoring"
)

// maxUploadBytes bounds question import files.
const maxUploadBytes = 10 << 20

type questionRequest struct {
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	Answer     string   `json:"answer"`
	Topic      string   `json:"topic"`
	Difficulty string   `json:"difficulty"`
}

func (q questionRequest) question() model.Question {
	return model.Question{
		Text:       strings.TrimSpace(q.Text),
		Options:    q.Options,
		Answer:     q.Answer,
		Topic:      strings.TrimSpace(q.Topic),
		Difficulty: strings.TrimSpace(q.Difficulty),
	}
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	questions, err := h.store.ListQuestions(r.Context(), orgOf(r.Context()), q.Get("topic"), q.Get("difficulty"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(questions))
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.store.InsertQuestion(r.Context(), orgOf(r.Context()), req.question())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.store.GetQuestion(r.Context(), orgOf(r.Context()), chi.URLParam(r, "questionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleUpdateQuestion edits a question. Results already recorded keep their
// scores; only future attempts see the change.
func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	q := req.question()
	q.ID = chi.URLParam(r, "questionID")
	updated, err := h.store.UpdateQuestion(ctx, orgOf(ctx), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateOrg(r)
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.store.DeleteQuestion(ctx, orgOf(ctx), chi.URLParam(r, "questionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateOrg(r)
	w.WriteHeader(http.StatusNoContent)
}

type importResponse struct {
	Imported int    `json:"imported"`
	Message  string `json:"message"`
}

// handleImportQuestions accepts a CSV or XLSX upload in the "file" field.
// The batch is all-or-nothing. Every upload is imported, including one
// identical to an earlier file.
func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: file too large or not multipart", model.ErrValidation))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: no file uploaded", model.ErrValidation))
		return
	}
	defer file.Close()

	questions, err := importer.Parse(file, importer.FormatFromName(header.Filename))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	orgID := orgOf(ctx)
	saved, err := h.store.InsertQuestions(ctx, orgID, questions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("imported questions", "org", orgID, "file", header.Filename, "count", len(saved))
	writeJSON(w, http.StatusCreated, importResponse{
		Imported: len(saved),
		Message:  appI18n.Tp(ctx, "QuestionsImported", len(saved)),
	})
}

type testRequest struct {
	Name        string   `json:"name"`
	QuestionIDs []string `json:"questionIds"`
}

func (h *Handler) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	t, err := h.store.CreateTest(ctx, orgOf(ctx), model.TestDefinition{
		Name:        strings.TrimSpace(req.Name),
		QuestionIDs: req.QuestionIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	orgID, testID := orgOf(ctx), chi.URLParam(r, "testID")
	t, err := h.store.UpdateTest(ctx, orgID, model.TestDefinition{
		ID:          testID,
		Name:        strings.TrimSpace(req.Name),
		QuestionIDs: req.QuestionIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateTest(r, testID)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	testID := chi.URLParam(r, "testID")
	if err := h.store.DeleteTest(ctx, orgOf(ctx), testID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateTest(r, testID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListResults(r.Context(), orgOf(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(results))
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetResult(r.Context(), orgOf(r.Context()), chi.URLParam(r, "resultID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, rec)
}

func (h *Handler) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "resultID")
	rec, err := h.store.GetResult(ctx, orgOf(ctx), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.DeleteResult(ctx, orgOf(ctx), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.hub.Publish(live.Tombstone(rec))
	slog.Info("result deleted", "org", orgOf(ctx), "result", id, "by", model.UserFromContext(ctx).Username)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExportResults(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportResults(r.Context(), orgOf(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="results.json"`)
	writeJSON(w, http.StatusOK, export)
}

func (h *Handler) handleAIFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.feedback.Attach(ctx, model.UserFromContext(ctx), orgOf(ctx), chi.URLParam(r, "resultID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.hub.Publish(rec)
	writeResult(w, http.StatusOK, rec)
}

type shareRequest struct {
	Shared          bool   `json:"shared"`
	ManagerFeedback string `json:"managerFeedback"`
}

type shareResponse struct {
	Result  model.ResultRecord `json:"result"`
	Message string             `json:"message"`
}

// handleShareResult sets the sharing flag and manager feedback. An If-Match
// header carrying the result version makes the write conditional.
func (h *Handler) handleShareResult(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ifVersion, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	rec, err := h.store.SetSharing(ctx, orgOf(ctx), chi.URLParam(r, "resultID"), req.Shared, req.ManagerFeedback, ifVersion)
	if err != nil {
		if rec.ID != "" {
			w.Header().Set("ETag", etag(rec.Version))
		}
		h.writeError(w, r, err)
		return
	}
	h.hub.Publish(rec)

	msgID := "ResultUnshared"
	if rec.IsShared {
		msgID = "ResultShared"
	}
	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, http.StatusOK, shareResponse{
		Result:  rec,
		Message: appI18n.Td(ctx, msgID, map[string]any{"Name": rec.UserName}),
	})
}

func etag(version int) string {
	return `"` + strconv.Itoa(version) + `"`
}

// parseIfMatch reads a version from an If-Match header. Empty means unconditional.
func parseIfMatch(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return 0, nil
	}
	v = strings.TrimPrefix(v, "W/")
	n, err := strconv.Atoi(strings.Trim(v, `"`))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: If-Match must carry a result version", model.ErrValidation)
	}
	return n, nil
}

func writeResult(w http.ResponseWriter, status int, rec model.ResultRecord) {
	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, status, rec)
}

type teamSkills struct {
	Results int            `json:"results"`
	Topics  map[string]int `json:"topics"`
}

func (h *Handler) teamSkills(r *http.Request) (teamSkills, error) {
	results, err := h.store.ListResults(r.Context(), orgOf(r.Context()))
	if err != nil {
		return teamSkills{}, err
	}
	return teamSkills{Results: len(results), Topics: scoring.AverageTopicScores(results)}, nil
}

func (h *Handler) handleTeamSkills(w http.ResponseWriter, r *http.Request) {
	ts, err := h.teamSkills(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

type generateQuestionRequest struct {
	Topic string `json:"topic"`
}

func (h *Handler) handleGenerateQuestion(w http.ResponseWriter, r *http.Request) {
	var req generateQuestionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	text, err := h.feedback.GenerateQuestion(ctx, model.UserFromContext(ctx), req.Topic)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			h.writeError(w, r, err)
			return
		}
		slog.Warn("question draft failed", "topic", req.Topic, "error", err)
		writeMessage(w, http.StatusBadGateway, appI18n.T(ctx, "ErrQuestionDraftFailed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context(), orgOf(r.Context()))
	if err != nil {
		slog.Error("failed to list users", "error", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// handleCreateUser adds a candidate to the administrator's organisation.
func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := newUser(orgOf(r.Context()), req, model.UserRoleCandidate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	u.ID = id
	writeJSON(w, http.StatusCreated, u)
}

func newUser(orgID string, req createUserRequest, role model.UserRole) (model.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return model.User{}, fmt.Errorf("%w: username and password required", model.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	return model.User{
		OrgID:        orgID,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	}, nil
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if me := model.UserFromContext(ctx); me.ID == id {
		h.writeError(w, r, fmt.Errorf("%w: you cannot deactivate yourself", model.ErrValidation))
		return
	}
	if err := h.store.ToggleUserActive(ctx, orgOf(ctx), id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) invalidateOrg(r *http.Request) {
	if err := h.cache.InvalidateOrg(r.Context(), orgOf(r.Context())); err != nil {
		slog.Warn("cache invalidation failed", "org", orgOf(r.Context()), "error", err)
	}
}

func (h *Handler) invalidateTest(r *http.Request, testID string) {
	if err := h.cache.Invalidate(r.Context(), orgOf(r.Context()), testID); err != nil {
		slog.Warn("cache invalidation failed", "org", orgOf(r.Context()), "test", testID, "error", err)
	}
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
