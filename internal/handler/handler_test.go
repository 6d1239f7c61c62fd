package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/skillcheck/internal/cache"
	appI18n "github.com/pavelanni/skillcheck/internal/i18n"
	"github.com/pavelanni/skillcheck/internal/live"
	"github.com/pavelanni/skillcheck/internal/llm"
	"github.com/pavelanni/skillcheck/internal/model"
	"github.com/pavelanni/skillcheck/internal/store"
)

const testPassword = "s3cret"

type fakeBackend struct {
	calls atomic.Int32

	mu   sync.Mutex
	text string
	err  error
}

func (b *fakeBackend) reply(text string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text, b.err = text, err
}

func (b *fakeBackend) Generate(_ context.Context, _ string) (json.RawMessage, error) {
	b.calls.Add(1)
	b.mu.Lock()
	text, err := b.text, b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.Marshal(llm.Envelope{Candidates: []llm.Candidate{{
		Content: llm.Content{Role: "model", Parts: []llm.Part{{Text: text}}},
	}}})
}

type testEnv struct {
	t        *testing.T
	store    *store.Store
	srv      *httptest.Server
	backend  *fakeBackend
	orgID    string
	admin    string
	alice    string
	platform string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	backend := &fakeBackend{text: "Great work on pensions."}
	c := cache.NewMemory(cache.NewStoreLoader(s), time.Minute)
	h := New(s, c, llm.NewProxy(backend, 0), live.NewHub(), model.ServerConfig{})

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	r.Use(h.BasePathMiddleware)
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	env := &testEnv{t: t, store: s, srv: srv, backend: backend}
	ctx := context.Background()
	hash := passwordHash(t)

	org, admin, err := s.CreateOrganisation(ctx, "Acme Payroll", model.User{
		Username: "manager", DisplayName: "Manager", PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("CreateOrganisation: %v", err)
	}
	env.orgID = org.ID
	env.admin = env.session(admin.ID)

	aliceID, err := s.CreateUser(ctx, model.User{
		OrgID: org.ID, Username: "alice", DisplayName: "Alice", PasswordHash: hash,
		Role: model.UserRoleCandidate, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	env.alice = env.session(aliceID)

	rootID, err := s.CreateUser(ctx, model.User{
		Username: "root", DisplayName: "Root", PasswordHash: hash,
		Role: model.UserRolePlatformAdmin, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	env.platform = env.session(rootID)
	return env
}

func passwordHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func (e *testEnv) session(userID int64) string {
	e.t.Helper()
	token, err := e.store.CreateAuthSession(context.Background(), userID)
	if err != nil {
		e.t.Fatalf("CreateAuthSession: %v", err)
	}
	return token
}

func (e *testEnv) request(method, path, token string, body any, headers ...string) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func (e *testEnv) createQuestion(text, topic, answer string) model.Question {
	e.t.Helper()
	resp := e.request(http.MethodPost, "/api/questions", e.admin, questionRequest{
		Text: text, Options: []string{"A", "B", "C", "D"}, Answer: answer, Topic: topic, Difficulty: "easy",
	})
	expectStatus(e.t, resp, http.StatusCreated)
	return decode[model.Question](e.t, resp)
}

func (e *testEnv) createTest(name string, ids ...string) model.TestDefinition {
	e.t.Helper()
	resp := e.request(http.MethodPost, "/api/tests", e.admin, testRequest{Name: name, QuestionIDs: ids})
	expectStatus(e.t, resp, http.StatusCreated)
	return decode[model.TestDefinition](e.t, resp)
}

func TestLoginAndHome(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(http.MethodPost, "/login", "", loginRequest{Username: "manager", Password: testPassword})
	expectStatus(t, resp, http.StatusOK)
	login := decode[struct {
		Token string          `json:"token"`
		Route json.RawMessage `json:"route"`
	}](t, resp)
	if login.Token == "" {
		t.Fatal("expected a session token")
	}
	if string(login.Route) != `{"view":"orgAdminDashboard"}` {
		t.Errorf("route = %s", login.Route)
	}
	var sawCookie bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value == login.Token && c.HttpOnly {
			sawCookie = true
		}
	}
	if !sawCookie {
		t.Error("login should set an HttpOnly session cookie")
	}

	home := env.request(http.MethodGet, "/api/home", login.Token, nil)
	expectStatus(t, home, http.StatusOK)
	body := decode[struct {
		Route json.RawMessage `json:"route"`
		Data  []any           `json:"data"`
	}](t, home)
	if string(body.Route) != `{"view":"orgAdminDashboard"}` {
		t.Errorf("home route = %s", body.Route)
	}

	out := env.request(http.MethodPost, "/logout", login.Token, nil)
	expectStatus(t, out, http.StatusOK)
	expectStatus(t, env.request(http.MethodGet, "/api/home", login.Token, nil), http.StatusUnauthorized)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "manager", "nope"},
		{"unknown user", "ghost", testPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(http.MethodPost, "/login", "", loginRequest{Username: tt.username, Password: tt.password})
			expectStatus(t, resp, http.StatusUnauthorized)
			body := decode[errorBody](t, resp)
			if body.Error != "Invalid username or password." {
				t.Errorf("error = %q", body.Error)
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"anonymous", http.MethodGet, "/api/questions", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/questions", "forged", http.StatusUnauthorized},
		{"candidate on admin route", http.MethodGet, "/api/questions", env.alice, http.StatusForbidden},
		{"admin on admin route", http.MethodGet, "/api/questions", env.admin, http.StatusOK},
		{"admin on candidate route", http.MethodGet, "/api/me/results", env.admin, http.StatusForbidden},
		{"candidate on own results", http.MethodGet, "/api/me/results", env.alice, http.StatusOK},
		{"admin on platform route", http.MethodGet, "/api/organisations", env.admin, http.StatusForbidden},
		{"platform admin", http.MethodGet, "/api/organisations", env.platform, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.request(tt.method, tt.path, tt.token, nil), tt.want)
		})
	}
}

func TestAttemptScoringAndSharingGate(t *testing.T) {
	env := newTestEnv(t)
	q1 := env.createQuestion("Basic rate band?", "PAYE", "A")
	q2 := env.createQuestion("Auto-enrolment age?", "Pensions", "B")
	test := env.createTest("Payroll basics", q1.ID, q2.ID)

	// Candidates see questions without answers.
	resp := env.request(http.MethodGet, "/api/tests/"+test.ID, env.alice, nil)
	expectStatus(t, resp, http.StatusOK)
	raw := decode[map[string]any](t, resp)
	questions := raw["questions"].([]any)
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	for _, q := range questions {
		if _, ok := q.(map[string]any)["answer"]; ok {
			t.Fatal("answers must not be sent to candidates")
		}
	}

	resp = env.request(http.MethodPost, "/api/tests/"+test.ID+"/attempts", env.alice, attemptRequest{
		Answers: []model.AnswerEntry{{QuestionID: q1.ID, Answer: "A"}, {QuestionID: q2.ID, Answer: "C"}},
	})
	expectStatus(t, resp, http.StatusCreated)
	attempt := decode[attemptResponse](t, resp)
	if !strings.HasPrefix(attempt.ResultID, "alice-") {
		t.Errorf("result id = %q", attempt.ResultID)
	}

	// Fresh results are not visible to the candidate.
	mine := decode[[]model.ResultRecord](t, env.request(http.MethodGet, "/api/me/results", env.alice, nil))
	if len(mine) != 0 {
		t.Fatalf("unshared result leaked to candidate: %+v", mine)
	}

	resp = env.request(http.MethodGet, "/api/results/"+attempt.ResultID, env.admin, nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("ETag") != `"1"` {
		t.Errorf("ETag = %q", resp.Header.Get("ETag"))
	}
	rec := decode[model.ResultRecord](t, resp)
	if rec.Score != 1 || rec.TotalQuestions != 2 || rec.Percentage != 50 {
		t.Errorf("score %d/%d (%d%%), want 1/2 (50%%)", rec.Score, rec.TotalQuestions, rec.Percentage)
	}
	if rec.TopicScores["PAYE"] != 100 || rec.TopicScores["Pensions"] != 0 {
		t.Errorf("topic scores = %v", rec.TopicScores)
	}
	if rec.IsShared {
		t.Error("new results must not be shared")
	}

	resp = env.request(http.MethodPost, "/api/results/"+rec.ID+"/share", env.admin,
		shareRequest{Shared: true, ManagerFeedback: "Revise pensions."}, "If-Match", `"1"`)
	expectStatus(t, resp, http.StatusOK)
	shared := decode[shareResponse](t, resp)
	if !shared.Result.IsShared || shared.Result.Version != 2 {
		t.Errorf("unexpected shared result %+v", shared.Result)
	}
	if shared.Message != "Result shared with alice." {
		t.Errorf("message = %q", shared.Message)
	}

	mine = decode[[]model.ResultRecord](t, env.request(http.MethodGet, "/api/me/results", env.alice, nil))
	if len(mine) != 1 || mine[0].ManagerFeedback != "Revise pensions." {
		t.Fatalf("expected the shared result, got %+v", mine)
	}

	stale := env.request(http.MethodPost, "/api/results/"+rec.ID+"/share", env.admin,
		shareRequest{Shared: false}, "If-Match", `"1"`)
	expectStatus(t, stale, http.StatusPreconditionFailed)
	if stale.Header.Get("ETag") != `"2"` {
		t.Errorf("conflict should report current version, got %q", stale.Header.Get("ETag"))
	}

	skills := decode[teamSkills](t, env.request(http.MethodGet, "/api/team/skills", env.admin, nil))
	if skills.Results != 1 || skills.Topics["PAYE"] != 100 {
		t.Errorf("team skills = %+v", skills)
	}
}

func TestAttemptValidation(t *testing.T) {
	env := newTestEnv(t)
	q1 := env.createQuestion("Q1", "PAYE", "A")
	test := env.createTest("T", q1.ID)

	resp := env.request(http.MethodPost, "/api/tests/"+test.ID+"/attempts", env.alice, attemptRequest{
		Answers: []model.AnswerEntry{{QuestionID: "not-in-test", Answer: "A"}},
	})
	expectStatus(t, resp, http.StatusBadRequest)

	expectStatus(t, env.request(http.MethodPost, "/api/tests/missing/attempts", env.alice, attemptRequest{}),
		http.StatusNotFound)

	results, err := env.store.ListResults(context.Background(), env.orgID)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("nothing should be written on a rejected attempt, got %d", len(results))
	}
}

func TestQuestionEditInvalidatesCachedTest(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion("Old text", "PAYE", "A")
	test := env.createTest("T", q.ID)

	expectStatus(t, env.request(http.MethodGet, "/api/tests/"+test.ID, env.alice, nil), http.StatusOK)

	resp := env.request(http.MethodPut, "/api/questions/"+q.ID, env.admin, questionRequest{
		Text: "New text", Options: []string{"A", "B", "C", "D"}, Answer: "B", Topic: "PAYE",
	})
	expectStatus(t, resp, http.StatusOK)

	view := decode[publicTest](t, env.request(http.MethodGet, "/api/tests/"+test.ID, env.alice, nil))
	if view.Questions[0].Text != "New text" {
		t.Errorf("cached question set was not invalidated: %q", view.Questions[0].Text)
	}
}

func uploadCSV(t *testing.T, env *testEnv, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/questions/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.admin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestImportQuestions(t *testing.T) {
	env := newTestEnv(t)
	header := "text,option1,option2,option3,option4,answer,topic,difficulty\n"

	bad := header + "Q1,A,B,C,D,A,PAYE,easy\nQ2,A,B,C,D,Z,PAYE,easy\n"
	resp := uploadCSV(t, env, "bad.csv", bad)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[struct {
		Error string           `json:"error"`
		Lines []map[string]any `json:"lines"`
	}](t, resp)
	if len(body.Lines) != 1 || body.Lines[0]["line"] != float64(3) || body.Lines[0]["message"] == "" {
		t.Errorf("expected one error on line 3, got %+v", body.Lines)
	}
	if body.Error != "Import rejected: 1 row has errors. Nothing was saved." {
		t.Errorf("error = %q", body.Error)
	}
	if n, _ := env.store.QuestionCount(context.Background(), env.orgID); n != 0 {
		t.Fatalf("rejected batch wrote %d questions", n)
	}

	good := header + "Q1,A,B,C,D,A,PAYE,easy\nQ2,A,B,C,D,B,NI,hard\n"
	resp = uploadCSV(t, env, "good.csv", good)
	expectStatus(t, resp, http.StatusCreated)
	imported := decode[importResponse](t, resp)
	if imported.Imported != 2 || imported.Message != "2 questions imported." {
		t.Errorf("unexpected response %+v", imported)
	}

	// Re-uploading the same file after deleting its questions brings them back.
	questions := decode[[]model.Question](t, env.request(http.MethodGet, "/api/questions", env.admin, nil))
	for _, q := range questions {
		expectStatus(t, env.request(http.MethodDelete, "/api/questions/"+q.ID, env.admin, nil), http.StatusNoContent)
	}
	resp = uploadCSV(t, env, "good.csv", good)
	expectStatus(t, resp, http.StatusCreated)
	if again := decode[importResponse](t, resp); again.Imported != 2 {
		t.Errorf("identical re-upload imported %d, want 2", again.Imported)
	}
	if n, _ := env.store.QuestionCount(context.Background(), env.orgID); n != 2 {
		t.Errorf("expected 2 questions, got %d", n)
	}
}

func TestQuestionValidationMessage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(http.MethodPost, "/api/questions", env.admin, questionRequest{
		Text: "Q", Options: []string{"A", "B", "C", "D"}, Answer: "E",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[errorBody](t, resp)
	if !strings.Contains(body.Error, `answer "E" is not one of the options`) {
		t.Errorf("error = %q", body.Error)
	}
}

func TestProxyGenerate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(http.MethodPost, "/api/proxy/generate", "", proxyRequest{Prompt: "hello"})
	expectStatus(t, resp, http.StatusUnauthorized)
	anon := decode[proxyErrorBody](t, resp)
	if anon.Error == nil || anon.Error.Status != llm.StatusUnauthenticated {
		t.Errorf("error = %+v", anon.Error)
	}
	if env.backend.calls.Load() != 0 {
		t.Fatal("upstream must not be called for an anonymous caller")
	}

	resp = env.request(http.MethodPost, "/api/proxy/generate", env.alice, proxyRequest{Prompt: "hello"})
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	text, err := llm.ExtractText(raw)
	if err != nil || text != "Great work on pensions." {
		t.Errorf("ExtractText = %q, %v", text, err)
	}

	// A stale session cookie without a CSRF header is still just unauthenticated.
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/proxy/generate", strings.NewReader(`{"prompt":"hello"}`))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "expired-token"})
	stale, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer stale.Body.Close()
	expectStatus(t, stale, http.StatusUnauthorized)
	if body := decode[proxyErrorBody](t, stale); body.Error == nil || body.Error.Status != llm.StatusUnauthenticated {
		t.Errorf("stale cookie error = %+v", body.Error)
	}

	for _, prompt := range []string{"", strings.Repeat("x", llm.MaxPromptLength+1)} {
		resp = env.request(http.MethodPost, "/api/proxy/generate", env.alice, proxyRequest{Prompt: prompt})
		expectStatus(t, resp, http.StatusInternalServerError)
		if body := decode[proxyErrorBody](t, resp); body.Error == nil || body.Error.Status != llm.StatusInternal {
			t.Errorf("prompt of %d bytes: error = %+v", len(prompt), body.Error)
		}
	}

	env.backend.reply("", errors.New("connection reset"))
	resp = env.request(http.MethodPost, "/api/proxy/generate", env.alice, proxyRequest{Prompt: "hello"})
	expectStatus(t, resp, http.StatusInternalServerError)
	if got := env.backend.calls.Load(); got != 2 {
		t.Errorf("expected 2 upstream calls, got %d", got)
	}
}

func seedResult(t *testing.T, env *testEnv) model.ResultRecord {
	t.Helper()
	r := model.ResultRecord{
		ID: "alice-1700000000000-abcd1234", OrgID: env.orgID, TestID: "t1", TestName: "T",
		UserID: 2, UserName: "alice", Score: 1, TotalQuestions: 2, Percentage: 50,
		Answers:     []model.AnswerEntry{{QuestionID: "q1", Answer: "A"}, {QuestionID: "q2", Answer: "C"}},
		TopicScores: map[string]int{"PAYE": 100, "Pensions": 0},
		Timestamp:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := env.store.InsertResult(context.Background(), r); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	return r
}

func TestAIFeedback(t *testing.T) {
	env := newTestEnv(t)
	r := seedResult(t, env)

	resp := env.request(http.MethodPost, "/api/results/"+r.ID+"/ai-feedback", env.admin, nil)
	expectStatus(t, resp, http.StatusOK)
	if rec := decode[model.ResultRecord](t, resp); rec.AIFeedback != "Great work on pensions." {
		t.Errorf("AIFeedback = %q", rec.AIFeedback)
	}

	env.backend.reply("", &llm.ProxyError{Status: llm.StatusInternal, Message: "API Error: 503"})
	resp = env.request(http.MethodPost, "/api/results/"+r.ID+"/ai-feedback", env.admin, nil)
	expectStatus(t, resp, http.StatusBadGateway)
	if body := decode[errorBody](t, resp); body.Error != "Could not generate feedback. Please try again later." {
		t.Errorf("error = %q", body.Error)
	}
	stored, _ := env.store.GetResult(context.Background(), env.orgID, r.ID)
	if stored.AIFeedback != "Great work on pensions." {
		t.Errorf("failed regeneration changed AIFeedback to %q", stored.AIFeedback)
	}
}

func TestGenerateQuestionDraft(t *testing.T) {
	env := newTestEnv(t)
	const draft = "Q: What is the lower earnings limit?"
	env.backend.reply(draft, nil)

	resp := env.request(http.MethodPost, "/api/ai/questions", env.admin, generateQuestionRequest{Topic: "NI"})
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]string](t, resp); body["text"] != draft {
		t.Errorf("text = %q", body["text"])
	}
	expectStatus(t, env.request(http.MethodPost, "/api/ai/questions", env.admin, generateQuestionRequest{}),
		http.StatusBadRequest)
}

func TestLiveSharedResults(t *testing.T) {
	env := newTestEnv(t)
	r := seedResult(t, env)

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/me/results/live"
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer " + env.alice}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot struct {
		Type    string               `json:"type"`
		Payload []model.ResultRecord `json:"payload"`
	}
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "snapshot" || len(snapshot.Payload) != 0 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	// Feedback on an unshared result is not pushed; sharing is.
	expectStatus(t, env.request(http.MethodPost, "/api/results/"+r.ID+"/ai-feedback", env.admin, nil), http.StatusOK)
	expectStatus(t, env.request(http.MethodPost, "/api/results/"+r.ID+"/share", env.admin, shareRequest{Shared: true}),
		http.StatusOK)

	var update struct {
		Type    string             `json:"type"`
		Payload model.ResultRecord `json:"payload"`
	}
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "result" || update.Payload.ID != r.ID || !update.Payload.IsShared {
		t.Errorf("unexpected update %+v", update)
	}
	if update.Payload.AIFeedback != "Great work on pensions." {
		t.Errorf("pushed record should carry feedback, got %q", update.Payload.AIFeedback)
	}

	expectStatus(t, env.request(http.MethodPost, "/api/results/"+r.ID+"/share", env.admin, shareRequest{Shared: false}),
		http.StatusOK)
	expectRemoved(t, conn, r.ID)

	expectStatus(t, env.request(http.MethodPost, "/api/results/"+r.ID+"/share", env.admin, shareRequest{Shared: true}),
		http.StatusOK)
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read reshare: %v", err)
	}
	if update.Type != "result" || update.Payload.ID != r.ID {
		t.Errorf("unexpected update %+v", update)
	}

	expectStatus(t, env.request(http.MethodDelete, "/api/results/"+r.ID, env.admin, nil), http.StatusNoContent)
	expectRemoved(t, conn, r.ID)

	mine := decode[[]model.ResultRecord](t, env.request(http.MethodGet, "/api/me/results", env.alice, nil))
	if len(mine) != 0 {
		t.Errorf("query still returns %d records", len(mine))
	}
}

func expectRemoved(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	var msg struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read removal of %s: %v", id, err)
	}
	if msg.Type != "removed" || msg.Payload["id"] != id {
		t.Errorf("expected removal of %s, got %+v", id, msg)
	}
}

func TestCSRFForCookieSessions(t *testing.T) {
	env := newTestEnv(t)
	post := func(csrfCookie, csrfHeader string) int {
		body := strings.NewReader(`{"text":"Q","options":["A","B","C","D"],"answer":"A"}`)
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/questions", body)
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: env.admin})
		if csrfCookie != "" {
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: csrfCookie})
		}
		if csrfHeader != "" {
			req.Header.Set(csrfHeaderName, csrfHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := post("", ""); got != http.StatusForbidden {
		t.Errorf("missing token: status %d", got)
	}
	if got := post("abc", "xyz"); got != http.StatusForbidden {
		t.Errorf("mismatched token: status %d", got)
	}
	if got := post("abc", "abc"); got != http.StatusCreated {
		t.Errorf("matching token: status %d", got)
	}

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/questions", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "expired-token"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("stale cookie: status %d, want 401", resp.StatusCode)
	}
}

func TestNavigate(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion("Q", "PAYE", "A")
	test := env.createTest("T", q.ID)

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"candidate opens test", env.alice, `{"view":"candidateTestInProgress","testId":"` + test.ID + `"}`, http.StatusOK},
		{"candidate opens admin report", env.alice, `{"view":"orgAdminResults","resultId":"x"}`, http.StatusForbidden},
		{"candidate opens other welcome", env.alice, `{"view":"candidateDashboard","userName":"bob"}`, http.StatusForbidden},
		{"admin opens builder", env.admin, `{"view":"orgAdminTestBuilder"}`, http.StatusOK},
		{"admin opens missing report", env.admin, `{"view":"orgAdminResults","resultId":"x"}`, http.StatusNotFound},
		{"unknown view", env.admin, `{"view":"elsewhere"}`, http.StatusBadRequest},
		{"platform admin", env.platform, `{"view":"platformAdmin"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/navigate", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+tt.token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("navigate: %v", err)
			}
			defer resp.Body.Close()
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestCreateOrganisationAndCandidate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(http.MethodPost, "/api/organisations", env.platform, createOrganisationRequest{
		Name: "Beta Ltd", AdminUsername: "beta-admin", AdminPassword: "pw",
	})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[organisationResponse](t, resp)
	if created.Admin.Role != model.UserRoleOrgAdmin || created.Admin.OrgID != created.Organisation.ID {
		t.Errorf("unexpected admin %+v", created.Admin)
	}

	resp = env.request(http.MethodPost, "/api/users", env.admin, createUserRequest{Username: "bob", Password: "pw"})
	expectStatus(t, resp, http.StatusCreated)
	bob := decode[model.User](t, resp)
	if bob.Role != model.UserRoleCandidate || bob.OrgID != env.orgID || bob.DisplayName != "bob" {
		t.Errorf("unexpected candidate %+v", bob)
	}

	resp = env.request(http.MethodPost, "/api/users", env.admin, createUserRequest{Username: "bob", Password: "pw"})
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Error != "A user with this username already exists." {
		t.Errorf("duplicate user error = %q", body.Error)
	}

	resp = env.request(http.MethodPost, "/api/organisations", env.platform, createOrganisationRequest{
		Name: "Beta Ltd", AdminUsername: "beta-admin-2", AdminPassword: "pw",
	})
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Error != "An organisation with this name already exists." {
		t.Errorf("duplicate organisation error = %q", body.Error)
	}

	resp = env.request(http.MethodPost, "/api/users/"+strconv.FormatInt(bob.ID, 10)+"/toggle", env.admin, nil)
	expectStatus(t, resp, http.StatusOK)
	if u := decode[model.User](t, resp); u.Active {
		t.Error("toggle should deactivate the user")
	}
}

func TestParseIfMatch(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"*", 0, false},
		{`"3"`, 3, false},
		{`W/"4"`, 4, false},
		{"5", 5, false},
		{`"0"`, 0, true},
		{`"abc"`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseIfMatch(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseIfMatch(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseIfMatch(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
