package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "ErrNotFound"); got != "The requested item was not found." {
		t.Errorf("T(ErrNotFound) = %q", got)
	}
	if got := T(ctx, "ErrUnauthenticated"); got != "Please sign in to continue." {
		t.Errorf("T(ErrUnauthenticated) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	if got := T(ctx, "ErrNotFound"); got != "Запрашиваемый объект не найден." {
		t.Errorf("T(ErrNotFound) = %q", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "QuestionsImported", 1); got != "1 question imported." {
		t.Errorf("Tp(QuestionsImported, 1) = %q", got)
	}
	if got := Tp(ctx, "QuestionsImported", 5); got != "5 questions imported." {
		t.Errorf("Tp(QuestionsImported, 5) = %q", got)
	}

	ru := initLang(t, "ru")
	if got := Tp(ru, "QuestionsImported", 3); got != "Импортировано 3 вопроса." {
		t.Errorf("Tp(ru, 3) = %q", got)
	}
	if got := Tp(ru, "QuestionsImported", 5); got != "Импортировано 5 вопросов." {
		t.Errorf("Tp(ru, 5) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ResultShared", map[string]any{"Name": "Alice"})
	if got != "Result shared with Alice." {
		t.Errorf("Td(ResultShared) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestUnsupportedLanguageFallsBack(t *testing.T) {
	ctx := initLang(t, "de")

	if got := T(ctx, "ErrForbidden"); got != "You do not have access to this page." {
		t.Errorf("T(ErrForbidden) = %q", got)
	}
}

func TestMiddlewareNegotiates(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	tests := []struct {
		name   string
		query  string
		header string
		want   string
	}{
		{"header", "", "ru-RU,ru;q=0.9,en;q=0.8", "Запрашиваемый объект не найден."},
		{"query wins", "?lang=en", "ru", "The requested item was not found."},
		{"fallback", "", "", "The requested item was not found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = T(r.Context(), "ErrNotFound")
			}))
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLanguages(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if n := len(Languages()); n != 2 {
		t.Errorf("expected 2 locales, got %d", n)
	}
}
