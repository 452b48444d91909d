package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "MissingFile")
	if got != "No file was uploaded." {
		t.Errorf("T(MissingFile) = %q, want 'No file was uploaded.'", got)
	}

	got = T(ctx, "DocumentWrongType")
	if got != "File must be a PDF." {
		t.Errorf("T(DocumentWrongType) = %q, want 'File must be a PDF.'", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "DocumentNotFound")
	if got != "Документ не найден." {
		t.Errorf("T(DocumentNotFound) = %q, want 'Документ не найден.'", got)
	}

	got = Tp(ctx, "QuestionsAvailable", 5)
	if got != "Доступно 5 вопросов." {
		t.Errorf("Tp(QuestionsAvailable, 5) = %q, want 'Доступно 5 вопросов.'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got1 := Tp(ctx, "QuestionsAvailable", 1)
	if got1 != "1 question available." {
		t.Errorf("Tp(QuestionsAvailable, 1) = %q, want '1 question available.'", got1)
	}

	got5 := Tpd(ctx, "RunCompleted", 5, map[string]any{"Pages": 3})
	if got5 != "Processed 3 pages and stored 5 questions." {
		t.Errorf("Tpd(RunCompleted, 5) = %q", got5)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "DocumentTooLarge", map[string]any{"MaxMB": 50})
	if got != "File size must be at most 50 MB." {
		t.Errorf("Td(DocumentTooLarge, MaxMB=50) = %q, want 'File size must be at most 50 MB.'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(T(r.Context(), "StatusFailed")))
	}))

	tests := []struct {
		name   string
		url    string
		accept string
		want   string
	}{
		{"default", "/", "", "Failed"},
		{"accept header", "/", "ru-RU,ru;q=0.9", "Ошибка"},
		{"query wins", "/?lang=en", "ru", "Failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}
