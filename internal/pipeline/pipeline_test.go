package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/pdfquiz/internal/document"
	"github.com/pavelanni/pdfquiz/internal/extract"
	"github.com/pavelanni/pdfquiz/internal/model"
	"github.com/pavelanni/pdfquiz/internal/ocr"
	"github.com/pavelanni/pdfquiz/internal/persist"
	"github.com/pavelanni/pdfquiz/internal/store"
)

const forceQuestion = `{"question_text":"What is the SI unit of force?","option_a":"Newton","option_b":"Joule","option_c":"Watt","option_d":"Pascal","correct_answer":"A","subject":"Physics","difficulty_level":"easy","confidence_score":0.9}`

const (
	pageOne = "1. What is the SI unit of force? A. Newton B. Joule C. Watt D. Pascal. Answer: A"
	pageTwo = "2. A body at rest stays at rest unless a force acts on it. What law is this? Answer: first"
)

type fakeRasterizer struct {
	pages   []string
	err     error
	mu      sync.Mutex
	cleaned []string
}

func (f *fakeRasterizer) Rasterize(_ context.Context, _ string, _ []byte) ([]model.PageImage, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.PageImage
	for i, p := range f.pages {
		out = append(out, model.PageImage{PageNumber: i + 1, Data: []byte(p), Enhanced: true})
	}
	return out, nil
}

func (f *fakeRasterizer) Cleanup(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, runID)
	return nil
}

// fakeEngine echoes the image bytes back as recognized text.
type fakeEngine struct{}

func (fakeEngine) Annotate(_ context.Context, image []byte) (*ocr.Annotation, error) {
	return &ocr.Annotation{Text: string(image)}, nil
}

type fakeGen struct {
	respond func(prompt string) (string, error)
}

func (g fakeGen) Generate(_ context.Context, prompt string) (string, error) {
	return g.respond(prompt)
}

type harness struct {
	orch   *Orchestrator
	store  *store.Store
	raster *fakeRasterizer
}

func newHarness(t *testing.T, raster *fakeRasterizer, gen fakeGen, cfg Config) *harness {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ex, err := extract.New(gen, extract.Config{})
	if err != nil {
		t.Fatalf("extract.New: %v", err)
	}
	ctx := context.Background()
	o := New(Stages{
		Validator:  document.NewValidator(0),
		Rasterizer: raster,
		Recognizer: ocr.NewRecognizer(fakeEngine{}, ocr.Config{}),
		Extractor:  ex,
		Persister:  persist.New(s, persist.LoadSubjectLookup(ctx, s), persist.Config{}),
		Runs:       s,
	}, cfg)
	o.countPages = func([]byte) (int, error) { return 0, errors.New("not parsed in tests") }
	return &harness{orch: o, store: s, raster: raster}
}

func pdfRequest(docID string) Request {
	data := append([]byte("%PDF-1.4\n"), make([]byte, 2048)...)
	return Request{
		DocumentID: docID,
		UserID:     "alice",
		Title:      "mock exam",
		Document:   model.SourceDocument{Data: data, MediaType: model.MediaTypePDF, Size: int64(len(data))},
	}
}

func (h *harness) status(t *testing.T, docID string) *model.DocumentStatus {
	t.Helper()
	ds, err := h.store.GetDocumentStatus(context.Background(), docID, "alice")
	if err != nil {
		t.Fatalf("GetDocumentStatus: %v", err)
	}
	return ds
}

func (h *harness) assertCleaned(t *testing.T, runID string) {
	t.Helper()
	h.raster.mu.Lock()
	defer h.raster.mu.Unlock()
	if len(h.raster.cleaned) != 1 || h.raster.cleaned[0] != runID {
		t.Errorf("expected cleanup of run %s, got %v", runID, h.raster.cleaned)
	}
}

func TestSingleQuestionCompletes(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) {
		return "```json\n[" + forceQuestion + "]\n```", nil
	}}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{ExcerptChars: 100})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != model.StatusCompleted || res.Stored != 1 || res.MessageID != MsgCompleted {
		t.Errorf("unexpected result: %+v", res)
	}
	ds := h.status(t, "doc-a")
	if ds.Status != model.StatusCompleted || ds.TotalQuestions != 1 {
		t.Errorf("unexpected document status: %+v", ds)
	}
	qs, err := h.store.ListQuestions(context.Background(), "doc-a", "alice")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 1 || qs[0].Correct != model.OptionA || qs[0].Provenance != model.ProvenanceJSON {
		t.Errorf("unexpected stored questions: %+v", qs)
	}
	text, _ := h.store.GetExtractedText(context.Background(), "doc-a", "alice")
	if !strings.HasPrefix(text, "--- PAGE 1") {
		t.Errorf("expected excerpt of recognized text, got %q", text)
	}

	run, err := h.store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.StatusCompleted || run.Stored != 1 || run.FinishedAt == nil {
		t.Errorf("unexpected run record: %+v", run)
	}
	for _, s := range []model.Stage{model.StageRasterize, model.StageRecognize, model.StageExtract, model.StageValidate, model.StagePersist} {
		if _, ok := run.StageTimes[s]; !ok {
			t.Errorf("missing stage time for %s", s)
		}
	}
	h.assertCleaned(t, res.RunID)
}

func TestNoReadableTextFails(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) {
		t.Error("extractor must not be called")
		return "", nil
	}}
	h := newHarness(t, &fakeRasterizer{pages: []string{"", "  "}}, gen, Config{})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-b"))
	if !errors.Is(err, ocr.ErrNoReadableText) {
		t.Fatalf("expected ErrNoReadableText, got %v", err)
	}
	if res == nil || res.Status != model.StatusFailed || res.MessageID != MsgFailureNoText {
		t.Fatalf("unexpected result: %+v", res)
	}
	ds := h.status(t, "doc-b")
	if ds.Status != model.StatusFailed || ds.ErrorDetail == "" {
		t.Errorf("expected failed status with detail, got %+v", ds)
	}
	run, err := h.store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.StatusFailed || run.ErrorDetail == "" {
		t.Errorf("unexpected run record: %+v", run)
	}
	h.assertCleaned(t, res.RunID)
}

func TestDuplicateAcrossPagesStoredOnce(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) {
		return "[" + forceQuestion + "]", nil
	}}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne, pageTwo}}, gen, Config{PerPage: true})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-c"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Chunks != 2 || res.Extracted != 2 || res.Duplicates != 1 || res.Stored != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if ds := h.status(t, "doc-c"); ds.TotalQuestions != 1 {
		t.Errorf("expected total 1, got %d", ds.TotalQuestions)
	}
}

func TestChunkFailureIsNotFatal(t *testing.T) {
	gen := fakeGen{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "What law is this") {
			return "", errors.New("503 service unavailable")
		}
		return "[" + forceQuestion + "]", nil
	}}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne, pageTwo}}, gen, Config{PerPage: true})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-e"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != model.StatusCompleted || res.FailedChunks != 1 || res.Stored != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	qs, _ := h.store.ListQuestions(context.Background(), "doc-e", "alice")
	if len(qs) != 1 || qs[0].SourcePage != 1 {
		t.Errorf("expected one question from page 1, got %+v", qs)
	}
}

func TestNoQuestionsIsCompleted(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) { return "[]", nil }}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-z"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != model.StatusCompleted || res.Stored != 0 || res.MessageID != MsgNoQuestions {
		t.Errorf("unexpected result: %+v", res)
	}
	ds := h.status(t, "doc-z")
	if ds.Status != model.StatusCompleted || ds.TotalQuestions != 0 {
		t.Errorf("unexpected document status: %+v", ds)
	}
}

func TestAllChunksFailed(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) { return "", errors.New("quota exceeded") }}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-x"))
	if !errors.Is(err, extract.ErrAllChunksFailed) {
		t.Fatalf("expected ErrAllChunksFailed, got %v", err)
	}
	if res.MessageID != MsgFailureExtraction || h.status(t, "doc-x").Status != model.StatusFailed {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRasterizeFailure(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) { return "[]", nil }}
	raster := &fakeRasterizer{err: fmt.Errorf("open pdf: %w", errors.New("corrupt xref"))}
	h := newHarness(t, raster, gen, Config{})

	res, err := h.orch.Process(context.Background(), pdfRequest("doc-r"))
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != model.StatusFailed || res.MessageID != MsgFailureRasterize {
		t.Errorf("unexpected result: %+v", res)
	}
	if h.status(t, "doc-r").Status != model.StatusFailed {
		t.Error("expected failed document status")
	}
	h.assertCleaned(t, res.RunID)
}

func TestRejectedUpload(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) { return "[]", nil }}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{})

	req := pdfRequest("doc-bad")
	req.Document.MediaType = "image/png"
	res, err := h.orch.Process(context.Background(), req)

	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rej.Verdict.Check != document.CheckMediaType {
		t.Errorf("expected media type check, got %q", rej.Verdict.Check)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if len(h.raster.cleaned) != 0 {
		t.Error("no resources should be allocated for a rejected upload")
	}
	if _, err := h.store.GetDocumentStatus(context.Background(), "doc-bad", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no document record, got %v", err)
	}
}

func TestForeignDocumentID(t *testing.T) {
	gen := fakeGen{respond: func(string) (string, error) { return "[]", nil }}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{})
	if err := h.store.EnsureDocument(context.Background(), "doc-bob", "bob", "", 0); err != nil {
		t.Fatalf("EnsureDocument: %v", err)
	}

	_, err := h.orch.Process(context.Background(), pdfRequest("doc-bob"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailureRecordedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := fakeGen{respond: func(string) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	h := newHarness(t, &fakeRasterizer{pages: []string{pageOne}}, gen, Config{})

	res, err := h.orch.Process(ctx, pdfRequest("doc-c2"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Errorf("expected failed result, got %+v", res)
	}
	if h.status(t, "doc-c2").Status != model.StatusFailed {
		t.Error("failed status must be written even after cancellation")
	}
}
