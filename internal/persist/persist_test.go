package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pavelanni/pdfquiz/internal/model"
	"github.com/pavelanni/pdfquiz/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	failText map[string]bool
	pingErr  error
	inserted []model.StoredQuestion
	updates  []model.StatusUpdate
}

func (f *fakeStore) InsertQuestion(_ context.Context, q model.StoredQuestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText[q.Text] {
		return errors.New("constraint failed")
	}
	f.inserted = append(f.inserted, q)
	return nil
}

func (f *fakeStore) UpdateDocumentStatus(_ context.Context, u model.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type subjectSource struct {
	m   map[model.Subject]int64
	err error
}

func (s subjectSource) ListSubjects(context.Context) (map[model.Subject]int64, error) {
	return s.m, s.err
}

func questions(n int) []model.ValidatedQuestion {
	var out []model.ValidatedQuestion
	for i := range n {
		out = append(out, model.ValidatedQuestion{CandidateQuestion: model.CandidateQuestion{
			Text:       fmt.Sprintf("Question number %d?", i),
			OptionA:    "a",
			OptionB:    "b",
			OptionC:    "c",
			OptionD:    "d",
			Correct:    model.OptionA,
			Subject:    model.SubjectChemistry,
			Difficulty: model.DifficultyMedium,
			Confidence: 0.8,
		}})
	}
	return out
}

func TestLoadSubjectLookup(t *testing.T) {
	tests := []struct {
		name string
		src  subjectSource
		want int64
	}{
		{"from backend", subjectSource{m: map[model.Subject]int64{model.SubjectChemistry: 42}}, 42},
		{"backend error", subjectSource{err: errors.New("down")}, 2},
		{"empty backend", subjectSource{m: map[model.Subject]int64{}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := LoadSubjectLookup(context.Background(), tt.src)
			id := l.ID(model.SubjectChemistry)
			if id == nil || *id != tt.want {
				t.Errorf("ID(Chemistry) = %v, want %d", id, tt.want)
			}
		})
	}
	if DefaultSubjects.ID("History") != nil {
		t.Error("expected nil id for unknown subject")
	}
}

func TestSaveBatches(t *testing.T) {
	fs := &fakeStore{failText: map[string]bool{"Question number 3?": true, "Question number 11?": true}}
	a := New(fs, DefaultSubjects, Config{BatchSize: 10})

	res, err := a.Save(context.Background(), "doc-1", "alice", questions(23))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Stored != 21 || res.Failed != 2 {
		t.Errorf("expected 21 stored and 2 failed, got %d and %d", res.Stored, res.Failed)
	}
	if len(res.IDs) != 21 {
		t.Errorf("expected 21 ids, got %d", len(res.IDs))
	}
	seen := map[string]bool{}
	for _, q := range fs.inserted {
		if seen[q.ID] {
			t.Errorf("duplicate id %s", q.ID)
		}
		seen[q.ID] = true
		if q.DocumentID != "doc-1" || q.UserID != "alice" || q.Type != QuestionType {
			t.Errorf("unexpected record identifiers: %+v", q)
		}
		if q.SubjectID == nil || *q.SubjectID != 2 {
			t.Errorf("expected subject id 2, got %v", q.SubjectID)
		}
	}
}

func TestSaveStorageUnavailable(t *testing.T) {
	qs := questions(2)
	fail := map[string]bool{qs[0].Text: true, qs[1].Text: true}

	fs := &fakeStore{failText: fail, pingErr: errors.New("connection refused")}
	res, err := New(fs, nil, DefaultConfig()).Save(context.Background(), "doc-1", "alice", qs)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
	if res.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", res.Failed)
	}

	// Every record rejected but the backend is up: not fatal.
	fs = &fakeStore{failText: fail}
	if _, err := New(fs, nil, DefaultConfig()).Save(context.Background(), "doc-1", "alice", qs); err != nil {
		t.Errorf("expected nil error with reachable backend, got %v", err)
	}
}

func TestSaveEmpty(t *testing.T) {
	fs := &fakeStore{pingErr: errors.New("down")}
	res, err := New(fs, nil, DefaultConfig()).Save(context.Background(), "doc-1", "alice", nil)
	if err != nil || res.Stored != 0 {
		t.Errorf("expected empty success, got %+v, %v", res, err)
	}
}

func TestSaveToSQLite(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.EnsureDocument(ctx, "doc-1", "alice", "", 0); err != nil {
		t.Fatalf("EnsureDocument: %v", err)
	}

	a := New(s, LoadSubjectLookup(ctx, s), DefaultConfig())
	res, err := a.Save(ctx, "doc-1", "alice", questions(3))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Stored != 3 {
		t.Errorf("expected 3 stored, got %d", res.Stored)
	}

	total := res.Stored
	excerpt := Excerpt("--- PAGE 1 ---\nsome text", 14)
	if err := a.UpdateStatus(ctx, "doc-1", model.StatusCompleted, &total, &excerpt, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	ds, err := s.GetDocumentStatus(ctx, "doc-1", "alice")
	if err != nil {
		t.Fatalf("GetDocumentStatus: %v", err)
	}
	if ds.Status != model.StatusCompleted || ds.TotalQuestions != 3 {
		t.Errorf("unexpected status: %+v", ds)
	}
	text, _ := s.GetExtractedText(ctx, "doc-1", "alice")
	if text != "--- PAGE 1 ---" {
		t.Errorf("unexpected excerpt %q", text)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"πππ", 2, "ππ"},
		{"hello", 0, ""},
	}
	for _, tt := range tests {
		if got := Excerpt(tt.in, tt.n); got != tt.want {
			t.Errorf("Excerpt(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
