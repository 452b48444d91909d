// Package persist writes validated questions and document status to storage.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// ErrStorageUnavailable is returned when no record could be written and the
// backend does not answer a ping.
var ErrStorageUnavailable = errors.New("storage unavailable")

// QuestionType is the only question type the pipeline produces.
const QuestionType = "multiple_choice"

// Store is the storage backend the adapter writes to.
type Store interface {
	InsertQuestion(ctx context.Context, q model.StoredQuestion) error
	UpdateDocumentStatus(ctx context.Context, u model.StatusUpdate) error
	Ping(ctx context.Context) error
}

// SubjectSource provides the subject name to id mapping.
type SubjectSource interface {
	ListSubjects(ctx context.Context) (map[model.Subject]int64, error)
}

// SubjectLookup maps subject names to storage ids. It is not modified after
// construction and is safe for concurrent reads.
type SubjectLookup map[model.Subject]int64

// DefaultSubjects is used when the backend cannot be queried.
var DefaultSubjects = SubjectLookup{
	model.SubjectPhysics:     1,
	model.SubjectChemistry:   2,
	model.SubjectMathematics: 3,
	model.SubjectBiology:     4,
}

// LoadSubjectLookup queries the backend once and falls back to
// DefaultSubjects if the query fails or returns nothing.
func LoadSubjectLookup(ctx context.Context, src SubjectSource) SubjectLookup {
	m, err := src.ListSubjects(ctx)
	if err != nil || len(m) == 0 {
		slog.Warn("subject lookup unavailable, using defaults", "error", err)
		return DefaultSubjects
	}
	return SubjectLookup(m)
}

// ID returns the id for a subject, or nil when it is unknown.
func (l SubjectLookup) ID(s model.Subject) *int64 {
	id, ok := l[s]
	if !ok {
		return nil
	}
	return &id
}

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 10, BatchDelay: 500 * time.Millisecond}
}

// Result reports how many records were written.
type Result struct {
	Stored int
	Failed int
	IDs    []string
}

// Adapter writes question records in batches.
type Adapter struct {
	store    Store
	subjects SubjectLookup
	cfg      Config
	now      func() time.Time
	newID    func() string
}

func New(store Store, subjects SubjectLookup, cfg Config) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if subjects == nil {
		subjects = DefaultSubjects
	}
	return &Adapter{
		store:    store,
		subjects: subjects,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Save writes questions for a document. A failed record is logged and
// counted; only a backend that accepts nothing and fails a ping is an error.
func (a *Adapter) Save(ctx context.Context, documentID, userID string, qs []model.ValidatedQuestion) (Result, error) {
	res := Result{IDs: make([]string, 0, len(qs))}
	ids := make([]string, len(qs))
	var stored, failed atomic.Int64

	for start := 0; start < len(qs); start += a.cfg.BatchSize {
		if start > 0 && a.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(a.cfg.BatchDelay):
			}
		}
		end := min(start+a.cfg.BatchSize, len(qs))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				rec := model.StoredQuestion{
					ID:                a.newID(),
					DocumentID:        documentID,
					UserID:            userID,
					SubjectID:         a.subjects.ID(qs[i].Subject),
					Type:              QuestionType,
					CreatedAt:         a.now(),
					ValidatedQuestion: qs[i],
				}
				if err := a.store.InsertQuestion(ctx, rec); err != nil {
					slog.Error("store question", "document_id", documentID, "index", i, "error", err)
					failed.Add(1)
					return nil
				}
				ids[i] = rec.ID
				stored.Add(1)
				return nil
			})
		}
		_ = g.Wait()
		slog.Debug("question batch stored", "document_id", documentID, "from", start, "to", end)
	}

	for _, id := range ids {
		if id != "" {
			res.IDs = append(res.IDs, id)
		}
	}
	res.Stored, res.Failed = int(stored.Load()), int(failed.Load())

	if res.Stored == 0 && res.Failed > 0 {
		if err := a.store.Ping(ctx); err != nil {
			return res, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	return res, nil
}

// UpdateStatus writes a document's processing status. Total and excerpt are
// only written when non-nil.
func (a *Adapter) UpdateStatus(ctx context.Context, documentID string, status model.ProcessingStatus, total *int, excerpt *string, detail string) error {
	err := a.store.UpdateDocumentStatus(ctx, model.StatusUpdate{
		DocumentID:     documentID,
		Status:         status,
		TotalQuestions: total,
		Excerpt:        excerpt,
		ErrorDetail:    detail,
	})
	if err != nil {
		return fmt.Errorf("update status of %s to %s: %w", documentID, status, err)
	}
	return nil
}

// Excerpt returns at most n runes of text.
func Excerpt(text string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
