// Package pipeline runs an uploaded document through rasterization, text
// recognition, question extraction, validation and storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/pdfquiz/internal/document"
	"github.com/pavelanni/pdfquiz/internal/extract"
	"github.com/pavelanni/pdfquiz/internal/metrics"
	"github.com/pavelanni/pdfquiz/internal/model"
	"github.com/pavelanni/pdfquiz/internal/ocr"
	"github.com/pavelanni/pdfquiz/internal/persist"
	"github.com/pavelanni/pdfquiz/internal/validate"
)

// Message IDs describing how a run ended. They are i18n message IDs.
const (
	MsgCompleted         = "RunCompleted"
	MsgNoQuestions       = "RunNoQuestions"
	MsgFailureRasterize  = "FailureRasterize"
	MsgFailureNoText     = "FailureNoText"
	MsgFailureExtraction = "FailureExtraction"
	MsgFailureStorage    = "FailureStorage"
	MsgFailureInternal   = "FailureInternal"
)

// Validator checks an upload before any resources are allocated.
type Validator interface {
	Validate(doc model.SourceDocument) document.Verdict
}

// Rasterizer renders pages into a per-run scratch area.
type Rasterizer interface {
	Rasterize(ctx context.Context, runID string, data []byte) ([]model.PageImage, error)
	Cleanup(runID string) error
}

// Recognizer turns page images into text.
type Recognizer interface {
	Recognize(ctx context.Context, pages []model.PageImage) (*ocr.Result, error)
}

// Extractor produces candidate questions from recognized text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*extract.Result, error)
	ExtractPages(ctx context.Context, pages []model.RecognizedPage) (*extract.Result, error)
}

// Persister stores questions and the document status record.
type Persister interface {
	Save(ctx context.Context, documentID, userID string, qs []model.ValidatedQuestion) (persist.Result, error)
	UpdateStatus(ctx context.Context, documentID string, status model.ProcessingStatus, total *int, excerpt *string, detail string) error
}

// RunLedger registers documents and records processing runs.
type RunLedger interface {
	EnsureDocument(ctx context.Context, id, userID, title string, pageCount int) error
	CreateRun(ctx context.Context, r *model.ProcessingRun) error
	SaveRun(ctx context.Context, r *model.ProcessingRun) error
}

// Stages bundles the collaborators of an Orchestrator.
type Stages struct {
	Validator  Validator
	Rasterizer Rasterizer
	Recognizer Recognizer
	Extractor  Extractor
	Persister  Persister
	Runs       RunLedger
}

type Config struct {
	// PerPage submits each usable page to the extractor on its own.
	PerPage bool
	// ExcerptChars is how much recognized text to keep on the document record.
	ExcerptChars int
}

// Request is one upload to process.
type Request struct {
	DocumentID string
	UserID     string
	Title      string
	Document   model.SourceDocument
}

// Result summarizes a run.
type Result struct {
	RunID        string                 `json:"run_id"`
	DocumentID   string                 `json:"pdf_id"`
	Status       model.ProcessingStatus `json:"status"`
	Pages        int                    `json:"pages"`
	UsablePages  int                    `json:"usable_pages"`
	Chunks       int                    `json:"chunks"`
	FailedChunks int                    `json:"failed_chunks"`
	Extracted    int                    `json:"extracted"`
	Duplicates   int                    `json:"duplicates"`
	Rejected     int                    `json:"rejected"`
	Stored       int                    `json:"stored"`
	FailedWrites int                    `json:"failed_writes"`
	Elapsed      time.Duration          `json:"-"`
	MessageID    string                 `json:"-"`
	Detail       string                 `json:"error_details,omitempty"`
}

// RejectedError is returned when the input validator refuses an upload.
type RejectedError struct {
	Verdict document.Verdict
}

func (e *RejectedError) Error() string {
	return "document rejected: " + e.Verdict.Message
}

// Orchestrator drives a run through the received, processing and
// completed or failed states.
type Orchestrator struct {
	st         Stages
	cfg        Config
	countPages func(data []byte) (int, error)
	now        func() time.Time
	newID      func() string
}

func New(st Stages, cfg Config) *Orchestrator {
	return &Orchestrator{
		st:         st,
		cfg:        cfg,
		countPages: document.CountPages,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// Process runs the whole pipeline for one document. It returns a
// *RejectedError if the upload is refused. For fatal stage errors it returns
// the failed Result together with the error. "No questions found" is a
// completed run, not an error.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	verdict := o.st.Validator.Validate(req.Document)
	if !verdict.Valid {
		metrics.RejectedTotal.WithLabelValues(string(verdict.Check)).Inc()
		slog.Info("document rejected", "document_id", req.DocumentID, "check", verdict.Check, "reason", verdict.Message)
		return nil, &RejectedError{Verdict: verdict}
	}

	pageCount, err := o.countPages(req.Document.Data)
	if err != nil {
		slog.Warn("page count failed, using estimate", "document_id", req.DocumentID, "estimate", verdict.EstimatedPages, "error", err)
		pageCount = verdict.EstimatedPages
	}

	if err := o.st.Runs.EnsureDocument(ctx, req.DocumentID, req.UserID, req.Title, pageCount); err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}
	run := model.NewRun(o.newID(), req.DocumentID, req.UserID, o.now())
	if err := o.st.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	log := slog.With("document_id", req.DocumentID, "run_id", run.ID)
	res := &Result{RunID: run.ID, DocumentID: req.DocumentID, Status: run.Status, Pages: pageCount}
	defer func() {
		res.Elapsed = time.Since(start)
	}()

	// Scratch files are removed on every path once rasterization may have started.
	defer func() {
		if err := o.st.Rasterizer.Cleanup(run.ID); err != nil {
			log.Warn("cleanup failed", "error", err)
		}
	}()

	if err := run.Transition(model.StatusProcessing, o.now()); err != nil {
		return o.fail(ctx, log, run, res, MsgFailureInternal, err)
	}
	res.Status = run.Status
	if err := o.st.Persister.UpdateStatus(ctx, req.DocumentID, model.StatusProcessing, nil, nil, ""); err != nil {
		return o.fail(ctx, log, run, res, MsgFailureStorage, err)
	}
	o.saveRun(ctx, log, run)
	log.Info("processing started", "pages", pageCount)

	// Rasterize.
	done := o.stage(run, model.StageRasterize)
	images, err := o.st.Rasterizer.Rasterize(ctx, run.ID, req.Document.Data)
	done()
	if err != nil {
		return o.fail(ctx, log, run, res, MsgFailureRasterize, fmt.Errorf("rasterize: %w", err))
	}
	res.Pages = len(images)

	// Recognize.
	done = o.stage(run, model.StageRecognize)
	rec, err := o.st.Recognizer.Recognize(ctx, images)
	done()
	if rec != nil {
		res.UsablePages = len(rec.Usable)
		for _, p := range rec.Pages {
			outcome := metrics.OutcomeUnusable
			if p.Usable() {
				outcome = metrics.OutcomeUsable
			}
			metrics.PagesTotal.WithLabelValues(outcome).Inc()
			metrics.PageConfidence.Observe(p.Confidence)
		}
	}
	if err != nil {
		msg := MsgFailureInternal
		if errors.Is(err, ocr.ErrNoReadableText) {
			msg = MsgFailureNoText
		}
		return o.fail(ctx, log, run, res, msg, fmt.Errorf("recognize: %w", err))
	}

	// Extract.
	done = o.stage(run, model.StageExtract)
	var ex *extract.Result
	if o.cfg.PerPage {
		ex, err = o.st.Extractor.ExtractPages(ctx, rec.Usable)
	} else {
		ex, err = o.st.Extractor.Extract(ctx, rec.Text)
	}
	done()
	if ex != nil {
		res.Chunks, res.FailedChunks = ex.Chunks, ex.FailedChunks
		metrics.ChunksTotal.WithLabelValues(metrics.OutcomeOK).Add(float64(ex.Chunks - ex.FailedChunks))
		metrics.ChunksTotal.WithLabelValues(metrics.OutcomeFailed).Add(float64(ex.FailedChunks))
	}
	if err != nil {
		msg := MsgFailureInternal
		if errors.Is(err, extract.ErrAllChunksFailed) {
			msg = MsgFailureExtraction
		}
		return o.fail(ctx, log, run, res, msg, fmt.Errorf("extract: %w", err))
	}

	// Validate.
	done = o.stage(run, model.StageValidate)
	validated, report := validate.Process(ex.Questions)
	done()
	res.Extracted = report.Input
	res.Duplicates = report.Duplicates
	res.Rejected = len(report.Rejected)
	run.Extracted = report.Input
	metrics.QuestionsTotal.WithLabelValues(metrics.OutcomeExtracted).Add(float64(report.Input))
	metrics.QuestionsTotal.WithLabelValues(metrics.OutcomeDuplicate).Add(float64(report.Duplicates))
	metrics.QuestionsTotal.WithLabelValues(metrics.OutcomeInvalid).Add(float64(len(report.Rejected)))

	// Persist.
	done = o.stage(run, model.StagePersist)
	saved, err := o.st.Persister.Save(ctx, req.DocumentID, req.UserID, validated)
	done()
	res.Stored, res.FailedWrites = saved.Stored, saved.Failed
	run.Stored = saved.Stored
	metrics.QuestionsTotal.WithLabelValues(metrics.OutcomeStored).Add(float64(saved.Stored))
	metrics.QuestionsTotal.WithLabelValues(metrics.OutcomeStoreError).Add(float64(saved.Failed))
	if err != nil {
		return o.fail(ctx, log, run, res, MsgFailureStorage, fmt.Errorf("persist: %w", err))
	}

	total := saved.Stored
	var excerpt *string
	if o.cfg.ExcerptChars > 0 {
		e := persist.Excerpt(rec.Text, o.cfg.ExcerptChars)
		excerpt = &e
	}
	if err := o.st.Persister.UpdateStatus(ctx, req.DocumentID, model.StatusCompleted, &total, excerpt, ""); err != nil {
		return o.fail(ctx, log, run, res, MsgFailureStorage, err)
	}

	if err := run.Transition(model.StatusCompleted, o.now()); err != nil {
		return o.fail(ctx, log, run, res, MsgFailureInternal, err)
	}
	res.Status = run.Status
	res.MessageID = MsgCompleted
	if len(validated) == 0 {
		res.MessageID = MsgNoQuestions
	}
	o.saveRun(ctx, log, run)
	metrics.RunsTotal.WithLabelValues(string(model.StatusCompleted)).Inc()

	log.Info("processing completed",
		"pages", res.Pages, "usable_pages", res.UsablePages,
		"extracted", res.Extracted, "duplicates", res.Duplicates, "rejected", res.Rejected,
		"stored", res.Stored, "failed_writes", res.FailedWrites, "elapsed", time.Since(start))
	return res, nil
}

// fail moves the run to failed and records the failure. The writes use a
// context that outlives cancellation of the caller's.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, run *model.ProcessingRun, res *Result, msgID string, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	log.Error("processing failed", "message", msgID, "error", cause)

	detail := cause.Error()
	run.ErrorDetail = detail
	if err := run.Transition(model.StatusFailed, o.now()); err != nil {
		log.Error("run transition", "error", err)
	}
	if err := o.st.Persister.UpdateStatus(ctx, run.DocumentID, model.StatusFailed, nil, nil, detail); err != nil {
		log.Error("write failed status", "error", err)
	}
	o.saveRun(ctx, log, run)
	metrics.RunsTotal.WithLabelValues(string(model.StatusFailed)).Inc()

	res.Status = model.StatusFailed
	res.MessageID = msgID
	res.Detail = detail
	return res, cause
}

func (o *Orchestrator) saveRun(ctx context.Context, log *slog.Logger, run *model.ProcessingRun) {
	if err := o.st.Runs.SaveRun(ctx, run); err != nil {
		log.Warn("save run", "status", run.Status, "error", err)
	}
}

// stage records the start of a stage and returns a func that observes its duration.
func (o *Orchestrator) stage(run *model.ProcessingRun, s model.Stage) func() {
	run.MarkStage(s, o.now())
	t := time.Now()
	return func() {
		metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(t).Seconds())
	}
}
