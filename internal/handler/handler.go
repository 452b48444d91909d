package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/pdfquiz/internal/document"
	appI18n "github.com/pavelanni/pdfquiz/internal/i18n"
	"github.com/pavelanni/pdfquiz/internal/model"
	"github.com/pavelanni/pdfquiz/internal/pipeline"
	"github.com/pavelanni/pdfquiz/internal/store"
)

// Processor runs the extraction pipeline for an upload.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Store is the read side used by the status and listing endpoints.
type Store interface {
	GetDocumentStatus(ctx context.Context, id, userID string) (*model.DocumentStatus, error)
	ExportDocument(ctx context.Context, documentID, userID string) (*model.QuestionExport, error)
	QuestionStats(ctx context.Context, userID string) (*model.QuestionStats, error)
	ListRuns(ctx context.Context, documentID, userID string) ([]model.ProcessingRun, error)
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	proc      Processor
	store     Store
	maxUpload int64
}

// New creates a new Handler. maxUpload <= 0 selects the validator default.
func New(p Processor, s Store, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = document.DefaultMaxSize
	}
	return &Handler{proc: p, store: s, maxUpload: maxUpload}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/process-pdf", h.handleProcess)
	r.Get("/api/process-pdf", h.handleStatus)
	r.Get("/api/questions", h.handleQuestions)
	r.Get("/api/runs", h.handleRuns)
	r.Get("/api/stats", h.handleStats)
	r.Get("/healthz", h.handleHealth)
}

type processResponse struct {
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	ProcessingTime float64 `json:"processing_time_seconds"`
	*pipeline.Result
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Check   string `json:"check,omitempty"`
}

type questionsResponse struct {
	*model.QuestionExport
	Message string `json:"message"`
}

type statusResponse struct {
	*model.DocumentStatus
	StatusLabel string `json:"status_label"`
}

// handleProcess accepts either a multipart form with a "file" part or a raw
// PDF body. pdf_id and user_id come from form values or the query string.
func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Headroom for multipart framing; the file itself is read up to cap+1 so
	// the validator sees an oversized upload.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)

	var (
		data      []byte
		mediaType string
		title     string
		err       error
	)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			h.writeUploadError(w, r, err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, appI18n.T(ctx, "MissingFile"), "")
			return
		}
		defer file.Close()
		mediaType = header.Header.Get("Content-Type")
		title = header.Filename
		data, err = io.ReadAll(io.LimitReader(file, h.maxUpload+1))
		if err != nil {
			h.writeUploadError(w, r, err)
			return
		}
	} else {
		mediaType = ct
		data, err = io.ReadAll(io.LimitReader(r.Body, h.maxUpload+1))
		if err != nil {
			h.writeUploadError(w, r, err)
			return
		}
	}
	if title == "" {
		title = r.FormValue("title")
	}

	docID, userID := r.FormValue("pdf_id"), r.FormValue("user_id")
	if docID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "MissingParameters"), "")
		return
	}

	req := pipeline.Request{
		DocumentID: docID,
		UserID:     userID,
		Title:      title,
		Document:   model.SourceDocument{Data: data, MediaType: mediaType, Size: int64(len(data))},
	}

	// A client disconnect must not abandon a run half way.
	res, err := h.proc.Process(context.WithoutCancel(ctx), req)

	var rej *pipeline.RejectedError
	switch {
	case errors.As(err, &rej):
		writeError(w, http.StatusBadRequest, h.verdictMessage(ctx, rej.Verdict), string(rej.Verdict.Check))
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "DocumentNotFound"), "")
		return
	case err != nil && res == nil:
		slog.Error("process document", "document_id", docID, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, pipeline.MsgFailureInternal), "")
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, processResponse{
		Success:        err == nil,
		Message:        runMessage(ctx, res),
		ProcessingTime: res.Elapsed.Seconds(),
		Result:         res,
	})
}

func (h *Handler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		msg := appI18n.Td(r.Context(), string(document.CheckTooLarge), map[string]any{"MaxMB": h.maxUpload >> 20})
		writeError(w, http.StatusRequestEntityTooLarge, msg, string(document.CheckTooLarge))
		return
	}
	slog.Warn("read upload", "error", err)
	writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "MissingFile"), "")
}

func (h *Handler) verdictMessage(ctx context.Context, v document.Verdict) string {
	return appI18n.Td(ctx, string(v.Check), map[string]any{
		"MaxMB": h.maxUpload >> 20,
		"Pages": v.EstimatedPages,
	})
}

func runMessage(ctx context.Context, res *pipeline.Result) string {
	if res.MessageID == pipeline.MsgCompleted {
		return appI18n.Tpd(ctx, pipeline.MsgCompleted, res.Stored, map[string]any{"Pages": res.Pages})
	}
	return appI18n.T(ctx, res.MessageID)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	docID, userID, ok := requireIDs(w, r)
	if !ok {
		return
	}
	ds, err := h.store.GetDocumentStatus(r.Context(), docID, userID)
	if !h.checkLookup(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{DocumentStatus: ds, StatusLabel: statusLabel(r.Context(), ds.Status)})
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	docID, userID, ok := requireIDs(w, r)
	if !ok {
		return
	}
	exp, err := h.store.ExportDocument(r.Context(), docID, userID)
	if !h.checkLookup(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, questionsResponse{
		QuestionExport: exp,
		Message:        appI18n.Tp(r.Context(), "QuestionsAvailable", exp.NumQuestions),
	})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	docID, userID, ok := requireIDs(w, r)
	if !ok {
		return
	}
	runs, err := h.store.ListRuns(r.Context(), docID, userID)
	if !h.checkLookup(w, r, err) {
		return
	}
	if runs == nil {
		runs = []model.ProcessingRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "MissingParameters"), "")
		return
	}
	stats, err := h.store.QuestionStats(r.Context(), userID)
	if !h.checkLookup(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func requireIDs(w http.ResponseWriter, r *http.Request) (docID, userID string, ok bool) {
	q := r.URL.Query()
	docID, userID = q.Get("pdf_id"), q.Get("user_id")
	if docID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "MissingParameters"), "")
		return "", "", false
	}
	return docID, userID, true
}

// checkLookup writes the error response for a failed read and reports
// whether the caller may continue.
func (h *Handler) checkLookup(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "DocumentNotFound"), "")
	default:
		slog.Error("lookup failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), pipeline.MsgFailureInternal), "")
	}
	return false
}

func statusLabel(ctx context.Context, s model.ProcessingStatus) string {
	if s == "" {
		return ""
	}
	return appI18n.T(ctx, "Status"+strings.ToUpper(string(s[:1]))+string(s[1:]))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, check string) {
	writeJSON(w, status, errorResponse{Error: msg, Check: check})
}
