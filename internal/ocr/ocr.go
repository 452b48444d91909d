package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// ErrNoReadableText is returned when no page passes the quality threshold.
var ErrNoReadableText = errors.New("no readable text found in document; it may be too blurry or contain only images")

// defaultTokenConfidence is used for tokens the service reports without a confidence.
const defaultTokenConfidence = 0.8

// Token is one detected word with its confidence, nil when the service omits it.
type Token struct {
	Text       string
	Confidence *float64
}

// Annotation is the raw response of a recognition service for one image.
type Annotation struct {
	Text   string
	Tokens []Token
}

// Engine is an external text recognition service.
type Engine interface {
	Annotate(ctx context.Context, image []byte) (*Annotation, error)
}

// Config controls batching and per-page timeouts.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	Timeout    time.Duration // per page; 0 means no timeout
}

// DefaultConfig returns batches of 3 pages with a 1s pause between batches.
func DefaultConfig() Config {
	return Config{
		BatchSize:  3,
		BatchDelay: time.Second,
		Timeout:    60 * time.Second,
	}
}

// Result holds every recognized page and the quality-filtered subset.
type Result struct {
	Pages  []model.RecognizedPage // all pages, sorted by page number
	Usable []model.RecognizedPage // pages passing the quality threshold
	Text   string                 // combined text of usable pages
}

// Recognizer runs pages through an Engine in small concurrent batches.
type Recognizer struct {
	engine Engine
	cfg    Config
	// OnPage, if set, is called once per page after recognition. Calls within
	// a batch happen concurrently.
	OnPage func(page model.RecognizedPage, err error)
}

// NewRecognizer creates a Recognizer. A zero batch size takes the default;
// a zero delay or timeout disables it.
func NewRecognizer(engine Engine, cfg Config) *Recognizer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	return &Recognizer{engine: engine, cfg: cfg}
}

// RecognizePage recognizes a single page. A service failure is not returned as
// an error; it yields a page with zero confidence, empty text and zero words.
func (r *Recognizer) RecognizePage(ctx context.Context, page model.PageImage) model.RecognizedPage {
	failed := model.RecognizedPage{PageNumber: page.PageNumber}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	ann, err := r.engine.Annotate(callCtx, page.Data)
	if err != nil {
		slog.Warn("page recognition failed", "page", page.PageNumber, "error", err)
		r.notify(failed, err)
		return failed
	}
	if ann == nil || strings.TrimSpace(ann.Text) == "" {
		slog.Warn("no text detected", "page", page.PageNumber)
		r.notify(failed, nil)
		return failed
	}

	rp := model.RecognizedPage{
		PageNumber: page.PageNumber,
		Text:       ann.Text,
		Confidence: meanConfidence(ann.Tokens),
		WordCount:  len(strings.Fields(ann.Text)),
	}
	slog.Debug("page recognized",
		"page", rp.PageNumber, "chars", len(rp.Text), "words", rp.WordCount, "confidence", rp.Confidence)
	r.notify(rp, nil)
	return rp
}

func (r *Recognizer) notify(p model.RecognizedPage, err error) {
	if r.OnPage != nil {
		r.OnPage(p, err)
	}
}

// Recognize processes all pages in batches and returns the combined result.
// It fails only when no page passes the quality threshold or ctx is done.
func (r *Recognizer) Recognize(ctx context.Context, pages []model.PageImage) (*Result, error) {
	results := make([]model.RecognizedPage, len(pages))

	for start := 0; start < len(pages); start += r.cfg.BatchSize {
		if start > 0 && r.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.BatchDelay):
			}
		}
		end := min(start+r.cfg.BatchSize, len(pages))
		slog.Debug("recognizing batch", "first_page", pages[start].PageNumber, "last_page", pages[end-1].PageNumber)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = r.RecognizePage(ctx, pages[i])
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PageNumber < results[j].PageNumber })

	res := &Result{Pages: results}
	for _, p := range results {
		if p.Usable() {
			res.Usable = append(res.Usable, p)
		}
	}
	slog.Info("recognition finished", "pages", len(results), "usable", len(res.Usable))
	if len(res.Usable) == 0 {
		return res, ErrNoReadableText
	}
	res.Text = CombineText(res.Usable)
	return res, nil
}

// CombineText joins pages in page order, each under a header line.
func CombineText(pages []model.RecognizedPage) string {
	sorted := make([]model.RecognizedPage, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageNumber < sorted[j].PageNumber })

	parts := make([]string, 0, len(sorted))
	for _, p := range sorted {
		parts = append(parts, fmt.Sprintf("--- PAGE %d (%d words, %.1f%% confidence) ---\n%s",
			p.PageNumber, p.WordCount, p.Confidence*100, p.Text))
	}
	return strings.Join(parts, "\n\n")
}

// meanConfidence averages token confidences, defaulting missing ones,
// and clamps the result to [0,1].
func meanConfidence(tokens []Token) float64 {
	if len(tokens) == 0 {
		return defaultTokenConfidence
	}
	var sum float64
	for _, t := range tokens {
		if t.Confidence == nil {
			sum += defaultTokenConfidence
			continue
		}
		sum += *t.Confidence
	}
	return clamp(sum / float64(len(tokens)))
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
