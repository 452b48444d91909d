package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/pdfquiz/internal/llm"
	"github.com/pavelanni/pdfquiz/internal/llm/prompts"
	"github.com/pavelanni/pdfquiz/internal/model"
)

// ErrAllChunksFailed is returned when every submitted chunk failed.
var ErrAllChunksFailed = errors.New("every text chunk failed extraction")

// Config controls chunking and pacing of generative requests.
type Config struct {
	ChunkSize  int
	MinChunk   int
	ChunkDelay time.Duration
	Timeout    time.Duration // per chunk; 0 means no timeout
}

// DefaultConfig returns 25000-character chunks submitted one second apart.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		MinChunk:   MinChunkSize,
		ChunkDelay: time.Second,
		Timeout:    2 * time.Minute,
	}
}

// ChunkOutcome describes what one chunk produced.
type ChunkOutcome struct {
	Index      int
	Page       int // 0 unless extracting per page
	Questions  int
	Provenance model.Provenance
	Err        error
}

// Result is the accumulated output of one extraction.
type Result struct {
	Questions    []model.CandidateQuestion
	Chunks       int
	FailedChunks int
}

// Extractor submits chunks of recognized text to a Generator and parses the replies.
type Extractor struct {
	gen llm.Generator
	cfg Config
	// OnChunk, if set, is called after each chunk.
	OnChunk func(ChunkOutcome)
}

// New creates an Extractor. Zero sizes take defaults; a zero delay or
// timeout disables it.
func New(gen llm.Generator, cfg Config) (*Extractor, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = def.MinChunk
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	return &Extractor{gen: gen, cfg: cfg}, nil
}

type unit struct {
	text string
	page int
}

// Extract chunks the combined text of a document and extracts questions from
// every chunk in order. Chunk failures are logged and skipped. No chunks at
// all, or chunks that parse to zero questions, is a valid empty result.
func (e *Extractor) Extract(ctx context.Context, text string) (*Result, error) {
	var units []unit
	for _, c := range SplitChunks(text, e.cfg.ChunkSize, e.cfg.MinChunk) {
		units = append(units, unit{text: c})
	}
	return e.run(ctx, units)
}

// ExtractPages submits each page on its own and stamps the resulting
// questions with that page number.
func (e *Extractor) ExtractPages(ctx context.Context, pages []model.RecognizedPage) (*Result, error) {
	var units []unit
	for _, p := range pages {
		for _, c := range SplitChunks(p.Text, e.cfg.ChunkSize, e.cfg.MinChunk) {
			units = append(units, unit{text: c, page: p.PageNumber})
		}
	}
	return e.run(ctx, units)
}

func (e *Extractor) run(ctx context.Context, units []unit) (*Result, error) {
	res := &Result{Chunks: len(units)}
	slog.Info("extracting questions", "chunks", len(units))

	var lastErr error
	for i, u := range units {
		if i > 0 && e.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.ChunkDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		qs, prov, err := e.extractChunk(ctx, u.text)
		outcome := ChunkOutcome{Index: i, Page: u.page, Questions: len(qs), Provenance: prov, Err: err}
		if e.OnChunk != nil {
			e.OnChunk(outcome)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("chunk extraction failed", "chunk", i+1, "of", len(units), "page", u.page, "error", err)
			res.FailedChunks++
			lastErr = err
			continue
		}

		for j := range qs {
			if u.page > 0 {
				qs[j].SourcePage = u.page
			}
		}
		slog.Debug("chunk extracted", "chunk", i+1, "questions", len(qs), "provenance", prov)
		res.Questions = append(res.Questions, qs...)
	}

	if res.Chunks > 0 && res.FailedChunks == res.Chunks {
		return res, fmt.Errorf("%w: %w", ErrAllChunksFailed, lastErr)
	}
	slog.Info("extraction finished",
		"questions", len(res.Questions), "chunks", res.Chunks, "failed_chunks", res.FailedChunks)
	return res, nil
}

func (e *Extractor) extractChunk(ctx context.Context, text string) ([]model.CandidateQuestion, model.Provenance, error) {
	prompt, err := prompts.BuildExtractionPrompt(text)
	if err != nil {
		return nil, "", fmt.Errorf("build prompt: %w", err)
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	raw, err := e.gen.Generate(callCtx, prompt)
	if err != nil {
		return nil, "", err
	}
	return ParseResponse(raw)
}
