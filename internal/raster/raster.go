package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// ErrNoPages is returned when the document renders to zero pages.
var ErrNoPages = errors.New("document has no pages")

// Config controls page rendering.
type Config struct {
	DPI          float64 // render density
	MaxDimension int     // longest side after resizing, in pixels
	MaxPages     int     // 0 means all pages
	ScratchDir   string  // parent of per-run scratch directories
}

// DefaultConfig returns the OCR-oriented defaults: 300 DPI, 2000px bound.
func DefaultConfig() Config {
	return Config{
		DPI:          300,
		MaxDimension: 2000,
		ScratchDir:   os.TempDir(),
	}
}

// pageSource is the subset of *fitz.Document the rasterizer uses.
type pageSource interface {
	NumPage() int
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Rasterizer converts PDF bytes into ordered, enhanced page images.
// It holds no per-run state; each run gets its own scratch directory.
type Rasterizer struct {
	cfg     Config
	open    func(data []byte) (pageSource, error)
	enhance func(img image.Image, maxDim int) ([]byte, error)
}

// New creates a Rasterizer backed by MuPDF.
func New(cfg Config) *Rasterizer {
	def := DefaultConfig()
	if cfg.DPI <= 0 {
		cfg.DPI = def.DPI
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = def.ScratchDir
	}
	return &Rasterizer{
		cfg:     cfg,
		open:    openFitz,
		enhance: safeEnhance,
	}
}

func openFitz(data []byte) (pageSource, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ScratchDir returns the directory holding intermediates for a run.
func (r *Rasterizer) ScratchDir(runID string) string {
	return filepath.Join(r.cfg.ScratchDir, "pdfquiz-"+runID)
}

// Rasterize renders every page of data in order. A failure to open or render
// the document is fatal; a failure to enhance a page falls back to the raw render.
// Callers must call Cleanup(runID) whether or not Rasterize succeeds.
func (r *Rasterizer) Rasterize(ctx context.Context, runID string, data []byte) ([]model.PageImage, error) {
	logCtx := slog.With("run_id", runID)

	dir := r.ScratchDir(runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	doc, err := r.open(data)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer func() {
		if err := doc.Close(); err != nil {
			logCtx.Warn("close pdf document", "error", err)
		}
	}()

	count := doc.NumPage()
	if count == 0 {
		return nil, ErrNoPages
	}
	if r.cfg.MaxPages > 0 && count > r.cfg.MaxPages {
		logCtx.Warn("document exceeds page cap, truncating", "pages", count, "max_pages", r.cfg.MaxPages)
		count = r.cfg.MaxPages
	}

	pages := make([]model.PageImage, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageNum := i + 1

		img, err := doc.ImageDPI(i, r.cfg.DPI)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", pageNum, err)
		}

		var raw bytes.Buffer
		if err := imaging.Encode(&raw, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", pageNum, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("page_%03d.png", pageNum))
		if err := os.WriteFile(path, raw.Bytes(), 0o600); err != nil {
			logCtx.Warn("write page image", "page", pageNum, "error", err)
			path = ""
		}

		page := model.PageImage{PageNumber: pageNum, Path: path}
		enhanced, err := r.enhance(img, r.cfg.MaxDimension)
		if err != nil {
			logCtx.Warn("page enhancement failed, using raw render", "page", pageNum, "error", err)
			page.Data = raw.Bytes()
		} else {
			page.Data = enhanced
			page.Enhanced = true
		}
		pages = append(pages, page)
	}

	logCtx.Info("rasterized document", "pages", len(pages), "dpi", r.cfg.DPI)
	return pages, nil
}

// Cleanup removes the run's scratch directory.
func (r *Rasterizer) Cleanup(runID string) error {
	if runID == "" {
		return nil
	}
	return os.RemoveAll(r.ScratchDir(runID))
}
