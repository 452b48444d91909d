package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/disintegration/imaging"
)

type fakeDoc struct {
	pages     int
	failPage  int // 0-based page index that fails to render, -1 for none
	closed    bool
	renderDPI float64
}

func (d *fakeDoc) NumPage() int { return d.pages }

func (d *fakeDoc) ImageDPI(n int, dpi float64) (*image.RGBA, error) {
	d.renderDPI = dpi
	if n == d.failPage {
		return nil, errors.New("render failed")
	}
	img := image.NewRGBA(image.Rect(0, 0, 40+n, 30))
	for x := 0; x < 40+n; x++ {
		img.Set(x, 10, color.RGBA{R: 200, G: 50, B: 50, A: 255})
	}
	return img, nil
}

func (d *fakeDoc) Close() error {
	d.closed = true
	return nil
}

func newTestRasterizer(t *testing.T, doc *fakeDoc) *Rasterizer {
	t.Helper()
	r := New(Config{DPI: 150, MaxDimension: 64, ScratchDir: t.TempDir()})
	r.open = func([]byte) (pageSource, error) { return doc, nil }
	return r
}

func TestRasterizePreservesOrder(t *testing.T) {
	doc := &fakeDoc{pages: 4, failPage: -1}
	r := newTestRasterizer(t, doc)

	pages, err := r.Rasterize(context.Background(), "run-1", []byte("%PDF"))
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if len(pages) != 4 {
		t.Fatalf("expected 4 pages, got %d", len(pages))
	}
	for i, p := range pages {
		if p.PageNumber != i+1 {
			t.Errorf("page %d has number %d", i, p.PageNumber)
		}
		if !p.Enhanced {
			t.Errorf("page %d should be enhanced", p.PageNumber)
		}
		if len(p.Data) == 0 {
			t.Errorf("page %d has no data", p.PageNumber)
		}
		if _, err := os.Stat(p.Path); err != nil {
			t.Errorf("page %d raw render missing: %v", p.PageNumber, err)
		}
	}
	if !doc.closed {
		t.Error("document should be closed")
	}
	if doc.renderDPI != 150 {
		t.Errorf("render DPI = %v, want 150", doc.renderDPI)
	}
}

func TestRasterizeEnhanceFallback(t *testing.T) {
	doc := &fakeDoc{pages: 2, failPage: -1}
	r := newTestRasterizer(t, doc)
	r.enhance = func(image.Image, int) ([]byte, error) { return nil, errors.New("boom") }

	pages, err := r.Rasterize(context.Background(), "run-2", nil)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages must not be dropped, got %d", len(pages))
	}
	for _, p := range pages {
		if p.Enhanced {
			t.Errorf("page %d should not be marked enhanced", p.PageNumber)
		}
		raw, err := os.ReadFile(p.Path)
		if err != nil {
			t.Fatalf("read raw: %v", err)
		}
		if !bytes.Equal(raw, p.Data) {
			t.Errorf("page %d should carry its raw render", p.PageNumber)
		}
	}
}

func TestRasterizeFatalFailures(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		r := New(Config{ScratchDir: t.TempDir()})
		r.open = func([]byte) (pageSource, error) { return nil, errors.New("not a pdf") }
		if _, err := r.Rasterize(context.Background(), "run", nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("no pages", func(t *testing.T) {
		r := newTestRasterizer(t, &fakeDoc{pages: 0, failPage: -1})
		_, err := r.Rasterize(context.Background(), "run", nil)
		if !errors.Is(err, ErrNoPages) {
			t.Errorf("expected ErrNoPages, got %v", err)
		}
	})

	t.Run("render fails", func(t *testing.T) {
		r := newTestRasterizer(t, &fakeDoc{pages: 3, failPage: 1})
		if _, err := r.Rasterize(context.Background(), "run", nil); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRasterizeMaxPages(t *testing.T) {
	doc := &fakeDoc{pages: 5, failPage: -1}
	r := newTestRasterizer(t, doc)
	r.cfg.MaxPages = 2

	pages, err := r.Rasterize(context.Background(), "run", nil)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if len(pages) != 2 {
		t.Errorf("expected 2 pages, got %d", len(pages))
	}
}

func TestCleanupIsolatedPerRun(t *testing.T) {
	doc := &fakeDoc{pages: 1, failPage: -1}
	r := newTestRasterizer(t, doc)

	for _, id := range []string{"a", "b"} {
		if _, err := r.Rasterize(context.Background(), id, nil); err != nil {
			t.Fatalf("Rasterize %s: %v", id, err)
		}
	}
	if err := r.Cleanup("a"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(r.ScratchDir("a")); !os.IsNotExist(err) {
		t.Errorf("run a scratch dir should be gone, stat err = %v", err)
	}
	if _, err := os.Stat(r.ScratchDir("b")); err != nil {
		t.Errorf("run b scratch dir should survive: %v", err)
	}
}

func TestEnhance(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for x := 0; x < 400; x++ {
		for y := 0; y < 100; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 200), G: 120, B: 30, A: 255})
		}
	}

	data, err := Enhance(img, 200)
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	out, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := out.Bounds()
	if b.Dx() != 200 || b.Dy() != 50 {
		t.Errorf("size = %dx%d, want 200x50", b.Dx(), b.Dy())
	}
	r, g, bl, _ := out.At(10, 10).RGBA()
	if r != g || g != bl {
		t.Errorf("pixel not grayscale: %d %d %d", r, g, bl)
	}

	t.Run("does not enlarge", func(t *testing.T) {
		small := image.NewRGBA(image.Rect(0, 0, 30, 20))
		data, err := Enhance(small, 2000)
		if err != nil {
			t.Fatalf("Enhance: %v", err)
		}
		out, _ := imaging.Decode(bytes.NewReader(data))
		if out.Bounds().Dx() != 30 {
			t.Errorf("width = %d, want 30", out.Bounds().Dx())
		}
	})

	t.Run("empty image", func(t *testing.T) {
		if _, err := Enhance(image.NewRGBA(image.Rect(0, 0, 0, 0)), 100); err == nil {
			t.Error("expected error for empty image")
		}
	})
}
