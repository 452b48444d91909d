package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/pdfquiz/internal/document"
	"github.com/pavelanni/pdfquiz/internal/extract"
	"github.com/pavelanni/pdfquiz/internal/handler"
	appI18n "github.com/pavelanni/pdfquiz/internal/i18n"
	"github.com/pavelanni/pdfquiz/internal/llm"
	"github.com/pavelanni/pdfquiz/internal/metrics"
	"github.com/pavelanni/pdfquiz/internal/model"
	"github.com/pavelanni/pdfquiz/internal/ocr"
	"github.com/pavelanni/pdfquiz/internal/persist"
	"github.com/pavelanni/pdfquiz/internal/pipeline"
	"github.com/pavelanni/pdfquiz/internal/raster"
	"github.com/pavelanni/pdfquiz/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pdfquiz",
		Short: "Extract multiple-choice questions from scanned exam PDFs",
	}

	serve := serveCmd()
	root.AddCommand(serve, processCmd(), statusCmd(), exportCmd(), statsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `pdfquiz --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP upload and status server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	addPipelineFlags(f)
	addCommonFlags(f)
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process FILE",
		Short: "Run a local PDF through the pipeline and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runProcess,
	}
	f := cmd.Flags()
	f.String("pdf-id", "", "Document id (default: a new UUID)")
	f.String("user-id", "local", "Owner of the document")
	addPipelineFlags(f)
	addCommonFlags(f)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a document's processing status and runs",
		RunE:  runStatus,
	}
	f := cmd.Flags()
	f.String("pdf-id", "", "Document id (required)")
	f.String("user-id", "local", "Owner of the document")
	f.Bool("text", false, "Include the stored excerpt of recognized text")
	addCommonFlags(f)
	_ = cmd.MarkFlagRequired("pdf-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a document's questions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("pdf-id", "", "Document id (required)")
	f.String("user-id", "local", "Owner of the document")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)
	_ = cmd.MarkFlagRequired("pdf-id")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show question statistics for a user",
		RunE:  runStats,
	}
	f := cmd.Flags()
	f.String("user-id", "local", "User to summarize")
	addCommonFlags(f)
	return cmd
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db", "pdfquiz.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addPipelineFlags(f *pflag.FlagSet) {
	def := raster.DefaultConfig()
	ocrDef := ocr.DefaultConfig()
	exDef := extract.DefaultConfig()
	storeDef := persist.DefaultConfig()

	f.String("llm-provider", "openai", "Generative service (openai, vertex)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the OpenAI-compatible service")
	f.String("llm-model", "llama3.2", "Model name")
	f.String("vertex-project", "", "Google Cloud project for Vertex AI")
	f.String("vertex-region", "us-central1", "Vertex AI region")
	f.String("vision-key", "", "Google Cloud Vision API key (empty uses application default credentials)")
	f.String("vision-endpoint", "", "Override the Vision API endpoint")
	f.Int("max-upload-mb", document.DefaultMaxSize>>20, "Maximum upload size in MB")
	f.Float64("dpi", def.DPI, "Rasterization density")
	f.Int("max-dimension", def.MaxDimension, "Longest page side after resizing, in pixels")
	f.Int("max-pages", 0, "Maximum pages to rasterize (0 = all)")
	f.String("scratch-dir", def.ScratchDir, "Parent directory for per-run page images")
	f.Int("ocr-batch-size", ocrDef.BatchSize, "Pages recognized concurrently")
	f.Duration("ocr-batch-delay", ocrDef.BatchDelay, "Pause between OCR batches")
	f.Duration("ocr-timeout", ocrDef.Timeout, "Timeout per OCR call")
	f.Int("chunk-size", exDef.ChunkSize, "Maximum characters per extraction chunk")
	f.Duration("chunk-delay", exDef.ChunkDelay, "Pause between extraction calls")
	f.Duration("llm-timeout", exDef.Timeout, "Timeout per extraction call")
	f.Bool("per-page", false, "Extract questions page by page")
	f.Int("store-batch-size", storeDef.BatchSize, "Questions written per batch")
	f.Duration("store-batch-delay", storeDef.BatchDelay, "Pause between write batches")
	f.Int("excerpt-chars", 5000, "Characters of recognized text kept on the document record")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PDFQUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("pdfquiz")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/pdfquiz")
	v.AddConfigPath("/etc/pdfquiz")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// generator is a generative service that may hold resources.
type generator interface {
	llm.Generator
	io.Closer
}

type openAIGenerator struct{ *llm.Client }

func (openAIGenerator) Close() error { return nil }

func newGenerator(ctx context.Context, v *viper.Viper) (generator, error) {
	switch p := strings.ToLower(v.GetString("llm-provider")); p {
	case "vertex":
		g, err := llm.NewVertex(ctx, v.GetString("vertex-project"), v.GetString("vertex-region"), v.GetString("llm-model"))
		if err != nil {
			return nil, fmt.Errorf("create Vertex AI client: %w", err)
		}
		slog.Info("using Vertex AI", "project", v.GetString("vertex-project"), "model", v.GetString("llm-model"))
		return g, nil
	case "openai", "":
		c := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		if err := c.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		return openAIGenerator{c}, nil
	default:
		return nil, fmt.Errorf("unknown llm-provider %q", p)
	}
}

// buildPipeline wires every stage from configuration. The returned func
// releases the generative client. If progress is non-nil, per-page and
// per-chunk outcomes are written to it.
func buildPipeline(ctx context.Context, v *viper.Viper, db *store.Store, progress io.Writer) (*pipeline.Orchestrator, func(), error) {
	gen, err := newGenerator(ctx, v)
	if err != nil {
		return nil, nil, err
	}

	engine, err := ocr.NewVisionEngine(ctx, v.GetString("vision-key"), v.GetString("vision-endpoint"))
	if err != nil {
		gen.Close()
		return nil, nil, fmt.Errorf("create vision client: %w", err)
	}

	ex, err := extract.New(gen, extract.Config{
		ChunkSize:  v.GetInt("chunk-size"),
		ChunkDelay: v.GetDuration("chunk-delay"),
		Timeout:    v.GetDuration("llm-timeout"),
	})
	if err != nil {
		gen.Close()
		return nil, nil, err
	}

	recognizer := ocr.NewRecognizer(engine, ocr.Config{
		BatchSize:  v.GetInt("ocr-batch-size"),
		BatchDelay: v.GetDuration("ocr-batch-delay"),
		Timeout:    v.GetDuration("ocr-timeout"),
	})
	if progress != nil {
		var mu sync.Mutex
		recognizer.OnPage = func(p model.RecognizedPage, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintf(progress, "page %d: failed: %v\n", p.PageNumber, err)
				return
			}
			fmt.Fprintf(progress, "page %d: %d words, %.0f%% confidence\n", p.PageNumber, p.WordCount, p.Confidence*100)
		}
		ex.OnChunk = func(o extract.ChunkOutcome) {
			if o.Err != nil {
				fmt.Fprintf(progress, "chunk %d: failed: %v\n", o.Index+1, o.Err)
				return
			}
			fmt.Fprintf(progress, "chunk %d: %d questions (%s)\n", o.Index+1, o.Questions, o.Provenance)
		}
	}

	orch := pipeline.New(pipeline.Stages{
		Validator: document.NewValidator(int64(v.GetInt("max-upload-mb")) << 20),
		Rasterizer: raster.New(raster.Config{
			DPI:          v.GetFloat64("dpi"),
			MaxDimension: v.GetInt("max-dimension"),
			MaxPages:     v.GetInt("max-pages"),
			ScratchDir:   v.GetString("scratch-dir"),
		}),
		Recognizer: recognizer,
		Extractor:  ex,
		Persister: persist.New(db, persist.LoadSubjectLookup(ctx, db), persist.Config{
			BatchSize:  v.GetInt("store-batch-size"),
			BatchDelay: v.GetDuration("store-batch-delay"),
		}),
		Runs: db,
	}, pipeline.Config{
		PerPage:      v.GetBool("per-page"),
		ExcerptChars: v.GetInt("excerpt-chars"),
	})

	return orch, func() { gen.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	orch, closeGen, err := buildPipeline(ctx, v, db, nil)
	if err != nil {
		return err
	}
	defer closeGen()

	metrics.Register()
	h := handler.New(orch, db, int64(v.GetInt("max-upload-mb"))<<20)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	r.Handle("/metrics", metrics.Handler())
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"llm_provider", v.GetString("llm-provider"),
		"model", v.GetString("llm-model"),
		"lang", lang,
		"per_page", v.GetBool("per-page"),
	)
	return http.ListenAndServe(addr, r)
}

func runProcess(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := appI18n.Init("en"); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	orch, closeGen, err := buildPipeline(ctx, v, db, os.Stderr)
	if err != nil {
		return err
	}
	defer closeGen()

	docID := v.GetString("pdf-id")
	if docID == "" {
		docID = uuid.NewString()
	}
	res, err := orch.Process(ctx, pipeline.Request{
		DocumentID: docID,
		UserID:     v.GetString("user-id"),
		Title:      filepath.Base(args[0]),
		Document:   model.SourceDocument{Data: data, MediaType: model.MediaTypePDF, Size: int64(len(data))},
	})
	var rej *pipeline.RejectedError
	if errors.As(err, &rej) {
		return fmt.Errorf("%s", appI18n.Td(ctx, string(rej.Verdict.Check), map[string]any{"MaxMB": v.GetInt("max-upload-mb")}))
	}
	if res == nil {
		return err
	}

	if res.MessageID == pipeline.MsgCompleted {
		fmt.Fprintln(os.Stderr, appI18n.Tpd(ctx, res.MessageID, res.Stored, map[string]any{"Pages": res.Pages}))
	} else {
		fmt.Fprintln(os.Stderr, appI18n.T(ctx, res.MessageID))
	}
	if werr := writeJSONTo("-", res); werr != nil {
		return werr
	}
	return err
}

func runStatus(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	docID, userID := v.GetString("pdf-id"), v.GetString("user-id")
	ds, err := db.GetDocumentStatus(ctx, docID, userID)
	if err != nil {
		return fmt.Errorf("get status of %s: %w", docID, err)
	}
	runs, err := db.ListRuns(ctx, docID, userID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	stored, err := db.QuestionCount(ctx, docID)
	if err != nil {
		return fmt.Errorf("count questions: %w", err)
	}
	var text string
	if v.GetBool("text") {
		if text, err = db.GetExtractedText(ctx, docID, userID); err != nil {
			return fmt.Errorf("get text of %s: %w", docID, err)
		}
	}
	return writeJSONTo("-", struct {
		*model.DocumentStatus
		StoredQuestions int                   `json:"stored_questions"`
		Text            string                `json:"extracted_text,omitempty"`
		Runs            []model.ProcessingRun `json:"runs"`
	}{ds, stored, text, runs})
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportDocument(context.Background(), v.GetString("pdf-id"), v.GetString("user-id"))
	if err != nil {
		return fmt.Errorf("export questions: %w", err)
	}
	if err := writeJSONTo(v.GetString("output"), export); err != nil {
		return err
	}
	slog.Info("export complete", "questions", export.NumQuestions, "output", v.GetString("output"))
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	stats, err := db.QuestionStats(context.Background(), v.GetString("user-id"))
	if err != nil {
		return fmt.Errorf("question stats: %w", err)
	}
	return writeJSONTo("-", stats)
}

func writeJSONTo(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
