package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chriskillpack/witness"
)

var (
	libraryPath = flag.String("library", "", "Path to photos to add to the gallery")
	dbPath      = flag.String("db", "./witness.db", "Path to database")

	visionBackend   = flag.String("vision", witness.BackendGemini, "Vision backend: gemini, openai or llama")
	embedderBackend = flag.String("embedder", witness.BackendGemini, "Embedding backend: gemini, openai, llama or hash")
	geminiVision    = flag.String("gemini-vision-model", "", "Gemini model used to describe photos")
	geminiEmbedding = flag.String("gemini-embedding-model", "", "Gemini model used for embeddings")
	multimodal      = flag.Bool("multimodal", false, "Embedding model accepts images (Gemini only)")
	openaiVision    = flag.String("openai-vision-model", "", "OpenAI model used to describe photos")
	openaiEmbedding = flag.String("openai-embedding-model", "", "OpenAI model used for embeddings")
	llamaServer     = flag.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	llamaSeed       = flag.Int("seed", 385480504, "Random seed to llama")
	dims            = flag.Int("dims", 0, "Expected embedding dimensions, 0 for the backend default")
	rpm             = flag.Int("rpm", 60, "Maximum requests per minute to hosted backends, 0 for unlimited")
	timeout         = flag.Duration("timeout", 60*time.Second, "Timeout for each model request")

	describe   = flag.Bool("describe", false, "Describe photos that have no record yet")
	embed      = flag.String("embed", "", "Compute missing embeddings of this modality: text (records) or image")
	export     = flag.Bool("export", false, "Write all embeddings from the selected embedder to stdout as JSON lines")
	embedText  = flag.String("embed-text", "", "Print the embedding of this text")
	embedImage = flag.String("embed-image", "", "Print the embedding of the photo at this path")
	workers    = flag.Int("workers", 4, "Number of photos processed concurrently")
	count      = flag.Int("count", -1, "Number of items to process")
	verbose    = flag.Bool("v", false, "Verbose logging")

	lameduck atomic.Bool
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

func findImageFiles(root string) ([]witness.ImagePath, error) {
	var photos []witness.ImagePath

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !imageExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		ip := witness.ImagePath{Path: path, Modtime: info.ModTime()}
		if f, err := os.Open(path); err == nil {
			if cfg, _, err := image.DecodeConfig(f); err == nil {
				ip.Width, ip.Height = cfg.Width, cfg.Height
			}
			f.Close()
		}
		photos = append(photos, ip)

		return nil
	})

	return photos, err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"pid":     os.Getpid(),
			"service": "witness",
		},
	}
	return config.Build()
}

func run(ctx context.Context, wio witness.InitOptions, logger *zap.Logger) error {
	if *embedText != "" || *embedImage != "" {
		e, err := witness.InitEmbeddingProvider(wio)
		if err != nil {
			return err
		}
		return runEmbedOne(ctx, e)
	}

	db, err := witness.NewDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Ingest and export don't talk to a vision model.
	if *libraryPath != "" {
		photos, err := findImageFiles(*libraryPath)
		if err != nil {
			return err
		}
		fmt.Printf("Found %d images on disk\n", len(photos))

		const batchSize = 100
		added, err := db.InsertImagePaths(ctx, photos, batchSize)
		if err != nil {
			return err
		}

		fmt.Printf("Added %d new images\n", added)
		return nil
	}

	if *export {
		e, err := witness.InitEmbeddingProvider(wio)
		if err != nil {
			return err
		}
		return runExport(ctx, db, e, os.Stdout)
	}

	if !*describe && *embed == "" {
		flag.Usage()
		return nil
	}

	w, err := witness.Init(wio)
	if err != nil {
		return err
	}

	// All functionality from this point on requires the model backends.
	// Check they are healthy and agree on dimensions before doing any work.
	if !w.IsHealthy(ctx) {
		return fmt.Errorf("backend is not responding")
	}

	if *describe {
		return runDescribe(ctx, w, db, logger)
	}
	if err := w.Embedder().CheckDimensions(ctx); err != nil {
		return err
	}
	return runEmbed(ctx, w, db, *embed, logger)
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck.Load() {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		} else {
			fmt.Println("SIGINT received, stopping...")
			lameduck.Store(true)
		}
	}
}

func main() {
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	wio := witness.InitOptions{
		Vision:               *visionBackend,
		Embedder:             *embedderBackend,
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiVisionModel:    *geminiVision,
		GeminiEmbeddingModel: *geminiEmbedding,
		GeminiMultimodal:     *multimodal,
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIVisionModel:    *openaiVision,
		OpenAIEmbeddingModel: *openaiEmbedding,
		LlamaServer:          *llamaServer,
		LlamaSeed:            *llamaSeed,
		Dimensions:           *dims,
		RequestsPerMinute:    *rpm,
		CallTimeout:          *timeout,
		HttpClient: &http.Client{
			Timeout: *timeout + 5*time.Second,
		},
		Logger: logger,
	}

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel)

	if err := run(ctx, wio, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("run", zap.Error(err))
	}
}
