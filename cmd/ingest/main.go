// Command ingest feeds normalized loader output into the vector index. It
// either consumes documents from the NATS ingest subject or, with -file,
// ingests a JSON file of documents and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/reqsmith/reqsmith/engine/chunker"
	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
	"github.com/reqsmith/reqsmith/engine/ingest"
	"github.com/reqsmith/reqsmith/pkg/metrics"
	"github.com/reqsmith/reqsmith/pkg/ollama"
)

var met = metrics.New()

var (
	mDocsTotal   = func(kind string) *metrics.Counter { return met.Counter(metrics.WithLabels("reqsmith_ingest_docs_total", "kind", kind), "Total documents ingested") }
	mDocsFailed  = met.Counter("reqsmith_ingest_docs_failed_total", "Documents that failed ingestion")
	mDocsSkipped = met.Counter("reqsmith_ingest_docs_skipped_total", "Documents skipped by dedup")
	mDocsDead    = met.Counter("reqsmith_ingest_docs_dead_lettered_total", "Documents sent to the DLQ")
	mPipelineDur = met.Histogram("reqsmith_ingest_pipeline_duration_seconds", "Per-doc pipeline time", nil)
)

func main() {
	var (
		natsURL    = flag.String("nats", nats.DefaultURL, "NATS server URL")
		qdrantAddr = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		collection = flag.String("collection", "reqsmith", "Qdrant collection name")
		dims       = flag.Int("dims", 768, "embedding vector dimensions")
		ollamaURL  = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		embedRate  = flag.Float64("embed-rate", 0, "max embed calls per second (0 = unlimited)")
		chunkSize  = flag.Int("chunk-size", chunker.DefaultMaxSize, "max chunk size in characters")
		overlap    = flag.Int("overlap", chunker.DefaultOverlap, "chunk overlap window")
		file       = flag.String("file", "", "ingest a JSON file of documents and exit")
		metricsPrt = flag.Int("metrics-port", 9091, "metrics server port")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	met.ServeAsync(*metricsPrt)

	embedder := ollama.NewEmbedClient(*ollamaURL, *embedModel, ollama.Opts{RatePerSec: *embedRate})
	logger.Info("using Ollama embeddings", "model", *embedModel)

	idx, err := index.New(*qdrantAddr, *collection, *dims, embedder, logger)
	if err != nil {
		logger.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer idx.Close()
	if err := idx.Initialize(ctx); err != nil {
		logger.Error("qdrant initialize failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Qdrant", "collection", *collection, "dims", *dims)

	// In-process dedup; the deterministic chunk ids make replays idempotent
	// anyway, this just avoids re-embedding.
	var mu sync.Mutex
	seen := make(map[string]bool)

	deps := ingest.Deps{
		Index:        idx,
		MaxChunkSize: *chunkSize,
		Overlap:      *overlap,
		DeduplicateF: func(_ context.Context, docID string) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			if seen[docID] {
				mDocsSkipped.Inc()
				return true, nil
			}
			seen[docID] = true
			return false, nil
		},
		Logger: logger,
	}

	if *file != "" {
		ingestFile(ctx, deps, *file, logger)
		return
	}

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, deps)
	if err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	dlqSub, err := ingest.StartDLQMonitor(nc, logger, func(ingest.DLQMessage) { mDocsDead.Inc() })
	if err != nil {
		logger.Error("dlq subscribe failed", "error", err)
		os.Exit(1)
	}
	defer dlqSub.Unsubscribe()

	logger.Info("consuming", "subject", ingest.IngestSubject)
	<-ctx.Done()
	logger.Info("shutting down")
}

func ingestFile(ctx context.Context, deps ingest.Deps, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read file failed", "file", path, "error", err)
		os.Exit(1)
	}

	var docs []domain.SourceDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		logger.Error("parse file failed", "file", path, "error", err)
		os.Exit(1)
	}

	start := time.Now()
	count, errs := ingest.IngestAll(ctx, deps, docs)
	mPipelineDur.Since(start)
	for _, d := range docs {
		mDocsTotal(string(d.Kind)).Inc()
	}
	if errs > 0 {
		mDocsFailed.Add(int64(errs))
	}
	logger.Info("file done", "file", path, "ingested", count, "errors", errs)
}
