// Command api serves the evidence retrieval engine over HTTP. Agents that
// generate test requirements call it to fetch ranked, cited context.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
	"github.com/reqsmith/reqsmith/engine/retriever"
	"github.com/reqsmith/reqsmith/pkg/metrics"
	"github.com/reqsmith/reqsmith/pkg/mid"
	"github.com/reqsmith/reqsmith/pkg/ollama"
)

var met = metrics.New()

var (
	mRetrievals   = func(kind string) *metrics.Counter { return met.Counter(metrics.WithLabels("reqsmith_retrievals_total", "kind", kind), "Total retrieval calls") }
	mRetrieveErrs = met.Counter("reqsmith_retrieval_errors_total", "Failed retrieval calls")
	mRetrieveDur  = met.Histogram("reqsmith_retrieval_duration_seconds", "Retrieval latency", nil)
	mResultCount  = met.Histogram("reqsmith_retrieval_results", "Results per retrieval", []float64{0, 1, 2, 5, 10, 15, 25, 50})
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	QdrantURL   string
	Collection  string
	OllamaURL   string
	EmbedModel  string
	EmbedDims   int
	MetricsPort int
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		QdrantURL:   envOr("QDRANT_URL", "localhost:6334"),
		Collection:  envOr("QDRANT_COLLECTION", "reqsmith"),
		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:  envOr("EMBED_MODEL", "nomic-embed-text"),
		EmbedDims:   envIntOr("EMBED_DIMS", 768),
		MetricsPort: envIntOr("METRICS_PORT", 9090),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel, ollama.Opts{})

	idx, err := index.New(cfg.QdrantURL, cfg.Collection, cfg.EmbedDims, embedder, logger)
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	defer idx.Close()
	if err := idx.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize collection: %w", err)
	}
	logger.Info("connected to Qdrant", "collection", cfg.Collection, "dims", cfg.EmbedDims)

	svc := retriever.New(idx, logger)

	met.ServeAsync(cfg.MetricsPort)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/retrieve", handleRetrieve(svc))
	mux.HandleFunc("POST /v1/retrieve/multi", handleRetrieveMulti(svc))
	mux.HandleFunc("GET /v1/sources", handleSources(svc))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("reqsmith-api"),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

type retrieveRequest struct {
	Query      string   `json:"query"`
	Queries    []string `json:"queries,omitempty"`
	Expansions []string `json:"expansions,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	MinScore   *float32 `json:"min_score,omitempty"`
	Kinds      []string `json:"kinds,omitempty"`
}

// options translates the request into retrieval options. An omitted limit
// stays zero so each retrieval call applies its own default (10 single, 15
// multi); only the score threshold defaults here.
func (r retrieveRequest) options() retriever.Options {
	opts := retriever.Options{MinScore: retriever.DefaultMinScore}
	if r.Limit > 0 {
		opts.Limit = r.Limit
	}
	if r.MinScore != nil {
		opts.MinScore = *r.MinScore
	}
	for _, k := range r.Kinds {
		opts.SourceKinds = append(opts.SourceKinds, domain.SourceKind(strings.TrimSpace(k)))
	}
	return opts
}

func handleRetrieve(svc *retriever.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}

		start := time.Now()
		var rc *retriever.RetrievalContext
		var err error
		if len(req.Expansions) > 0 {
			mRetrievals("expanded").Inc()
			rc, err = svc.RetrieveWithExpansion(r.Context(), req.Query, req.Expansions, req.options())
		} else {
			mRetrievals("single").Inc()
			rc, err = svc.Retrieve(r.Context(), req.Query, req.options())
		}
		mRetrieveDur.Since(start)
		if err != nil {
			mRetrieveErrs.Inc()
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		mResultCount.Observe(float64(len(rc.Results)))
		writeJSON(w, rc)
	}
}

func handleRetrieveMulti(svc *retriever.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.Queries) == 0 {
			http.Error(w, "queries are required", http.StatusBadRequest)
			return
		}

		start := time.Now()
		mRetrievals("multi").Inc()
		rc, err := svc.RetrieveMultiple(r.Context(), req.Queries, req.options())
		mRetrieveDur.Since(start)
		if err != nil {
			mRetrieveErrs.Inc()
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		mResultCount.Observe(float64(len(rc.Results)))
		writeJSON(w, rc)
	}
}

func handleSources(svc *retriever.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		kind := domain.SourceKind(r.URL.Query().Get("kind"))
		if source == "" || !domain.ValidSourceKinds[kind] {
			http.Error(w, "source and a valid kind are required", http.StatusBadRequest)
			return
		}

		mRetrievals("source").Inc()
		results, err := svc.RetrieveBySource(r.Context(), source, kind)
		if err != nil {
			mRetrieveErrs.Inc()
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, results)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
