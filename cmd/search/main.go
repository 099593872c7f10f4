// Command search runs a one-shot retrieval against the index and prints the
// formatted evidence plus its citations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
	"github.com/reqsmith/reqsmith/engine/retriever"
	"github.com/reqsmith/reqsmith/pkg/ollama"
)

func main() {
	var (
		qdrantAddr = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		collection = flag.String("collection", "reqsmith", "Qdrant collection name")
		dims       = flag.Int("dims", 768, "embedding vector dimensions")
		ollamaURL  = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		limit      = flag.Int("limit", retriever.DefaultLimit, "max results")
		minScore   = flag.Float64("min-score", float64(retriever.DefaultMinScore), "similarity threshold")
		kinds      = flag.String("kinds", "", "comma-separated source kinds to search")
		expand     = flag.String("expand", "", "comma-separated pre-generated query expansions")
	)
	flag.Parse()

	query := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, "usage: search [flags] <query>")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	embedder := ollama.NewEmbedClient(*ollamaURL, *embedModel, ollama.Opts{})
	idx, err := index.New(*qdrantAddr, *collection, *dims, embedder, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx := context.Background()
	svc := retriever.New(idx, logger)

	if !svc.HasDocuments(ctx) {
		fmt.Println("index is empty, nothing to search")
		return
	}

	opts := retriever.Options{Limit: *limit, MinScore: float32(*minScore)}
	for _, k := range strings.Split(*kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			opts.SourceKinds = append(opts.SourceKinds, domain.SourceKind(k))
		}
	}

	var rc *retriever.RetrievalContext
	if *expand != "" {
		var expansions []string
		for _, e := range strings.Split(*expand, ",") {
			if e = strings.TrimSpace(e); e != "" {
				expansions = append(expansions, e)
			}
		}
		rc, err = svc.RetrieveWithExpansion(ctx, query, expansions, opts)
	} else {
		rc, err = svc.Retrieve(ctx, query, opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "retrieve:", err)
		os.Exit(1)
	}

	fmt.Println(rc.FormattedContext)
	if len(rc.Citations) > 0 {
		fmt.Println("\nCitations:")
		for _, c := range rc.Citations {
			fmt.Printf("  [%.3f] %s (%s)", c.Score, c.Source, c.Kind)
			if c.Title != "" {
				fmt.Printf(": %s", c.Title)
			}
			fmt.Println()
		}
	}
}
