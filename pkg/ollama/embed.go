// Package ollama reaches an Ollama server for text embeddings. It satisfies
// the engine's Embedder capability; the model itself stays external.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/reqsmith/reqsmith/pkg/resilience"
)

// EmbedClient calls Ollama's HTTP embeddings API. Calls are rate limited and
// guarded by a circuit breaker; both are transport-layer concerns kept out of
// the retrieval core.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// Opts tunes the embed client transport behaviour.
type Opts struct {
	// RatePerSec caps embed calls per second. Zero means no limit.
	RatePerSec float64
	// Burst is the rate limiter burst size. Defaults to 1 when rate limited.
	Burst int
}

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(baseURL, model string, opts Opts) *EmbedClient {
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: limiter,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var out []float32
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		body, _ := json.Marshal(embedReq{Model: c.model, Prompt: text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("ollama embed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ollama embed: status %d", resp.StatusCode)
		}

		var result embedResp
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("ollama embed decode: %w", err)
		}

		out = make([]float32, len(result.Embedding))
		for i, v := range result.Embedding {
			out[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Embed returns the embedding vector for one text.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text)
}

// EmbedBatch embeds texts one by one, failing fast on the first error.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vals, err := c.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}
