package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func embedServer(t *testing.T, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		prompts = append(prompts, req.Prompt)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(embedResp{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	t.Cleanup(srv.Close)
	return srv, &prompts
}

func TestEmbed(t *testing.T) {
	srv, prompts := embedServer(t, http.StatusOK)
	c := NewEmbedClient(srv.URL, "nomic-embed-text", Opts{})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != float32(0.1) {
		t.Errorf("vector = %v", vec)
	}
	if len(*prompts) != 1 || (*prompts)[0] != "hello" {
		t.Errorf("prompts = %v", *prompts)
	}
}

func TestEmbedServerError(t *testing.T) {
	srv, _ := embedServer(t, http.StatusServiceUnavailable)
	c := NewEmbedClient(srv.URL, "m", Opts{})

	_, err := c.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("error = %v", err)
	}
}

func TestEmbedBatch(t *testing.T) {
	srv, prompts := embedServer(t, http.StatusOK)
	c := NewEmbedClient(srv.URL, "m", Opts{})

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("got %d vectors", len(vecs))
	}
	if len(*prompts) != 2 || (*prompts)[1] != "b" {
		t.Errorf("prompts = %v", *prompts)
	}
}

func TestEmbedBatchFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewEmbedClient(srv.URL, "m", Opts{})

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected fail-fast after 1 call, got %d", calls)
	}
}

func TestEmbedRespectsContext(t *testing.T) {
	srv, _ := embedServer(t, http.StatusOK)
	// Drain the burst so the next call has to wait on the limiter, then
	// cancel. The wait must end with the context error.
	c := NewEmbedClient(srv.URL, "m", Opts{RatePerSec: 0.0001, Burst: 1})
	_, _ = c.Embed(context.Background(), "consume burst")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Embed(ctx, "x"); err == nil {
		t.Fatal("expected context error from limiter wait")
	}
}
