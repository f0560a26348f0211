package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestHTTPEmbedder(t *testing.T, handler http.HandlerFunc, maxBatch int) (*httpEmbedder, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 2 * time.Second},
		baseURL:    server.URL,
		apiKey:     "test-key",
		modelID:    "test-model",
		maxBatch:   maxBatch,
		dimensions: 3,
	}, server
}

func embeddingHandler(t *testing.T, gotBatches *[][]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*gotBatches = append(*gotBatches, req.Input)

		resp := embeddingResponse{}
		// Answer out of order; the client must restore input order.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Index: i, Embedding: []float64{float64(i), 0, 0}})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestHTTPEmbedderBatchesPreserveOrder(t *testing.T) {
	var batches [][]string
	embedder, _ := newTestHTTPEmbedder(t, embeddingHandler(t, &batches), 2)

	inputs := []string{"one", "two", "three", "four", "five"}
	vectors, err := embedder.Embed(context.Background(), inputs)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != len(inputs) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(inputs))
	}
	if len(batches) != 3 {
		t.Errorf("got %d batches, want 3 with max batch 2", len(batches))
	}
	// Each batch numbers its vectors from zero; the first vector of every
	// batch carries 0 in its first component.
	if vectors[0][0] != 0 || vectors[1][0] != 1 || vectors[2][0] != 0 {
		t.Errorf("vectors not in input order: %v", vectors)
	}
}

func TestHTTPEmbedderRejectsEmptyInput(t *testing.T) {
	var batches [][]string
	embedder, _ := newTestHTTPEmbedder(t, embeddingHandler(t, &batches), 4)

	if _, err := embedder.Embed(context.Background(), []string{"ok", "  "}); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("got %v, want ErrEmbedding", err)
	}
	if len(batches) != 0 {
		t.Error("no request should be sent for invalid input")
	}
}

func TestHTTPEmbedderStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrEmbedding},
		{http.StatusUnauthorized, ErrEmbedding},
	}
	for _, tc := range cases {
		embedder, _ := newTestHTTPEmbedder(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}, 4)
		_, err := embedder.Embed(context.Background(), []string{"text"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestHTTPEmbedderNetworkFailureIsTransient(t *testing.T) {
	embedder, server := newTestHTTPEmbedder(t, func(http.ResponseWriter, *http.Request) {}, 4)
	server.Close()

	if _, err := embedder.Embed(context.Background(), []string{"text"}); !errors.Is(err, ErrTransient) {
		t.Fatalf("got %v, want ErrTransient", err)
	}
}

func TestHTTPEmbedderDimensionMismatch(t *testing.T) {
	embedder, _ := newTestHTTPEmbedder(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{1, 2}}},
		})
	}, 4)

	if _, err := embedder.Embed(context.Background(), []string{"text"}); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("got %v, want ErrEmbedding", err)
	}
}
