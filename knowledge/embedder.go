package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder turns text into fixed-dimension vectors. Model identifies the
// embedding model; a knowledge base pins this identity at creation so
// ingestion and retrieval always share one embedding space.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	dimensions int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv builds an Embedder against an OpenAI-compatible
// /embeddings endpoint using EMBEDDING_API_KEY, EMBEDDING_BASE_URL,
// EMBEDDING_MODEL_ID, EMBEDDING_VECTOR_DIM and EMBEDDING_MAX_BATCH.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("knowledge: EMBEDDING_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	dimensions := 1536
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			dimensions = parsed
		}
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		dimensions: dimensions,
	}, nil
}

func (e *httpEmbedder) Model() string {
	return e.modelID
}

func (e *httpEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed sends the inputs to the provider in batches of maxBatch, preserving
// input order across batches. Any batch failure fails the whole call.
func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", ErrEmbedding)
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, input := range inputs {
		if strings.TrimSpace(input) == "" {
			return nil, fmt.Errorf("%w: input %d is empty", ErrEmbedding, i)
		}
	}

	results := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := e.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: e.modelID,
		Input: batch,
	}
	if e.dimensions > 0 {
		dim := e.dimensions
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := ErrEmbedding
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ErrTransient
		}
		return nil, fmt.Errorf("%w: embedding API status %s: %s", kind, resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", ErrEmbedding, err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("%w: embedding count mismatch (expected %d, got %d)", ErrEmbedding, len(batch), len(decoded.Data))
	}

	// The API reports each vector's input position; order by it rather than
	// trusting the wire order.
	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		position := item.Index
		if position < 0 || position >= len(vectors) {
			position = i
		}
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.dimensions > 0 && len(vector) != e.dimensions {
			return nil, fmt.Errorf("%w: embedding length %d does not match expected %d", ErrEmbedding, len(vector), e.dimensions)
		}
		vectors[position] = vector
	}
	return vectors, nil
}
