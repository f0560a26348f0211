package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// VectorPoint is one embedded chunk submitted for indexing.
type VectorPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// VectorHit is one nearest-neighbour result. Score is cosine similarity:
// higher means more similar, and every threshold in this package is a lower
// bound on it. The index returns hits ordered by descending score.
type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

// VectorFilter restricts a search by chunk payload metadata. Tags is a
// conjunction: every listed tag must appear in a hit's tag set.
type VectorFilter struct {
	Category string
	Tags     []string
}

// VectorIndex is the nearest-neighbour store, one collection per knowledge
// base. Collections are isolated from each other.
type VectorIndex interface {
	CreateCollection(ctx context.Context, name string, vectorSize int) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
	Delete(ctx context.Context, collection string, ids []string) error
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter *VectorFilter) ([]VectorHit, error)
}

type qdrantIndex struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewQdrantIndexFromEnv builds a VectorIndex against the Qdrant REST API
// using QDRANT_URL (default http://localhost:6333) and QDRANT_API_KEY.
func NewQdrantIndexFromEnv() (VectorIndex, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	return &qdrantIndex{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
	}, nil
}

func (q *qdrantIndex) CreateCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrConfiguration)
	}
	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	endpoint := fmt.Sprintf("%s/collections/%s", q.baseURL, url.PathEscape(name))
	return q.do(ctx, http.MethodPut, endpoint, payload, nil)
}

func (q *qdrantIndex) DeleteCollection(ctx context.Context, name string) error {
	endpoint := fmt.Sprintf("%s/collections/%s", q.baseURL, url.PathEscape(name))
	return q.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (q *qdrantIndex) Upsert(ctx context.Context, collection string, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	endpoint := fmt.Sprintf("%s/collections/%s/points?wait=true", q.baseURL, url.PathEscape(collection))
	return q.do(ctx, http.MethodPut, endpoint, payload, nil)
}

// Delete removes points by id. Deleting an unknown id succeeds, which keeps
// the operation idempotent and safe to retry.
func (q *qdrantIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": ids}
	endpoint := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.baseURL, url.PathEscape(collection))
	return q.do(ctx, http.MethodPost, endpoint, payload, nil)
}

func (q *qdrantIndex) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter *VectorFilter) ([]VectorHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		payload["score_threshold"] = scoreThreshold
	}
	if clauses := filterClauses(filter); len(clauses) > 0 {
		payload["filter"] = map[string]interface{}{"must": clauses}
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/search", q.baseURL, url.PathEscape(collection))
	if err := q.do(ctx, http.MethodPost, endpoint, payload, &decoded); err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, VectorHit{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

// filterClauses translates a VectorFilter into Qdrant must conditions. One
// clause per tag makes the tag filter a conjunction.
func filterClauses(filter *VectorFilter) []map[string]interface{} {
	if filter == nil {
		return nil
	}
	clauses := make([]map[string]interface{}, 0, len(filter.Tags)+1)
	if category := strings.TrimSpace(filter.Category); category != "" {
		clauses = append(clauses, map[string]interface{}{
			"key":   "category",
			"match": map[string]interface{}{"value": category},
		})
	}
	for _, tag := range filter.Tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		clauses = append(clauses, map[string]interface{}{
			"key":   "tags",
			"match": map[string]interface{}{"value": trimmed},
		})
	}
	return clauses
}

func (q *qdrantIndex) do(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	if q == nil {
		return errors.New("knowledge: qdrant index is not configured")
	}

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: qdrant request timed out: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: qdrant request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := ErrStorage
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ErrTransient
		}
		return fmt.Errorf("%w: qdrant status %s: %s", kind, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("knowledge: decode qdrant response: %w", err)
		}
	}
	return nil
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
