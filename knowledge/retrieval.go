package knowledge

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultSearchLimit    = 3
	maxSearchLimit        = 50
	defaultScoreThreshold = 0.5
)

// SearchRequest describes one similarity query against a knowledge base.
// Limit 0 selects the default (3); valid values are 1..50. A nil
// ScoreThreshold selects 0.5; the threshold is a similarity lower bound
// (higher score = more similar) applied uniformly across the engine.
type SearchRequest struct {
	Query          string   `json:"query"`
	Limit          int      `json:"limit,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	Category       string   `json:"category,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AccessCode     string   `json:"access_code,omitempty"`
}

// Snippet is one retrieved chunk with its similarity score and the metadata
// joined back from the owning document. Title is nil when the parent document
// no longer exists; the hit is kept because the chunk text itself is intact.
type Snippet struct {
	DocumentID string   `json:"document_id"`
	Title      *string  `json:"title"`
	Source     *string  `json:"source,omitempty"`
	Author     *string  `json:"author,omitempty"`
	Text       string   `json:"text"`
	ChunkIndex int      `json:"chunk_index"`
	Score      float64  `json:"score"`
	VectorID   string   `json:"vector_id"`
	Tags       []string `json:"tags,omitempty"`
}

// Search embeds the query with the knowledge base's pinned embedding model,
// runs nearest-neighbour search on its collection and returns scored
// snippets in the index's ranking order.
func (s *Service) Search(ctx context.Context, kbID, requesterID string, req SearchRequest) ([]Snippet, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrConfiguration)
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}
	if limit < 1 || limit > maxSearchLimit {
		return nil, fmt.Errorf("%w: limit %d outside accepted range 1..%d", ErrConfiguration, req.Limit, maxSearchLimit)
	}

	threshold := defaultScoreThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: score threshold %v outside 0..1", ErrConfiguration, threshold)
		}
	}

	kb, collection, err := s.resolveCollection(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(kb, requesterID, req.AccessCode); err != nil {
		return nil, err
	}

	// A knowledge base is queryable only with the embedding model its chunks
	// were ingested with; silently mixing models corrupts the scores.
	if kb.EmbeddingModel != "" && kb.EmbeddingModel != s.embedder.Model() {
		return nil, fmt.Errorf("%w: knowledge base %s is pinned to embedding model %q, configured model is %q",
			ErrConfiguration, kb.ID, kb.EmbeddingModel, s.embedder.Model())
	}

	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var filter *VectorFilter
	if strings.TrimSpace(req.Category) != "" || len(req.Tags) > 0 {
		filter = &VectorFilter{Category: req.Category, Tags: req.Tags}
	}

	hits, err := s.vectors.Search(ctx, collection, vector, limit, threshold, filter)
	if err != nil {
		return nil, fmt.Errorf("knowledge: vector search: %w", err)
	}

	return s.assembleSnippets(ctx, kb.ID, hits, threshold), nil
}

// RetrieveContext is the surface the chat layer consumes: defaults for
// everything except the query and an optional limit.
func (s *Service) RetrieveContext(ctx context.Context, kbID, query, requesterID string, limit int) ([]Snippet, error) {
	return s.Search(ctx, kbID, requesterID, SearchRequest{Query: query, Limit: limit})
}

// embedQuery returns the query vector, consulting the Redis cache first.
// Cache failures fall through to the provider silently.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vector, ok := s.queryCache.get(ctx, s.embedder.Model(), query); ok {
		return vector, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected one query embedding, got %d", ErrEmbedding, len(vectors))
	}

	s.queryCache.store(ctx, s.embedder.Model(), query, vectors[0])
	return vectors[0], nil
}

// assembleSnippets joins hits back to their parent documents in one batch
// query and preserves the index ordering. Hits below the threshold are
// dropped here as well in case the index ignored the server-side cutoff.
func (s *Service) assembleSnippets(ctx context.Context, kbID string, hits []VectorHit, threshold float64) []Snippet {
	docIDs := make([]string, 0, len(hits))
	for _, hit := range hits {
		if id, ok := hit.Payload["document_id"].(string); ok && id != "" {
			docIDs = append(docIDs, id)
		}
	}

	titles := make(map[string]string, len(docIDs))
	if len(docIDs) > 0 {
		var rows []struct {
			ID    string
			Title string
		}
		if err := s.db.WithContext(ctx).Model(&Document{}).
			Select("id", "title").
			Where("id IN ? AND kb_id = ? AND status = ?", docIDs, kbID, documentStatusActive).
			Find(&rows).Error; err == nil {
			for _, row := range rows {
				titles[row.ID] = row.Title
			}
		}
	}

	snippets := make([]Snippet, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		snippet := Snippet{
			VectorID: hit.ID,
			Score:    hit.Score,
		}
		payload := hit.Payload
		if payload != nil {
			if v, ok := payload["document_id"].(string); ok {
				snippet.DocumentID = v
			}
			if v, ok := payload["text"].(string); ok {
				snippet.Text = v
			}
			if v, ok := payload["chunk_index"].(float64); ok {
				snippet.ChunkIndex = int(v)
			}
			if v, ok := payload["source"].(string); ok && v != "" {
				snippet.Source = &v
			}
			if v, ok := payload["author"].(string); ok && v != "" {
				snippet.Author = &v
			}
			if raw, ok := payload["tags"].([]interface{}); ok {
				snippet.Tags = toStringSlice(raw)
			}
		}
		if title, ok := titles[snippet.DocumentID]; ok {
			snippet.Title = &title
		}
		snippets = append(snippets, snippet)
	}
	return snippets
}

func toStringSlice(values []interface{}) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if str, ok := value.(string); ok {
			trimmed := strings.TrimSpace(str)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
