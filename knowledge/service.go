package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sagebase_back/cache"
)

// Service orchestrates the document store, chunker, embedding provider and
// vector index so they stay consistent. All state lives in the collaborators;
// the Service itself carries only configuration.
type Service struct {
	db           *gorm.DB
	embedder     Embedder
	vectors      VectorIndex
	queryCache   *embeddingCache
	chunkSize    int
	chunkOverlap int
}

// Option adjusts optional Service settings.
type Option func(*Service)

// WithChunkPolicy overrides the default chunk sizing for ingestion.
func WithChunkPolicy(size, overlap int) Option {
	return func(s *Service) {
		s.chunkSize = size
		s.chunkOverlap = overlap
	}
}

// WithQueryCache attaches a Redis client used to cache query embeddings.
func WithQueryCache(client *redis.Client) Option {
	return func(s *Service) {
		s.queryCache = newEmbeddingCache(client)
	}
}

// NewService wires a Service from explicit collaborators. Tests inject fakes
// through this constructor.
func NewService(db *gorm.DB, embedder Embedder, vectors VectorIndex, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if vectors == nil {
		return nil, errors.New("knowledge: vector index is required")
	}

	s := &Service{
		db:           db,
		embedder:     embedder,
		vectors:      vectors,
		chunkSize:    defaultChunkSize,
		chunkOverlap: defaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewServiceFromEnv builds the production Service: HTTP embedder, Qdrant
// index and, when Redis is reachable, a query-embedding cache. Chunk sizing
// honours KNOWLEDGE_CHUNK_SIZE / KNOWLEDGE_CHUNK_OVERLAP.
func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	vectors, err := NewQdrantIndexFromEnv()
	if err != nil {
		return nil, err
	}

	opts := make([]Option, 0, 2)
	if client, err := cache.GetRedisClient(); err == nil && client != nil {
		opts = append(opts, WithQueryCache(client))
	}

	size := envInt("KNOWLEDGE_CHUNK_SIZE", defaultChunkSize)
	overlap := envInt("KNOWLEDGE_CHUNK_OVERLAP", defaultChunkOverlap)
	if overlap < size {
		opts = append(opts, WithChunkPolicy(size, overlap))
	}

	return NewService(db, embedder, vectors, opts...)
}

// AutoMigrate creates or updates the backing tables.
func (s *Service) AutoMigrate() error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&KnowledgeBase{}, &Document{})
}

// collectionName derives the vector collection bound to a knowledge base.
// The mapping is deterministic so the binding never needs separate storage.
func collectionName(kbID string) string {
	return "kb_" + kbID
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if _, exists := seen[lower]; exists {
			continue
		}
		seen[lower] = struct{}{}
		result = append(result, trimmed)
	}
	sort.Strings(result)
	return result
}

func tagsToJSON(tags []string) datatypes.JSON {
	normalized := normalizeTags(tags)
	if len(normalized) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func parseTags(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return normalizeTags(tags)
}

func chunkIDsToJSON(ids []string) (datatypes.JSON, error) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("knowledge: encode chunk ids: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func parseChunkIDs(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
