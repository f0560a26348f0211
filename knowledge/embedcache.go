package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queryEmbeddingTTL          = 10 * time.Minute
	queryEmbeddingCacheTimeout = 300 * time.Millisecond
)

// embeddingCache keeps recent query embeddings in Redis so repeated searches
// skip the provider round-trip. Keys include the model id: vectors from
// different models never alias.
type embeddingCache struct {
	client *redis.Client
}

func newEmbeddingCache(client *redis.Client) *embeddingCache {
	if client == nil {
		return nil
	}
	return &embeddingCache{client: client}
}

func (c *embeddingCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), queryEmbeddingCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= queryEmbeddingCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, queryEmbeddingCacheTimeout)
}

func (c *embeddingCache) key(model, text string) string {
	digest := sha256.Sum256([]byte(text))
	return "knowledge:embed:" + model + ":" + hex.EncodeToString(digest[:])
}

func (c *embeddingCache) get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(model, text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("knowledge: query embedding cache read failed: %v", err)
		}
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, false
	}
	return vector, true
}

func (c *embeddingCache) store(ctx context.Context, model, text string, vector []float32) {
	if c == nil || c.client == nil {
		return
	}

	payload, err := json.Marshal(vector)
	if err != nil {
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(model, text), payload, queryEmbeddingTTL).Err(); err != nil {
		log.Printf("knowledge: query embedding cache write failed: %v", err)
	}
}
