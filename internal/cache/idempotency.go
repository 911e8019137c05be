package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedCache is a Redis fast path in front of the processed-generations
// ledger. A hit avoids the database round trip on the ingestion hot path; a
// miss is never authoritative, the ledger decides. Entries expire on their
// own since the ledger covers the long tail.
type ProcessedCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProcessedCache(client *redis.Client, ttl time.Duration) *ProcessedCache {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &ProcessedCache{client: client, ttl: ttl}
}

// Seen reports whether the generation was recently marked processed. Redis
// errors read as a miss.
func (c *ProcessedCache) Seen(ctx context.Context, clientOrgID, generationID string) bool {
	if c == nil || c.client == nil || clientOrgID == "" || generationID == "" {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(clientOrgID, generationID)).Result()
	return err == nil && n > 0
}

// MarkSeen records the generation id; failures are ignored, the ledger row is
// the source of truth.
func (c *ProcessedCache) MarkSeen(ctx context.Context, clientOrgID, generationID string) {
	if c == nil || c.client == nil || clientOrgID == "" || generationID == "" {
		return
	}
	c.client.Set(ctx, c.key(clientOrgID, generationID), 1, c.ttl)
}

func (c *ProcessedCache) key(clientOrgID, generationID string) string {
	return "gen:" + clientOrgID + ":" + generationID
}
