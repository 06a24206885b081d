package cache

import (
	"context"
	"fmt"
	"time"
)

// SummaryKey identifies one summarize call. ModelID scopes the entry to the
// backend that answered it; Hash is sha256 of the normalized request body.
type SummaryKey struct {
	ModelID string
	Hash    string
}

// String converts the structured key into the final string used in Redis/map.
func (k SummaryKey) String() string {
	// summary:<MODEL_ID>:<HASH_HEX>
	return fmt.Sprintf("summary:%s:%s", k.ModelID, k.Hash)
}

// SummaryCache stores finished conversation summaries per model.
// Implemented by memory cache (dev) and Redis cache (prod).
type SummaryCache interface {
	Get(ctx context.Context, key SummaryKey) (string, bool, error)
	// Set stores summary until ttl elapses. A non-positive ttl drops the key.
	Set(ctx context.Context, key SummaryKey, summary string, ttl time.Duration) error
	// Forget drops every summary cached for modelID and reports how many
	// were removed.
	Forget(ctx context.Context, modelID string) (int, error)
}
