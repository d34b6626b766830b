package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBudgetCounter is a distributed BudgetCounter backed by a Redis
// INCRBY, for deployments that share one budget across multiple processes.
// The core itself stays single-process; this is an optional counter swap-in
// behind the same interface InProcessBudgetCounter satisfies.
type RedisBudgetCounter struct {
	Client *redis.Client
	// KeyPrefix namespaces the budget keys, defaulting to "fractal:budget:".
	KeyPrefix string
}

func (r RedisBudgetCounter) Add(ctx context.Context, sessionID string, delta int64) (int64, error) {
	prefix := r.KeyPrefix
	if prefix == "" {
		prefix = "fractal:budget:"
	}
	return r.Client.IncrBy(ctx, prefix+sessionID, delta).Result()
}
