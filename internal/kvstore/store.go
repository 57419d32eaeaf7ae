// Package kvstore is the durable side channel for task end times and info
// blobs. Entries carry a TTL so they disappear even if nobody deletes them.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Store is the interface used by the orchestrator.
type Store interface {
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and true, or "" and false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Sweeper removes expired entries and reports how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StartSweeper runs s.Sweep on the given cron schedule (e.g. "@every 5m").
// Stop the returned cron to end the sweeps.
func StartSweeper(s Sweeper, spec string, logger *zap.Logger) (*cron.Cron, error) {
	logger = logger.Named("kvstore")
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.Sweep(context.Background())
		if err != nil {
			logger.Error("sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Debug("expired entries removed", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
