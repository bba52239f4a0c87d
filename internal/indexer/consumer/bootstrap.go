package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/resilience"
)

// IndexEnsurer creates the target index when it is missing.
type IndexEnsurer interface {
	EnsureIndex(ctx context.Context) error
}

// Bootstrap makes sure the target index exists before the first poll. The
// index engine may come up after this process, so each attempt is bounded by
// attemptTimeout and failed attempts are retried per cfg.
func Bootstrap(ctx context.Context, index IndexEnsurer, cfg resilience.RetryConfig, attemptTimeout time.Duration) error {
	err := resilience.Retry(ctx, "ensure-index", cfg, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, attemptTimeout, "ensure-index", index.EnsureIndex)
	})
	if err != nil {
		return fmt.Errorf("bootstrapping index: %w", err)
	}
	return nil
}
