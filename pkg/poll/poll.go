// Package poll provides the bounded cooperative wait used when one stage
// depends on an artifact produced by another (email waiting for a PDF).
package poll

import (
	"context"
	"time"

	"github.com/hvilchis/facturaq/pkg/jobs"
)

// Until re-invokes check every interval until it reports ready, the budget
// is exhausted, or the context is cancelled. An exhausted budget is a
// dependency-not-ready failure, distinct from a transient infrastructure
// fault, so operators can tell a slow sibling stage from an outage.
func Until(ctx context.Context, budget, interval time.Duration, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ready, err := check(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return jobs.NotReadyf("dependency not ready after %s", budget)
		}
		select {
		case <-ctx.Done():
			return jobs.Transient(ctx.Err())
		case <-ticker.C:
		}
	}
}
