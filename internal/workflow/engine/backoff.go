package engine

import (
	"context"
	"time"
)

// retryDelay computes the jittered exponential delay before retry attempt n
// (n starts at 1 for the first retry).
func retryDelay(n int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	// 20% jitter.
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	if d > max {
		d = max
	}
	return d
}

// sleep waits for d, returning early with ctx.Err() on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
