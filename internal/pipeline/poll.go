package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Poll calls check until it reports done, returns an error, or the policy's
// timeout elapses. The first check runs immediately. A timeout yields an
// error wrapping ErrStageTimeout; a cancelled ctx yields ctx.Err().
func Poll(ctx context.Context, policy PollPolicy, check func(ctx context.Context) (bool, error)) error {
	interval := policy.Interval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(policy.Timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if policy.Timeout > 0 && !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrStageTimeout, policy.Timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
