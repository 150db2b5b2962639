package tasks

import (
	"context"
	"fmt"
)

// newBroadcastSweepTask delivers scheduled broadcasts that became due.
func newBroadcastSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "broadcast_sweep")

	return func(ctx context.Context) error {
		if timeout := deps.Config.Broadcast.SweepTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		results, err := deps.Broadcast.Sweep(ctx, deps.now())
		if err != nil {
			return fmt.Errorf("broadcast sweep failed: %w", err)
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
				log.WarnContext(ctx, "Scheduled broadcast failed", "broadcast_id", r.BroadcastID, "error", r.Error)
			}
		}
		if len(results) > 0 {
			log.InfoContext(ctx, "Broadcast sweep finished", "executed", len(results), "failed", failed)
		}
		return nil
	}
}
