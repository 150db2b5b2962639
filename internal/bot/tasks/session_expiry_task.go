package tasks

import (
	"context"
	"fmt"
)

// newSessionExpiryTask completes sessions idle for longer than the
// configured TTL.
func newSessionExpiryTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "session_expiry")

	return func(ctx context.Context) error {
		cutoff := deps.now().Add(-deps.Config.Conversation.SessionTTL)
		expired, err := deps.Store.CompleteIdleSessions(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("session expiry failed: %w", err)
		}
		if expired > 0 {
			log.InfoContext(ctx, "Expired idle sessions", "count", expired, "cutoff", cutoff)
		} else {
			log.DebugContext(ctx, "No idle sessions to expire")
		}
		return nil
	}
}
