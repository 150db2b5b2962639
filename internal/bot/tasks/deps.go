// Package tasks implements the scheduled maintenance and delivery jobs.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/yupoline/yupoline/internal/broadcast"
	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
)

// BroadcastSweeper executes due scheduled broadcasts.
type BroadcastSweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]broadcast.SweepResult, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger    *slog.Logger
	Store     database.Store
	Broadcast BroadcastSweeper
	Config    *config.Config

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d TaskDeps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
