package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/yupoline/yupoline/internal/bot/tasks"
	"github.com/yupoline/yupoline/internal/config"
)

// Scheduler manages scheduled tasks using the gocron library.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]tasks.ScheduledTaskFunc

	// ctx is handed to every job and cancelled on Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new scheduler instance using gocron.
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, taskMap map[string]tasks.ScheduledTaskFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "scheduler")

	// *slog.Logger satisfies gocron.Logger as is.
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		logger:    logger,
		cfg:       cfg,
		taskMap:   taskMap,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules and starts all enabled tasks based on the configuration.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if s.cfg == nil || len(s.cfg.Tasks) == 0 {
		s.logger.Warn("No scheduler tasks configured.")
		s.scheduler.Start()
		s.running = true
		return nil
	}

	scheduledCount := 0
	for taskName, taskConfig := range s.cfg.Tasks {
		if !taskConfig.Enabled {
			s.logger.Info("Skipping disabled task", "task_name", taskName)
			continue
		}

		taskFunc, exists := s.taskMap[taskName]
		if !exists {
			s.logger.Warn("Scheduled task configured but not found in registry, skipping", "task_name", taskName)
			continue
		}

		if taskConfig.Schedule == "" {
			s.logger.Warn("Scheduled task enabled but has empty schedule, skipping", "task_name", taskName)
			continue
		}

		_, err := s.scheduler.NewJob(
			gocron.CronJob(taskConfig.Schedule, true),
			gocron.NewTask(s.run, taskName, taskFunc),
			gocron.WithName(taskName),
			// A sweep that outlives its interval must not overlap the next one.
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.logger.Error("Failed to schedule task", "task_name", taskName, "schedule", taskConfig.Schedule, "error", err)
			continue
		}

		s.logger.Info("Scheduled task", "task_name", taskName, "schedule", taskConfig.Schedule)
		scheduledCount++
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler initialized and started", "tasks_scheduled", scheduledCount)

	return nil
}

func (s *Scheduler) run(name string, task tasks.ScheduledTaskFunc) {
	s.logger.Debug("Running scheduled task", "task_name", name)
	startTime := time.Now()
	if err := task(s.ctx); err != nil {
		s.logger.Error("Scheduled task failed", "task_name", name, "error", err)
	}
	s.logger.Debug("Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Info("Scheduler is not running, nothing to stop.")
		return nil
	}

	s.cancel()
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped gracefully.")
	}

	s.running = false
	return err
}
