// Package main contains the entrypoint for the LINE bot service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yupoline/yupoline/internal/bot"
	"github.com/yupoline/yupoline/internal/bot/handlers"
	"github.com/yupoline/yupoline/internal/bot/tasks"
	"github.com/yupoline/yupoline/internal/broadcast"
	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/gemini"
	"github.com/yupoline/yupoline/internal/line"
	"github.com/yupoline/yupoline/internal/logger"
	"github.com/yupoline/yupoline/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger,
// db, Gemini client, LINE bots, HTTP server, scheduler), handles graceful
// shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDB(database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Error("Failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	registry, err := line.NewRegistry(cfg.LINE, log)
	if err != nil {
		log.Error("Failed to initialize LINE bots", "error", err)
		return 1
	}

	broadcasts := broadcast.NewService(store, registry, broadcast.Options{
		SendInterval: cfg.Broadcast.SendInterval,
	}, log)

	background := &sync.WaitGroup{}
	hDeps := handlers.HandlerDeps{
		Logger:       log,
		Config:       cfg,
		Store:        store,
		GeminiClient: gemClient,
		Background:   background,
	}
	dispatcher := handlers.NewDispatcher(hDeps, handlers.RegisterAllHandlers(hDeps))

	router := server.NewRouter(server.Deps{
		Logger:     log,
		Config:     cfg,
		Store:      store,
		Bots:       registry,
		Dispatcher: dispatcher,
		Broadcast:  broadcasts,
	})

	tDeps := tasks.TaskDeps{
		Logger:    log,
		Store:     store,
		Broadcast: broadcasts,
		Config:    cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, cfg, router, sched, background)

	log.Info("Starting bot...", "bots", registry.Types())
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		// Allow logs to flush before exiting on error
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	return 0
}
