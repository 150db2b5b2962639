// Package handlers turns LINE webhook events into bot conversations: the
// fortune-telling flow, consultations and the business bot greeting.
package handlers

import (
	"log/slog"
	"sync"

	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/gemini"
)

// HandlerDeps provides dependencies for the event handlers.
type HandlerDeps struct {
	Logger       *slog.Logger
	Config       *config.Config
	Store        database.Store
	GeminiClient gemini.Client

	// Background tracks work that outlives a webhook request, such as
	// profile analysis. Shutdown waits on it.
	Background *sync.WaitGroup
}
