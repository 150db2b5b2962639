// Package server exposes the LINE webhook and the admin API over gin.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yupoline/yupoline/internal/bot/handlers"
	"github.com/yupoline/yupoline/internal/broadcast"
	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
	"github.com/yupoline/yupoline/internal/logger"
)

// APIKeyHeader authenticates admin requests.
const APIKeyHeader = "X-API-Key"

// EventDispatcher handles the events of one webhook delivery.
type EventDispatcher interface {
	Dispatch(ctx context.Context, bot *line.Bot, events []line.Event) []handlers.EventResult
}

// BotRouter resolves a webhook destination to a bot.
type BotRouter interface {
	ByDestination(destination string) (*line.Bot, bool)
}

// BroadcastService creates broadcasts and runs due ones.
type BroadcastService interface {
	Create(ctx context.Context, req broadcast.CreateRequest) (*database.BroadcastMessage, *broadcast.Result, error)
	Sweep(ctx context.Context, now time.Time) ([]broadcast.SweepResult, error)
}

// Deps provides the collaborators of the HTTP handlers.
type Deps struct {
	Logger     *slog.Logger
	Config     *config.Config
	Store      database.Store
	Bots       BotRouter
	Dispatcher EventDispatcher
	Broadcast  BroadcastService
}

type server struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	s := &server{
		deps: deps,
		log:  deps.Logger.With("component", "http"),
		now:  func() time.Time { return time.Now().UTC() },
	}
	return s.routes()
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(s.log), cors())

	r.GET("/healthz", s.handleHealth)

	r.Any("/webhook", s.handleWebhook)
	r.GET("/api/scheduled-broadcast", s.handleScheduledBroadcast)
	r.POST("/api/scheduled-broadcast", s.handleScheduledBroadcast)

	admin := r.Group("/api/admin", s.requireAPIKey())
	admin.POST("/broadcast", s.handleCreateBroadcast)
	admin.GET("/broadcasts", s.handleListBroadcasts)
	admin.GET("/users", s.handleListUsers)

	s.netlifyRoutes(r.Group(netlifyPrefix))
	return r
}

// netlifyPrefix is where the LINE console and the admin console of the
// Netlify deployment send their requests.
const netlifyPrefix = "/.netlify/functions"

// netlifyRoutes keeps the Netlify function paths working against the same
// handlers.
func (s *server) netlifyRoutes(g *gin.RouterGroup) {
	g.Any("/line-webhook", s.handleWebhook)
	g.GET("/scheduled-broadcast", s.handleScheduledBroadcast)
	g.POST("/scheduled-broadcast", s.handleScheduledBroadcast)

	admin := g.Group("/admin", s.requireAPIKey())
	admin.POST("/broadcast-message", s.handleCreateBroadcast)
	admin.GET("/get-users", s.handleListUsers)
}

// cors answers preflight requests and marks every response as callable
// from the admin console.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+APIKeyHeader+", "+line.SignatureHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		s.log.ErrorContext(c.Request.Context(), "Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
