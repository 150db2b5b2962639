package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yupoline/yupoline/internal/broadcast"
	"github.com/yupoline/yupoline/internal/database"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// maxPage keeps the row offset far from overflow.
	maxPage = 1_000_000
)

// requireAPIKey rejects requests whose X-API-Key does not match the
// configured key. An unconfigured key rejects everything.
func (s *server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.deps.Config.Admin.APIKey
		got := c.GetHeader(APIKeyHeader)
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.log.WarnContext(c.Request.Context(), "Unauthorized admin request",
				"path", c.FullPath(), "key_configured", want != "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *server) handleCreateBroadcast(c *gin.Context) {
	var req broadcast.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "message": err.Error()})
		return
	}
	if req.BotType == "" || req.Title == "" || req.MessageText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}

	// Delivery to every user can outlast the admin's HTTP client.
	ctx := context.WithoutCancel(c.Request.Context())
	b, result, err := s.deps.Broadcast.Create(ctx, req)
	switch {
	case errors.Is(err, broadcast.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.ErrorContext(ctx, "Broadcast failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, gin.H{"message": "Broadcast scheduled successfully", "broadcast": b})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Broadcast sent successfully", "broadcast": b, "result": result})
}

func (s *server) handleListBroadcasts(c *gin.Context) {
	limit := min(queryInt(c, "limit", defaultPageSize), maxPageSize)
	list, err := s.deps.Store.ListBroadcasts(c.Request.Context(), limit)
	if err != nil {
		s.log.ErrorContext(c.Request.Context(), "Failed to list broadcasts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"broadcasts": list})
}

// userView is one row of the admin user list.
type userView struct {
	database.User
	Profile        *database.UserProfile `json:"profile"`
	LastActivityAt *time.Time            `json:"last_activity_at"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func (s *server) handleListUsers(c *gin.Context) {
	ctx := c.Request.Context()
	page := min(queryInt(c, "page", 1), maxPage)
	limit := min(queryInt(c, "limit", defaultPageSize), maxPageSize)
	botType := c.Query("botType")

	users, total, err := s.deps.Store.ListUsers(ctx, database.UserQuery{
		Search: c.Query("search"),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to list users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.LineUserID)
	}
	profiles, err := s.deps.Store.GetUserProfiles(ctx, ids)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to load user profiles", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lastActivity, err := s.deps.Store.GetLastActivity(ctx, ids)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to load last activity", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		v := userView{User: u, Profile: profiles[u.LineUserID]}
		if at, ok := lastActivity[u.LineUserID]; ok {
			v.LastActivityAt = &at
		}
		views = append(views, v)
	}

	resp := gin.H{
		"users": views,
		"pagination": pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	}
	if botType != "" {
		resp["botType"] = botType
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleScheduledBroadcast(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	if timeout := s.deps.Config.Broadcast.SweepTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results, err := s.deps.Broadcast.Sweep(ctx, s.now())
	if err != nil {
		s.log.ErrorContext(ctx, "Scheduled broadcast sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(results) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No scheduled broadcasts", "results": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scheduled broadcasts executed", "results": results})
}

// queryInt reads a positive integer query parameter.
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
