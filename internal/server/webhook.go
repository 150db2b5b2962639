package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yupoline/yupoline/internal/line"
)

// LINE bodies are small; anything larger is not a webhook.
const maxWebhookBody = 1 << 20

func (s *server) handleWebhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method Not Allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		s.internalError(c, "Failed to read webhook body", err)
		return
	}
	req, err := line.ParseWebhook(body)
	if err != nil {
		s.internalError(c, "Failed to parse webhook body", err)
		return
	}

	bot, ok := s.deps.Bots.ByDestination(req.Destination)
	if !ok {
		s.log.WarnContext(c.Request.Context(), "No bot for webhook destination", "destination", req.Destination)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown bot destination"})
		return
	}

	if s.deps.Config.LINE.VerifySignature &&
		!line.VerifySignature(bot.ChannelSecret, c.GetHeader(line.SignatureHeader), body) {
		s.log.WarnContext(c.Request.Context(), "Webhook signature mismatch", "bot_type", bot.Type)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	// Turns run to completion even if LINE drops the connection, so a
	// session is never left between two states.
	ctx := context.WithoutCancel(c.Request.Context())
	results := s.deps.Dispatcher.Dispatch(ctx, bot, req.Events)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"results":     results,
		"destination": req.Destination,
	})
}

func (s *server) internalError(c *gin.Context, msg string, err error) {
	s.log.ErrorContext(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal Server Error",
		"message": err.Error(),
	})
}
