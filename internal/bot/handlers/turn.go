package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
	"github.com/yupoline/yupoline/internal/logger"
)

// fallbackDisplayName is used when the LINE profile cannot be fetched.
const fallbackDisplayName = "お客"

// maxLoggedText bounds message text copied into activity metadata.
const maxLoggedText = 500

// turn carries what every step of a conversation needs about the event
// being handled.
type turn struct {
	deps   HandlerDeps
	bot    *line.Bot
	event  line.Event
	userID string
	log    *slog.Logger
}

func newTurn(deps HandlerDeps, handler string, bot *line.Bot, ev line.Event) *turn {
	return &turn{
		deps:   deps,
		bot:    bot,
		event:  ev,
		userID: ev.Source.UserID,
		log:    deps.Logger.With("handler", handler, "bot_type", bot.Type, "line_user_id", ev.Source.UserID),
	}
}

func (t *turn) reply(ctx context.Context, messages ...line.Message) error {
	if t.event.ReplyToken == "" {
		return errors.New("event has no reply token")
	}
	return t.bot.Messenger.Reply(ctx, t.event.ReplyToken, messages...)
}

// apologize sends the configured apology after a failed turn.
func (t *turn) apologize(ctx context.Context) {
	if t.event.ReplyToken == "" {
		return
	}
	if err := t.reply(ctx, line.Text(t.deps.Config.Messages.GeneralError)); err != nil {
		t.log.ErrorContext(ctx, "Failed to send apology", "error", err)
	}
}

// ensureUser refreshes the stored user from the LINE profile and returns the
// display name. Failures are logged; the conversation goes on without them.
func (t *turn) ensureUser(ctx context.Context) string {
	profile, err := t.bot.Messenger.GetProfile(ctx, t.userID)
	if err != nil {
		t.log.WarnContext(ctx, "Failed to fetch LINE profile", "error", err)
		return fallbackDisplayName
	}

	user := &database.User{
		LineUserID:    t.userID,
		DisplayName:   profile.DisplayName,
		PictureURL:    profile.PictureURL,
		StatusMessage: profile.StatusMessage,
	}
	if err := t.deps.Store.UpsertUser(ctx, user); err != nil {
		t.log.ErrorContext(ctx, "Failed to upsert user", "error", err)
	}

	if profile.DisplayName == "" {
		return fallbackDisplayName
	}
	return profile.DisplayName
}

// logActivity appends an activity entry. Activity logging never fails a turn.
func (t *turn) logActivity(ctx context.Context, action string, metadata database.JSONMap) {
	if metadata == nil {
		metadata = database.JSONMap{}
	}
	metadata["bot_type"] = string(t.bot.Type)
	if err := t.deps.Store.SaveActivityLog(ctx, t.userID, action, metadata); err != nil {
		t.log.ErrorContext(ctx, "Failed to save activity log", "action", action, "error", err)
	}
}

// finish turns the outcome of a handler into an EventResult, apologizing to
// the user when the turn failed.
func (t *turn) finish(ctx context.Context, action string, err error) EventResult {
	result := EventResult{Type: t.event.Type, UserID: t.userID, Action: action}
	if err != nil {
		t.log.ErrorContext(ctx, "Event handling failed", "action", action, "error", err)
		t.apologize(ctx)
		result.Error = err.Error()
		return result
	}
	t.log.DebugContext(ctx, "Event handled", "action", action)
	return result
}

func messageMetadata(text string) database.JSONMap {
	return database.JSONMap{"message": logger.Truncate(text, maxLoggedText)}
}
