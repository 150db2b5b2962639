package handlers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
)

// Postback data understood by the fortune bot.
const postbackStartFortune = "start_fortune"

// NewFortuneHandler returns the event handler of the fortune-teller bot.
func NewFortuneHandler(deps HandlerDeps) EventHandlerFunc {
	return fortuneHandler{deps}.Handle
}

// fortuneHandler routes fortune bot events to the fortune-telling and
// consultation flows.
type fortuneHandler struct {
	deps HandlerDeps
}

func (h fortuneHandler) Handle(ctx context.Context, bot *line.Bot, ev line.Event) EventResult {
	t := newTurn(h.deps, "fortune", bot, ev)

	switch {
	case ev.Type == line.EventTypeFollow:
		return t.finish(ctx, actionFollow, h.handleFollow(ctx, t))
	case ev.Type == line.EventTypeUnfollow:
		t.logActivity(ctx, actionUnfollow, nil)
		return t.finish(ctx, actionUnfollow, nil)
	case ev.Type == line.EventTypePostback && ev.Postback != nil:
		return h.handlePostback(ctx, t)
	case ev.IsText():
		action, err := h.handleText(ctx, t, strings.TrimSpace(ev.Message.Text))
		return t.finish(ctx, action, err)
	default:
		t.log.DebugContext(ctx, "Ignoring event", "event_type", ev.Type)
		return EventResult{Type: ev.Type, UserID: t.userID, Action: actionIgnored}
	}
}

func (h fortuneHandler) handleFollow(ctx context.Context, t *turn) error {
	name := t.ensureUser(ctx)
	t.logActivity(ctx, actionFollow, nil)

	cfg := h.deps.Config
	return t.reply(ctx, line.Text(
		fmt.Sprintf(cfg.Messages.FortuneWelcome, name),
		line.Choice("🔮 "+cfg.Conversation.StartKeyword, cfg.Conversation.StartKeyword),
		line.Choice("💬 "+cfg.Conversation.ConsultationKeyword, cfg.Conversation.ConsultationKeyword),
	))
}

func (h fortuneHandler) handlePostback(ctx context.Context, t *turn) EventResult {
	values, err := url.ParseQuery(t.event.Postback.Data)
	if err != nil || values.Get("action") != postbackStartFortune {
		t.log.InfoContext(ctx, "Ignoring postback", "data", t.event.Postback.Data)
		return EventResult{Type: t.event.Type, UserID: t.userID, Action: actionIgnored}
	}
	t.ensureUser(ctx)
	return t.finish(ctx, actionFortuneStart, h.startFortune(ctx, t))
}

// handleText routes a text message. Change requests win over an active
// fortune session; anything that is not part of a fortune session goes to
// the consultation flow.
func (h fortuneHandler) handleText(ctx context.Context, t *turn, text string) (string, error) {
	t.ensureUser(ctx)
	t.logActivity(ctx, "message", messageMetadata(text))

	conv := h.deps.Config.Conversation
	switch {
	case text == conv.StartKeyword:
		return actionFortuneStart, h.startFortune(ctx, t)
	case IsBirthDateChange(text):
		return actionBirthDateChange, h.changeBirthDate(ctx, t, text)
	case IsBloodTypeChange(text):
		return actionBloodTypeChange, h.changeBloodType(ctx, t, text)
	}

	session, err := h.deps.Store.GetActiveSession(ctx, t.userID, database.SessionFortuneTelling)
	if err != nil {
		return actionFortuneStep, err
	}

	c := consultation{deps: h.deps}
	if text == conv.ConsultationKeyword {
		// Leaving a half-finished reading for a consultation abandons it.
		if session != nil {
			if err := h.deps.Store.CompleteSession(ctx, session.ID); err != nil {
				return actionConsultationStart, err
			}
		}
		return actionConsultationStart, c.start(ctx, t)
	}
	if session != nil {
		return actionFortuneStep, h.advanceFortune(ctx, t, session, text)
	}
	return actionConsultation, c.respond(ctx, t, text)
}

func (h fortuneHandler) changeBirthDate(ctx context.Context, t *turn, text string) error {
	msgs := h.deps.Config.Messages
	date, ok := ParseBirthDate(text)
	if !ok {
		return t.reply(ctx, line.Text(msgs.InvalidBirthDate))
	}
	if _, err := h.deps.Store.UpdateUserProfile(ctx, t.userID, database.ProfileUpdate{BirthDate: &date}); err != nil {
		return fmt.Errorf("failed to update birth date: %w", err)
	}
	t.logActivity(ctx, "birthdate_updated", database.JSONMap{"birth_date": date})
	return t.reply(ctx, line.Text(fmt.Sprintf(msgs.BirthDateUpdated, date)))
}

func (h fortuneHandler) changeBloodType(ctx context.Context, t *turn, text string) error {
	msgs := h.deps.Config.Messages
	bloodType, ok := ParseBloodType(text)
	if !ok {
		return t.reply(ctx, line.Text(msgs.InvalidBloodType, line.BloodTypeChoices...))
	}
	if _, err := h.deps.Store.UpdateUserProfile(ctx, t.userID, database.ProfileUpdate{BloodType: &bloodType}); err != nil {
		return fmt.Errorf("failed to update blood type: %w", err)
	}
	t.logActivity(ctx, "blood_type_updated", database.JSONMap{"blood_type": bloodType})
	return t.reply(ctx, line.Text(fmt.Sprintf(msgs.BloodTypeUpdated, bloodType)))
}
