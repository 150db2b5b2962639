package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/yupoline/yupoline/internal/line"
)

// NewBusinessHandler returns the event handler of the business consultant
// bot. Step mails are not available yet; the bot only greets.
func NewBusinessHandler(deps HandlerDeps) EventHandlerFunc {
	return businessHandler{deps}.Handle
}

type businessHandler struct {
	deps HandlerDeps
}

func (h businessHandler) Handle(ctx context.Context, bot *line.Bot, ev line.Event) EventResult {
	t := newTurn(h.deps, "business", bot, ev)
	msgs := h.deps.Config.Messages

	switch {
	case ev.Type == line.EventTypeFollow:
		name := t.ensureUser(ctx)
		t.logActivity(ctx, actionFollow, nil)
		err := t.reply(ctx, line.Text(fmt.Sprintf(msgs.BusinessWelcome, name),
			line.Choice("📧 ステップメール開始", "ステップメール開始")))
		return t.finish(ctx, actionFollow, err)
	case ev.Type == line.EventTypePostback:
		t.ensureUser(ctx)
		return EventResult{Type: ev.Type, UserID: t.userID, Action: actionIgnored}
	case ev.IsText():
		name := t.ensureUser(ctx)
		t.logActivity(ctx, "message", messageMetadata(strings.TrimSpace(ev.Message.Text)))
		err := t.reply(ctx, line.Text(fmt.Sprintf(msgs.BusinessGreeting, name)))
		return t.finish(ctx, actionGreeting, err)
	default:
		return EventResult{Type: ev.Type, UserID: t.userID, Action: actionIgnored}
	}
}
