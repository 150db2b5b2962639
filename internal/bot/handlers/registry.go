package handlers

import (
	"context"

	"github.com/yupoline/yupoline/internal/line"
)

// EventHandlerFunc handles one webhook event for a bot. Failures are reported
// in the result; handlers never return errors to the transport.
type EventHandlerFunc func(ctx context.Context, bot *line.Bot, event line.Event) EventResult

// EventResult summarizes how an event was handled. It is echoed in the
// webhook response.
type EventResult struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Actions reported in EventResult.
const (
	actionIgnored           = "ignored"
	actionFollow            = "follow"
	actionUnfollow          = "unfollow"
	actionGreeting          = "greeting"
	actionFortuneStart      = "fortune_telling_start"
	actionFortuneStep       = "fortune_telling"
	actionBirthDateChange   = "birthdate_change"
	actionBloodTypeChange   = "blood_type_change"
	actionConsultationStart = "consultation_start"
	actionConsultation      = "consultation"
)

// RegisterAllHandlers returns the event handler of every bot type.
func RegisterAllHandlers(deps HandlerDeps) map[line.BotType]EventHandlerFunc {
	return map[line.BotType]EventHandlerFunc{
		line.BotFortune:  NewFortuneHandler(deps),
		line.BotBusiness: NewBusinessHandler(deps),
	}
}
