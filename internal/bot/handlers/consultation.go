package handlers

import (
	"context"
	"fmt"

	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
)

// consultation is the free-form counselling flow of the fortune bot.
type consultation struct {
	deps HandlerDeps
}

// start opens a consultation session and replies with the fixed opening.
func (c consultation) start(ctx context.Context, t *turn) error {
	session := &database.ConversationSession{
		LineUserID:   t.userID,
		SessionType:  database.SessionConsultation,
		CurrentState: database.StateChatting,
	}
	if err := c.deps.Store.StartSession(ctx, session); err != nil {
		return err
	}
	t.logActivity(ctx, actionConsultationStart, nil)
	return t.reply(ctx, line.Text(c.deps.Config.Messages.ConsultationOpening))
}

// respond answers a message within the active consultation, opening one
// first when there is none.
func (c consultation) respond(ctx context.Context, t *turn, text string) error {
	store := c.deps.Store
	conv := c.deps.Config.Conversation

	session, err := store.GetActiveSession(ctx, t.userID, database.SessionConsultation)
	if err != nil {
		return err
	}
	if session == nil {
		return c.start(ctx, t)
	}

	profile, err := store.GetUserProfile(ctx, t.userID)
	if err != nil {
		return err
	}
	history, err := store.GetConversationHistory(ctx, t.userID, string(database.SessionConsultation), conv.ConsultationHistory)
	if err != nil {
		return err
	}

	result, err := c.deps.GeminiClient.RunConsultation(ctx, text, profile, history)
	if err != nil {
		return fmt.Errorf("consultation failed: %w", err)
	}

	if err := store.SaveConversation(ctx, &database.Conversation{
		LineUserID:       t.userID,
		ConversationType: string(database.SessionConsultation),
		UserMessage:      text,
		AssistantMessage: result.Text,
		MessageMetadata:  result.Metadata.AsMap(),
	}); err != nil {
		return err
	}
	if err := store.UpdateSession(ctx, session); err != nil {
		t.log.WarnContext(ctx, "Failed to touch consultation session", "session_id", session.ID, "error", err)
	}
	t.logActivity(ctx, actionConsultation, nil)

	count, err := store.CountConversations(ctx, t.userID, string(database.SessionConsultation))
	if err != nil {
		t.log.WarnContext(ctx, "Failed to count consultations", "error", err)
	} else if count > 0 && count%conv.AnalysisEvery == 0 {
		c.analyzeInBackground(ctx, t)
	}

	return t.reply(ctx, line.Text(result.Text))
}

// analyzeInBackground re-derives the user's traits from recent
// consultations without holding up the reply. Failures are only logged.
func (c consultation) analyzeInBackground(ctx context.Context, t *turn) {
	if c.deps.Background != nil {
		c.deps.Background.Add(1)
	}
	userID := t.userID
	log := t.log.With("task", "profile_analysis")
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		if c.deps.Background != nil {
			defer c.deps.Background.Done()
		}
		ctx, cancel := context.WithTimeout(bgCtx, c.deps.Config.Conversation.AnalysisTimeout)
		defer cancel()

		history, err := c.deps.Store.GetConversationHistory(ctx, userID,
			string(database.SessionConsultation), c.deps.Config.Conversation.ConsultationHistory)
		if err != nil {
			log.ErrorContext(ctx, "Failed to load history for analysis", "error", err)
			return
		}
		current, err := c.deps.Store.GetUserProfile(ctx, userID)
		if err != nil {
			log.ErrorContext(ctx, "Failed to load profile for analysis", "error", err)
			return
		}

		analysis := c.deps.GeminiClient.AnalyzeProfile(ctx, history, current)
		if analysis == nil {
			log.DebugContext(ctx, "Profile analysis produced no update")
			return
		}
		if _, err := c.deps.Store.UpdateUserProfile(ctx, userID, analysis.ProfileUpdate()); err != nil {
			log.ErrorContext(ctx, "Failed to merge profile analysis", "error", err)
			return
		}
		log.InfoContext(ctx, "Profile analysis merged")
	}()
}
