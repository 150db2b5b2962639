package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
)

// Session data keys of the fortune-telling flow.
const (
	keyBirthDate = "birth_date"
	keyBloodType = "blood_type"
	keyCategory  = "category"
)

// startFortune supersedes any active fortune session and opens a new one at
// the first step the stored profile does not answer yet.
func (h fortuneHandler) startFortune(ctx context.Context, t *turn) error {
	profile, err := h.deps.Store.GetUserProfile(ctx, t.userID)
	if err != nil {
		return err
	}

	session := &database.ConversationSession{
		LineUserID:  t.userID,
		SessionType: database.SessionFortuneTelling,
		SessionData: database.JSONMap{},
	}
	var prompt line.Message
	msgs := h.deps.Config.Messages
	switch {
	case profile.HasBirthDate() && profile.HasBloodType():
		session.CurrentState = database.StateAskCategory
		session.SessionData[keyBirthDate] = *profile.BirthDate
		session.SessionData[keyBloodType] = *profile.BloodType
		prompt = line.Text(msgs.AskCategory, line.CategoryChoices...)
	case profile.HasBirthDate():
		session.CurrentState = database.StateAskBloodType
		session.SessionData[keyBirthDate] = *profile.BirthDate
		prompt = line.Text(msgs.AskBloodType, line.BloodTypeChoices...)
	default:
		session.CurrentState = database.StateAskBirthdate
		prompt = line.Text(msgs.AskBirthDate)
	}

	if err := h.deps.Store.StartSession(ctx, session); err != nil {
		return err
	}
	t.logActivity(ctx, actionFortuneStart, database.JSONMap{"entry_state": string(session.CurrentState)})
	t.log.InfoContext(ctx, "Fortune telling started", "session_id", session.ID, "state", session.CurrentState)
	return t.reply(ctx, prompt)
}

// advanceFortune feeds one message into an active fortune session.
func (h fortuneHandler) advanceFortune(ctx context.Context, t *turn, session *database.ConversationSession, text string) error {
	if session.SessionData == nil {
		session.SessionData = database.JSONMap{}
	}

	switch session.CurrentState {
	case database.StateAskBirthdate:
		return h.onBirthDate(ctx, t, session, text)
	case database.StateAskBloodType:
		return h.onBloodType(ctx, t, session, text)
	case database.StateAskCategory, database.StateProcessing:
		// A message seen while processing means the previous attempt died
		// mid-reading; treat it as a fresh category answer.
		return h.onCategory(ctx, t, session, text)
	default:
		t.log.WarnContext(ctx, "Unknown session state, restarting flow",
			"session_id", session.ID, "state", session.CurrentState)
		session.CurrentState = database.StateAskBirthdate
		session.SessionData = database.JSONMap{}
		if err := h.deps.Store.UpdateSession(ctx, session); err != nil {
			return err
		}
		return t.reply(ctx, line.Text(h.deps.Config.Messages.AskBirthDate))
	}
}

func (h fortuneHandler) onBirthDate(ctx context.Context, t *turn, session *database.ConversationSession, text string) error {
	msgs := h.deps.Config.Messages
	date, ok := ParseBirthDate(text)
	if !ok {
		return t.reply(ctx, line.Text(msgs.InvalidBirthDate))
	}

	profile, err := h.deps.Store.UpdateUserProfile(ctx, t.userID, database.ProfileUpdate{BirthDate: &date})
	if err != nil {
		return err
	}
	t.logActivity(ctx, "birthdate_updated", database.JSONMap{"birth_date": date})

	session.SessionData[keyBirthDate] = date
	prompt := line.Text(msgs.AskBloodType, line.BloodTypeChoices...)
	session.CurrentState = database.StateAskBloodType
	if profile.HasBloodType() {
		session.SessionData[keyBloodType] = *profile.BloodType
		session.CurrentState = database.StateAskCategory
		prompt = line.Text(msgs.AskCategory, line.CategoryChoices...)
	}
	if err := h.deps.Store.UpdateSession(ctx, session); err != nil {
		return err
	}
	return t.reply(ctx, prompt)
}

func (h fortuneHandler) onBloodType(ctx context.Context, t *turn, session *database.ConversationSession, text string) error {
	msgs := h.deps.Config.Messages
	bloodType, ok := ParseBloodType(text)
	if !ok {
		return t.reply(ctx, line.Text(msgs.InvalidBloodType, line.BloodTypeChoices...))
	}

	if _, err := h.deps.Store.UpdateUserProfile(ctx, t.userID, database.ProfileUpdate{BloodType: &bloodType}); err != nil {
		return err
	}
	t.logActivity(ctx, "blood_type_updated", database.JSONMap{"blood_type": bloodType})

	session.SessionData[keyBloodType] = bloodType
	session.CurrentState = database.StateAskCategory
	if err := h.deps.Store.UpdateSession(ctx, session); err != nil {
		return err
	}
	return t.reply(ctx, line.Text(msgs.AskCategory, line.CategoryChoices...))
}

func (h fortuneHandler) onCategory(ctx context.Context, t *turn, session *database.ConversationSession, text string) error {
	category, ok := ParseCategory(text)
	if !ok {
		return t.reply(ctx, line.Text(h.deps.Config.Messages.InvalidCategory, line.CategoryChoices...))
	}

	session.SessionData[keyCategory] = category
	session.CurrentState = database.StateProcessing
	if err := h.deps.Store.UpdateSession(ctx, session); err != nil {
		return err
	}

	profile, err := h.deps.Store.GetUserProfile(ctx, t.userID)
	if err != nil {
		return err
	}
	history, err := h.deps.Store.GetConversationHistory(ctx, t.userID,
		string(database.SessionFortuneTelling), h.deps.Config.Conversation.FortuneHistory)
	if err != nil {
		return err
	}

	birthDate := session.SessionData.String(keyBirthDate)
	if birthDate == "" && profile.HasBirthDate() {
		birthDate = *profile.BirthDate
	}
	bloodType := session.SessionData.String(keyBloodType)
	if bloodType == "" && profile.HasBloodType() {
		bloodType = *profile.BloodType
	}
	request := fortuneRequest(birthDate, bloodType, category)

	result, err := h.deps.GeminiClient.RunFortuneTelling(ctx, request, profile, history)
	if err != nil {
		// Back to ask_category so the user can simply retry.
		session.CurrentState = database.StateAskCategory
		if uerr := h.deps.Store.UpdateSession(ctx, session); uerr != nil {
			t.log.ErrorContext(ctx, "Failed to reset session after engine error", "session_id", session.ID, "error", uerr)
		}
		return fmt.Errorf("fortune telling failed: %w", err)
	}

	metadata := result.Metadata.AsMap()
	metadata[keyCategory] = category
	if err := h.deps.Store.SaveConversation(ctx, &database.Conversation{
		LineUserID:       t.userID,
		ConversationType: string(database.SessionFortuneTelling),
		UserMessage:      request,
		AssistantMessage: result.Text,
		MessageMetadata:  metadata,
	}); err != nil {
		return err
	}
	if err := h.deps.Store.CompleteSession(ctx, session.ID); err != nil {
		return err
	}

	t.log.InfoContext(ctx, "Fortune telling completed", "session_id", session.ID, "category", category)
	return t.reply(ctx, line.Text(result.Text))
}

// fortuneRequest assembles the request text sent to the engine.
func fortuneRequest(birthDate, bloodType, category string) string {
	var sb strings.Builder
	if birthDate != "" {
		fmt.Fprintf(&sb, "生年月日: %s\n", birthDate)
	}
	if bloodType != "" {
		fmt.Fprintf(&sb, "血液型: %s型\n", bloodType)
	}
	fmt.Fprintf(&sb, "占いたいテーマ: %s\n\n", category)
	sb.WriteString("上記の情報をもとに鑑定してください。")
	return sb.String()
}
