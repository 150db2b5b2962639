package database

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
)

// SaveConversation appends a conversation log entry.
func (s *sqlxStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return fmt.Errorf("cannot save nil conversation")
	}
	if conv.LineUserID == "" {
		return fmt.Errorf("conversation must have a line_user_id")
	}
	if conv.MessageMetadata == nil {
		conv.MessageMetadata = JSONMap{}
	}
	conv.CreatedAt = s.now()

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (line_user_id, conversation_type, user_message, assistant_message, message_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), conv.LineUserID, conv.ConversationType, conv.UserMessage, conv.AssistantMessage,
		conv.MessageMetadata, conv.CreatedAt).Scan(&conv.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving conversation", "line_user_id", conv.LineUserID, "error", err)
		return fmt.Errorf("failed to save conversation for %s: %w", conv.LineUserID, err)
	}

	s.logger.DebugContext(ctx, "Conversation saved", "line_user_id", conv.LineUserID,
		"conversation_type", conv.ConversationType, "id", conv.ID)
	return nil
}

// GetConversationHistory reads the newest 'limit' entries and returns them
// oldest first, ready to be used as a context window.
func (s *sqlxStore) GetConversationHistory(ctx context.Context, lineUserID, conversationType string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, line_user_id, conversation_type, user_message, assistant_message, message_metadata, created_at
		FROM conversations WHERE line_user_id = ?`
	args := []any{lineUserID}
	if conversationType != "" {
		query += ` AND conversation_type = ?`
		args = append(args, conversationType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	history := []Conversation{}
	if err := s.db.SelectContext(ctx, &history, s.db.Rebind(query), args...); err != nil {
		if isCtxErr(err) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error getting conversation history", "line_user_id", lineUserID, "error", err)
		return nil, fmt.Errorf("failed to get conversation history for %s: %w", lineUserID, err)
	}

	slices.Reverse(history)
	return history, nil
}

// CountConversations counts logged exchanges of a flow for a user.
func (s *sqlxStore) CountConversations(ctx context.Context, lineUserID, conversationType string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM conversations WHERE line_user_id = ? AND conversation_type = ?`),
		lineUserID, conversationType)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations for %s: %w", lineUserID, err)
	}
	return count, nil
}

// SaveActivityLog appends an activity event.
func (s *sqlxStore) SaveActivityLog(ctx context.Context, lineUserID, action string, metadata JSONMap) error {
	if metadata == nil {
		metadata = JSONMap{}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO activity_logs (line_user_id, action, metadata, created_at) VALUES (?, ?, ?, ?)
	`), lineUserID, action, metadata, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving activity log", "line_user_id", lineUserID, "action", action, "error", err)
		return fmt.Errorf("failed to save activity log for %s: %w", lineUserID, err)
	}
	return nil
}

// GetLastActivity returns the latest activity timestamp per user. Users
// without activity are absent from the map.
func (s *sqlxStore) GetLastActivity(ctx context.Context, lineUserIDs []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(lineUserIDs))
	if len(lineUserIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT line_user_id, created_at FROM activity_logs
		WHERE id IN (SELECT MAX(id) FROM activity_logs WHERE line_user_id IN (?) GROUP BY line_user_id)
	`, lineUserIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build last activity query: %w", err)
	}

	var rows []ActivityLog
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error getting last activity", "count", len(lineUserIDs), "error", err)
		return nil, fmt.Errorf("failed to get last activity: %w", err)
	}
	for _, r := range rows {
		result[r.LineUserID] = r.CreatedAt
	}
	return result, nil
}
