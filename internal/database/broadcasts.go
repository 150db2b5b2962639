package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const broadcastColumns = `id, bot_type, title, message_text, message_type, target_type, target_users, status,
	scheduled_at, sent_at, completed_at, total_target_count, sent_count, failed_count, error_message,
	created_by, created_at, updated_at`

// CreateBroadcast inserts a new broadcast message and fills in its id and timestamps.
func (s *sqlxStore) CreateBroadcast(ctx context.Context, b *BroadcastMessage) error {
	if b == nil {
		return fmt.Errorf("cannot create nil broadcast")
	}
	now := s.now()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.MessageType == "" {
		b.MessageType = "text"
	}
	if b.CreatedBy == "" {
		b.CreatedBy = "admin"
	}
	if b.TargetUsers == nil {
		b.TargetUsers = StringList{}
	}
	if b.ScheduledAt != nil {
		utc := b.ScheduledAt.UTC()
		b.ScheduledAt = &utc
	}

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO broadcast_messages (
			bot_type, title, message_text, message_type, target_type, target_users, status,
			scheduled_at, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), b.BotType, b.Title, b.MessageText, b.MessageType, b.TargetType, b.TargetUsers, b.Status,
		b.ScheduledAt, b.CreatedBy, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating broadcast", "title", b.Title, "error", err)
		return fmt.Errorf("failed to create broadcast: %w", err)
	}

	s.logger.InfoContext(ctx, "Broadcast created", "broadcast_id", b.ID, "status", b.Status, "bot_type", b.BotType)
	return nil
}

// GetBroadcast loads a broadcast message. Returns ErrNotFound if missing.
func (s *sqlxStore) GetBroadcast(ctx context.Context, id int64) (*BroadcastMessage, error) {
	var b BroadcastMessage
	err := s.db.GetContext(ctx, &b,
		s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcast_messages WHERE id = ?`), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("broadcast %d: %w", id, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting broadcast", "broadcast_id", id, "error", err)
		return nil, fmt.Errorf("failed to get broadcast %d: %w", id, err)
	}
	return &b, nil
}

// ClaimBroadcast moves a draft or scheduled broadcast to sending. Only one
// caller can win the claim, which keeps a broadcast from being sent twice.
func (s *sqlxStore) ClaimBroadcast(ctx context.Context, id int64, totalTargets int, sentAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_messages SET status = ?, sent_at = ?, total_target_count = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`), BroadcastSending, sentAt.UTC(), totalTargets, s.now(), id, BroadcastDraft, BroadcastScheduled)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error claiming broadcast", "broadcast_id", id, "error", err)
		return false, fmt.Errorf("failed to claim broadcast %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for broadcast %d: %w", id, err)
	}
	return affected == 1, nil
}

// CompleteBroadcast records the final counts of a sending broadcast.
func (s *sqlxStore) CompleteBroadcast(ctx context.Context, id int64, sent, failed int, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_messages SET status = ?, sent_count = ?, failed_count = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`), BroadcastCompleted, sent, failed, completedAt.UTC(), s.now(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error completing broadcast", "broadcast_id", id, "error", err)
		return fmt.Errorf("failed to complete broadcast %d: %w", id, err)
	}
	return nil
}

// FailBroadcast marks a broadcast failed with the given reason. Completed
// broadcasts are left alone.
func (s *sqlxStore) FailBroadcast(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_messages SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status <> ?
	`), BroadcastFailed, reason, at.UTC(), at.UTC(), id, BroadcastCompleted)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking broadcast failed", "broadcast_id", id, "error", err)
		return fmt.Errorf("failed to mark broadcast %d failed: %w", id, err)
	}
	return nil
}

// ListDueBroadcasts returns scheduled broadcasts due at 'now', earliest first.
func (s *sqlxStore) ListDueBroadcasts(ctx context.Context, now time.Time) ([]BroadcastMessage, error) {
	due := []BroadcastMessage{}
	err := s.db.SelectContext(ctx, &due, s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcast_messages
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`), BroadcastScheduled, now.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing due broadcasts", "error", err)
		return nil, fmt.Errorf("failed to list due broadcasts: %w", err)
	}
	return due, nil
}

// ListBroadcasts returns the most recent broadcasts, newest first.
func (s *sqlxStore) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	list := []BroadcastMessage{}
	err := s.db.SelectContext(ctx, &list, s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcast_messages
		ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing broadcasts", "error", err)
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	return list, nil
}

// SaveBroadcastLog appends one per-recipient delivery record.
func (s *sqlxStore) SaveBroadcastLog(ctx context.Context, entry *BroadcastLog) error {
	if entry == nil {
		return fmt.Errorf("cannot save nil broadcast log")
	}
	entry.CreatedAt = s.now()
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO broadcast_logs (broadcast_message_id, line_user_id, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), entry.BroadcastMessageID, entry.LineUserID, entry.Status, entry.ErrorMessage, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving broadcast log", "broadcast_id", entry.BroadcastMessageID,
			"line_user_id", entry.LineUserID, "error", err)
		return fmt.Errorf("failed to save broadcast log: %w", err)
	}
	return nil
}

// ListBroadcastLogs returns the delivery records of a broadcast in insertion order.
func (s *sqlxStore) ListBroadcastLogs(ctx context.Context, broadcastID int64) ([]BroadcastLog, error) {
	logs := []BroadcastLog{}
	err := s.db.SelectContext(ctx, &logs, s.db.Rebind(`
		SELECT id, broadcast_message_id, line_user_id, status, error_message, created_at
		FROM broadcast_logs WHERE broadcast_message_id = ? ORDER BY id ASC
	`), broadcastID)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast logs for %d: %w", broadcastID, err)
	}
	return logs, nil
}
