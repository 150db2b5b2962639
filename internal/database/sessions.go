package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const sessionColumns = `id, line_user_id, session_type, current_state, status, session_data,
	started_at, last_activity_at, completed_at`

// GetActiveSession returns the active session of the given type. Returns nil, nil if none.
func (s *sqlxStore) GetActiveSession(ctx context.Context, lineUserID string, sessionType SessionType) (*ConversationSession, error) {
	var session ConversationSession
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM conversation_sessions
		WHERE line_user_id = ? AND session_type = ? AND status = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`)

	err := s.db.GetContext(ctx, &session, query, lineUserID, sessionType, SessionActive)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case isCtxErr(err):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching session",
			"line_user_id", lineUserID, "session_type", sessionType, "error", err)
		return nil, err
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting active session",
			"line_user_id", lineUserID, "session_type", sessionType, "error", err)
		return nil, fmt.Errorf("failed to get active %s session for %s: %w", sessionType, lineUserID, err)
	}
	return &session, nil
}

// StartSession completes any active session of the same type and inserts the
// new one in the same transaction, so at most one stays active per user and type.
func (s *sqlxStore) StartSession(ctx context.Context, session *ConversationSession) error {
	if session == nil || session.LineUserID == "" || session.SessionType == "" {
		return fmt.Errorf("session must have a line_user_id and session_type")
	}

	return s.withTx(ctx, "start_session", func(tx *sqlx.Tx) error {
		now := s.now()

		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE conversation_sessions SET status = ?, completed_at = ?, last_activity_at = ?
			WHERE line_user_id = ? AND session_type = ? AND status = ?
		`), SessionCompleted, now, now, session.LineUserID, session.SessionType, SessionActive)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error completing previous sessions",
				"line_user_id", session.LineUserID, "session_type", session.SessionType, "error", err)
			return fmt.Errorf("failed to complete previous sessions: %w", err)
		}
		if superseded, _ := result.RowsAffected(); superseded > 0 {
			s.logger.DebugContext(ctx, "Superseded active sessions",
				"line_user_id", session.LineUserID, "session_type", session.SessionType, "count", superseded)
		}

		session.Status = SessionActive
		session.StartedAt = now
		session.LastActivityAt = now
		session.CompletedAt = nil
		if session.SessionData == nil {
			session.SessionData = JSONMap{}
		}

		err = tx.QueryRowxContext(ctx, tx.Rebind(`
			INSERT INTO conversation_sessions (
				line_user_id, session_type, current_state, status, session_data, started_at, last_activity_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), session.LineUserID, session.SessionType, session.CurrentState, session.Status,
			session.SessionData, session.StartedAt, session.LastActivityAt).Scan(&session.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error creating session",
				"line_user_id", session.LineUserID, "session_type", session.SessionType, "error", err)
			return fmt.Errorf("failed to create session: %w", err)
		}

		s.logger.DebugContext(ctx, "Session started", "session_id", session.ID,
			"line_user_id", session.LineUserID, "state", session.CurrentState)
		return nil
	})
}

// UpdateSession persists state and data changes of an active session.
func (s *sqlxStore) UpdateSession(ctx context.Context, session *ConversationSession) error {
	if session == nil || session.ID == 0 {
		return fmt.Errorf("cannot update a session without id")
	}

	session.LastActivityAt = s.now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversation_sessions SET current_state = ?, session_data = ?, last_activity_at = ?
		WHERE id = ? AND status = ?
	`), session.CurrentState, session.SessionData, session.LastActivityAt, session.ID, SessionActive)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating session", "session_id", session.ID, "error", err)
		return fmt.Errorf("failed to update session %d: %w", session.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		return fmt.Errorf("session %d is not active: %w", session.ID, ErrNotFound)
	}
	return nil
}

// CompleteSession marks a session completed.
func (s *sqlxStore) CompleteSession(ctx context.Context, sessionID int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversation_sessions SET status = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ? AND status = ?
	`), SessionCompleted, now, now, sessionID, SessionActive)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error completing session", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to complete session %d: %w", sessionID, err)
	}
	s.logger.DebugContext(ctx, "Session completed", "session_id", sessionID)
	return nil
}

// CompleteIdleSessions completes active sessions idle since before the cutoff.
func (s *sqlxStore) CompleteIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversation_sessions SET status = ?, completed_at = ?
		WHERE status = ? AND last_activity_at < ?
	`), SessionCompleted, now, SessionActive, cutoff.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error completing idle sessions", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to complete idle sessions: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}
