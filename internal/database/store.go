package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a required record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// UpsertUser inserts or refreshes a user keyed by LINE user id.
	UpsertUser(ctx context.Context, user *User) error

	// ListUserIDs returns every known LINE user id, oldest first.
	ListUserIDs(ctx context.Context) ([]string, error)

	// ListUsers returns a page of users, newest first, and the total match count.
	ListUsers(ctx context.Context, q UserQuery) ([]User, int, error)

	// GetUserProfile retrieves a profile by LINE user id. Returns nil, nil if not found.
	GetUserProfile(ctx context.Context, lineUserID string) (*UserProfile, error)

	// GetUserProfiles retrieves the profiles of the given users keyed by LINE user id.
	GetUserProfiles(ctx context.Context, lineUserIDs []string) (map[string]*UserProfile, error)

	// UpdateUserProfile applies a partial update, creating the profile if needed.
	UpdateUserProfile(ctx context.Context, lineUserID string, update ProfileUpdate) (*UserProfile, error)

	// GetActiveSession returns the active session of the given type. Returns nil, nil if none.
	GetActiveSession(ctx context.Context, lineUserID string, sessionType SessionType) (*ConversationSession, error)

	// StartSession completes any active session of the same type and creates a new one.
	StartSession(ctx context.Context, session *ConversationSession) error

	// UpdateSession persists state and data changes of an active session.
	UpdateSession(ctx context.Context, session *ConversationSession) error

	// CompleteSession marks a session completed.
	CompleteSession(ctx context.Context, sessionID int64) error

	// CompleteIdleSessions completes active sessions idle since before the cutoff.
	CompleteIdleSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// SaveConversation appends a conversation log entry.
	SaveConversation(ctx context.Context, conv *Conversation) error

	// GetConversationHistory returns the latest 'limit' entries, oldest first.
	// An empty conversationType matches every flow.
	GetConversationHistory(ctx context.Context, lineUserID, conversationType string, limit int) ([]Conversation, error)

	// CountConversations counts logged exchanges of a flow for a user.
	CountConversations(ctx context.Context, lineUserID, conversationType string) (int, error)

	// SaveActivityLog appends an activity event.
	SaveActivityLog(ctx context.Context, lineUserID, action string, metadata JSONMap) error

	// GetLastActivity returns the latest activity timestamp per user.
	GetLastActivity(ctx context.Context, lineUserIDs []string) (map[string]time.Time, error)

	// CreateBroadcast inserts a new broadcast message.
	CreateBroadcast(ctx context.Context, b *BroadcastMessage) error

	// GetBroadcast loads a broadcast message. Returns ErrNotFound if missing.
	GetBroadcast(ctx context.Context, id int64) (*BroadcastMessage, error)

	// ClaimBroadcast moves a draft or scheduled broadcast to sending.
	// It reports false when the broadcast was not in an executable status.
	ClaimBroadcast(ctx context.Context, id int64, totalTargets int, sentAt time.Time) (bool, error)

	// CompleteBroadcast records the final counts of a sending broadcast.
	CompleteBroadcast(ctx context.Context, id int64, sent, failed int, completedAt time.Time) error

	// FailBroadcast marks a broadcast failed with the given reason.
	FailBroadcast(ctx context.Context, id int64, reason string, at time.Time) error

	// ListDueBroadcasts returns scheduled broadcasts due at 'now', earliest first.
	ListDueBroadcasts(ctx context.Context, now time.Time) ([]BroadcastMessage, error)

	// ListBroadcasts returns the most recent broadcasts, newest first.
	ListBroadcasts(ctx context.Context, limit int) ([]BroadcastMessage, error)

	// SaveBroadcastLog appends one per-recipient delivery record.
	SaveBroadcastLog(ctx context.Context, entry *BroadcastLog) error

	// ListBroadcastLogs returns the delivery records of a broadcast in insertion order.
	ListBroadcastLogs(ctx context.Context, broadcastID int64) ([]BroadcastLog, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) isPostgres() bool {
	return s.db.DriverName() == "pgx"
}

// withTx runs fn inside a transaction, committing on success and rolling
// back otherwise.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "operation", op, "error", rollbackErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil
	return nil
}

// RunSQLMaintenance executes VACUUM on SQLite or ANALYZE on PostgreSQL.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting maintenance", "error", ctx.Err())
		return ctx.Err()
	}

	stmt := "VACUUM;"
	if s.isPostgres() {
		stmt = "ANALYZE;"
	}
	s.logger.InfoContext(ctx, "Starting database maintenance...", "statement", stmt)

	_, err := s.db.ExecContext(ctx, stmt)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Database maintenance timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance failed", "error", err)
		return fmt.Errorf("failed to execute %s: %w", stmt, err)
	default:
		s.logger.InfoContext(ctx, "Database maintenance completed successfully")
	}
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
