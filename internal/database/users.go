package database

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const userColumns = `id, line_user_id, display_name, picture_url, status_message, created_at, updated_at`

// UserQuery filters and pages the admin user list.
type UserQuery struct {
	Search string
	Limit  int
	Offset int
}

// UpsertUser inserts or refreshes a user keyed by LINE user id and loads the
// stored row back into user.
func (s *sqlxStore) UpsertUser(ctx context.Context, user *User) error {
	if user == nil || user.LineUserID == "" {
		return fmt.Errorf("user must have a line_user_id")
	}

	now := s.now()
	query := s.db.Rebind(`
		INSERT INTO users (line_user_id, display_name, picture_url, status_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (line_user_id) DO UPDATE SET
			display_name = excluded.display_name,
			picture_url = excluded.picture_url,
			status_message = excluded.status_message,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query,
		user.LineUserID, user.DisplayName, user.PictureURL, user.StatusMessage, now, now); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting user", "line_user_id", user.LineUserID, "error", err)
		return fmt.Errorf("failed to upsert user %s: %w", user.LineUserID, err)
	}

	err := s.db.GetContext(ctx, user,
		s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE line_user_id = ?`), user.LineUserID)
	if err != nil {
		return fmt.Errorf("failed to reload user %s: %w", user.LineUserID, err)
	}

	s.logger.DebugContext(ctx, "User upserted", "line_user_id", user.LineUserID, "id", user.ID)
	return nil
}

// ListUserIDs returns every known LINE user id, oldest first.
func (s *sqlxStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT line_user_id FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		if isCtxErr(err) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error listing user ids", "error", err)
		return nil, fmt.Errorf("failed to list user ids: %w", err)
	}
	return ids, nil
}

// ListUsers returns a page of users, newest first, and the total match count.
func (s *sqlxStore) ListUsers(ctx context.Context, q UserQuery) ([]User, int, error) {
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if s.isPostgres() {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}

	var cond sq.Sqlizer = sq.Expr("1 = 1")
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		cond = sq.Or{
			sq.Expr("LOWER(display_name) LIKE ?", pattern),
			sq.Expr("LOWER(line_user_id) LIKE ?", pattern),
		}
	}

	countSQL, countArgs, err := builder.Select("COUNT(*)").From("users").Where(cond).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build user count query: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		s.logger.ErrorContext(ctx, "Error counting users", "error", err)
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	listQuery := builder.Select(userColumns).From("users").Where(cond).OrderBy("created_at DESC", "id DESC")
	if q.Limit > 0 {
		listQuery = listQuery.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		listQuery = listQuery.Offset(uint64(q.Offset))
	}
	listSQL, listArgs, err := listQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build user list query: %w", err)
	}

	users := []User{}
	if err := s.db.SelectContext(ctx, &users, listSQL, listArgs...); err != nil {
		s.logger.ErrorContext(ctx, "Error listing users", "error", err)
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}

	s.logger.DebugContext(ctx, "Listed users", "count", len(users), "total", total)
	return users, total, nil
}
