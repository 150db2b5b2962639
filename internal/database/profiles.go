package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const profileColumns = `id, line_user_id, birth_date, blood_type, personality_traits, interests, concerns,
	communication_style, created_at, updated_at`

// GetUserProfile retrieves a profile by LINE user id. Returns nil, nil if not found.
func (s *sqlxStore) GetUserProfile(ctx context.Context, lineUserID string) (*UserProfile, error) {
	if lineUserID == "" {
		return nil, fmt.Errorf("line_user_id cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	profile, err := getProfile(ctx, s.db, lineUserID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No user profile found", "line_user_id", lineUserID)
		return nil, nil
	case isCtxErr(err):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching user profile",
			"line_user_id", lineUserID, "error", err)
		return nil, err
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting user profile", "line_user_id", lineUserID, "error", err)
		return nil, fmt.Errorf("failed to get user profile for %s: %w", lineUserID, err)
	}
	return profile, nil
}

// GetUserProfiles retrieves the profiles of the given users keyed by LINE user id.
func (s *sqlxStore) GetUserProfiles(ctx context.Context, lineUserIDs []string) (map[string]*UserProfile, error) {
	result := make(map[string]*UserProfile, len(lineUserIDs))
	if len(lineUserIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT `+profileColumns+` FROM user_profiles WHERE line_user_id IN (?)`, lineUserIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile query: %w", err)
	}

	var profiles []*UserProfile
	if err := s.db.SelectContext(ctx, &profiles, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error getting user profiles", "count", len(lineUserIDs), "error", err)
		return nil, fmt.Errorf("failed to get user profiles: %w", err)
	}
	for _, p := range profiles {
		result[p.LineUserID] = p
	}
	return result, nil
}

// UpdateUserProfile applies a partial update inside a transaction, creating
// the profile row on first use. Fields absent from the update keep their
// stored values.
func (s *sqlxStore) UpdateUserProfile(ctx context.Context, lineUserID string, update ProfileUpdate) (*UserProfile, error) {
	if lineUserID == "" {
		return nil, fmt.Errorf("line_user_id cannot be empty")
	}

	var saved *UserProfile
	err := s.withTx(ctx, "update_user_profile", func(tx *sqlx.Tx) error {
		now := s.now()

		profile, err := getProfile(ctx, tx, lineUserID)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			profile = &UserProfile{LineUserID: lineUserID, CreatedAt: now}
		} else if err != nil {
			s.logger.ErrorContext(ctx, "Error checking if profile exists", "line_user_id", lineUserID, "error", err)
			return fmt.Errorf("failed to load profile for %s: %w", lineUserID, err)
		}

		update.Apply(profile)
		profile.UpdatedAt = now

		if exists {
			_, err = tx.NamedExecContext(ctx, `
				UPDATE user_profiles SET
					birth_date = :birth_date,
					blood_type = :blood_type,
					personality_traits = :personality_traits,
					interests = :interests,
					concerns = :concerns,
					communication_style = :communication_style,
					updated_at = :updated_at
				WHERE line_user_id = :line_user_id
			`, profile)
		} else {
			_, err = tx.NamedExecContext(ctx, `
				INSERT INTO user_profiles (
					line_user_id, birth_date, blood_type, personality_traits, interests,
					concerns, communication_style, created_at, updated_at
				) VALUES (
					:line_user_id, :birth_date, :blood_type, :personality_traits, :interests,
					:concerns, :communication_style, :created_at, :updated_at
				)
			`, profile)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "Error saving user profile", "line_user_id", lineUserID, "error", err)
			return fmt.Errorf("failed to save user profile for %s: %w", lineUserID, err)
		}

		saved, err = getProfile(ctx, tx, lineUserID)
		if err != nil {
			return fmt.Errorf("failed to reload user profile for %s: %w", lineUserID, err)
		}

		operation := "updated"
		if !exists {
			operation = "created"
		}
		s.logger.DebugContext(ctx, "User profile saved successfully", "operation", operation, "line_user_id", lineUserID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func getProfile(ctx context.Context, q queryer, lineUserID string) (*UserProfile, error) {
	var profile UserProfile
	err := sqlx.GetContext(ctx, q, &profile,
		q.Rebind(`SELECT `+profileColumns+` FROM user_profiles WHERE line_user_id = ?`), lineUserID)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
