package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/podsprint/matching-service/internal/domain"
)

func (r *Repository) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	var prefs domain.Preferences
	err := r.pool.QueryRow(ctx, `
		SELECT timezone, utc_offset_minutes, experience_level, collaboration_style
		FROM users
		WHERE user_id = $1
	`, userID).Scan(&prefs.Timezone, &prefs.UTCOffsetMinutes, &prefs.Experience, &prefs.Style)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Preferences{}, ErrUserNotFound
	}
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("select user preferences: %w", err)
	}

	windows, err := r.listWindows(ctx, []string{userID})
	if err != nil {
		return domain.Preferences{}, err
	}
	prefs.Windows = windows[userID]

	return prefs, nil
}

// ListPreferences loads preferences for a batch of users. Unknown IDs are
// simply absent from the result; callers decide whether that is an error.
func (r *Repository) ListPreferences(ctx context.Context, userIDs []string) (map[string]domain.Preferences, error) {
	if len(userIDs) == 0 {
		return map[string]domain.Preferences{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT user_id, timezone, utc_offset_minutes, experience_level, collaboration_style
		FROM users
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.Preferences, len(userIDs))
	for rows.Next() {
		var id string
		var prefs domain.Preferences
		if err := rows.Scan(&id, &prefs.Timezone, &prefs.UTCOffsetMinutes, &prefs.Experience, &prefs.Style); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result[id] = prefs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	windows, err := r.listWindows(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for id, prefs := range result {
		prefs.Windows = windows[id]
		result[id] = prefs
	}

	return result, nil
}

func (r *Repository) UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences, updatedAt time.Time) (domain.Preferences, error) {
	err := r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET timezone = $2,
			    utc_offset_minutes = $3,
			    experience_level = $4,
			    collaboration_style = $5,
			    updated_at = $6
			WHERE user_id = $1
		`, userID, prefs.Timezone, prefs.UTCOffsetMinutes, string(prefs.Experience), string(prefs.Style), updatedAt)
		if err != nil {
			return fmt.Errorf("update user preferences: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM user_availability WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("clear availability: %w", err)
		}

		for _, w := range prefs.Windows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_availability (user_id, day_of_week, start_minute, duration_minutes)
				VALUES ($1, $2, $3, $4)
			`, userID, w.Weekday, w.StartMinute, w.DurationMinutes); err != nil {
				return fmt.Errorf("insert availability window: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return domain.Preferences{}, err
	}

	return prefs, nil
}

func (r *Repository) GetSession(ctx context.Context, token string, asOf time.Time) (domain.Session, error) {
	var session domain.Session
	err := r.pool.QueryRow(ctx, `
		SELECT token, user_id, expires_at
		FROM sessions
		WHERE token = $1 AND expires_at > $2
	`, token, asOf).Scan(&session.Token, &session.UserID, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("select session: %w", err)
	}

	return session, nil
}

func (r *Repository) listWindows(ctx context.Context, userIDs []string) (map[string][]domain.AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, day_of_week, start_minute, duration_minutes
		FROM user_availability
		WHERE user_id = ANY($1)
		ORDER BY user_id, day_of_week, start_minute
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("select availability windows: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]domain.AvailabilityWindow)
	for rows.Next() {
		var id string
		var w domain.AvailabilityWindow
		if err := rows.Scan(&id, &w.Weekday, &w.StartMinute, &w.DurationMinutes); err != nil {
			return nil, fmt.Errorf("scan availability window: %w", err)
		}
		result[id] = append(result[id], w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability windows: %w", err)
	}

	return result, nil
}
