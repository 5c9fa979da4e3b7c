package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/podsprint/matching-service/internal/domain"
)

// AddWaitlistEntry records (or refreshes) a user's place on the waitlist
// for a sprint type. A repeat request overwrites the stored preference
// snapshot and restarts the expiry clock. Entries that have already
// expired are purged on the way in, so the table cannot grow unbounded
// without a dedicated sweeper.
func (r *Repository) AddWaitlistEntry(ctx context.Context, entry domain.WaitlistEntry) error {
	payload, err := json.Marshal(entry.Request.Snapshot)
	if err != nil {
		return fmt.Errorf("encode preferences snapshot: %w", err)
	}

	return r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM waitlist_entries WHERE expires_at <= $1
		`, entry.Request.SubmittedAt); err != nil {
			return fmt.Errorf("purge expired waitlist entries: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO waitlist_entries (user_id, sprint_type, preferences, submitted_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, sprint_type) DO UPDATE
			SET preferences = EXCLUDED.preferences,
			    submitted_at = EXCLUDED.submitted_at,
			    expires_at = EXCLUDED.expires_at
		`, entry.Request.UserID, string(entry.Request.SprintType), payload,
			entry.Request.SubmittedAt, entry.ExpiresAt); err != nil {
			return fmt.Errorf("upsert waitlist entry: %w", err)
		}

		return nil
	})
}

// ListActiveWaitlist returns unexpired entries for a sprint type in
// submission order. Entries whose snapshot was written by a newer schema
// are skipped rather than misread.
func (r *Repository) ListActiveWaitlist(ctx context.Context, sprintType domain.SprintType, asOf time.Time) ([]domain.WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, sprint_type, preferences, submitted_at, expires_at
		FROM waitlist_entries
		WHERE sprint_type = $1 AND expires_at > $2
		ORDER BY submitted_at, user_id
	`, string(sprintType), asOf)
	if err != nil {
		return nil, fmt.Errorf("select waitlist entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.WaitlistEntry
	for rows.Next() {
		var entry domain.WaitlistEntry
		var payload []byte
		if err := rows.Scan(&entry.Request.UserID, &entry.Request.SprintType, &payload,
			&entry.Request.SubmittedAt, &entry.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan waitlist entry: %w", err)
		}

		var snapshot domain.PreferencesSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, fmt.Errorf("decode preferences snapshot: %w", err)
		}
		if snapshot.SchemaVersion != domain.SnapshotSchemaVersion {
			continue
		}
		entry.Request.Snapshot = snapshot

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waitlist entries: %w", err)
	}

	return entries, nil
}
