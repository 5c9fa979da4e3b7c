package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/podsprint/matching-service/internal/domain"
	"github.com/podsprint/matching-service/internal/scoring"
)

const podColumns = `pod_id, sprint_type, status, max_members, member_count,
	       score_overall, score_timezone, score_experience, score_style, score_availability,
	       created_at, activated_at, completed_at, disbanded_at`

// CreatePod inserts a pod together with its founding memberships and
// drops the members' waitlist entries. User rows are locked in ID order
// so concurrent accepts with overlapping member sets cannot deadlock,
// and the one-open-pod check stays valid until commit.
func (r *Repository) CreatePod(ctx context.Context, pod domain.Pod) error {
	userIDs := make([]string, 0, len(pod.Members))
	for _, m := range pod.Members {
		userIDs = append(userIDs, m.UserID)
	}

	return r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := lockUsers(ctx, tx, userIDs)
		if err != nil {
			return err
		}
		if len(locked) != len(userIDs) {
			for _, id := range userIDs {
				if !locked[id] {
					return fmt.Errorf("%w: %s", ErrUserNotFound, id)
				}
			}
		}

		if userID, found, err := openPodMember(ctx, tx, userIDs, pod.SprintType); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrAlreadyInPod, userID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO pods (pod_id, sprint_type, status, max_members, member_count,
			                  score_overall, score_timezone, score_experience, score_style, score_availability,
			                  created_at, activated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, pod.ID, string(pod.SprintType), string(pod.Status), pod.MaxMembers, pod.MemberCount,
			pod.Score.Overall, pod.Score.TimezoneMatch, pod.Score.ExperienceLevel,
			pod.Score.CollaborationStyle, pod.Score.AvailabilityOverlap,
			pod.CreatedAt, nullableTime(pod.ActivatedAt)); err != nil {
			return fmt.Errorf("insert pod: %w", err)
		}

		for _, m := range pod.Members {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pod_memberships (pod_id, user_id, sprint_type, role, status, joined_at,
				                             match_overall, match_timezone, match_experience, match_style, match_availability)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, pod.ID, m.UserID, string(pod.SprintType), string(m.Role), string(m.Status), m.JoinedAt,
				m.MatchScore.Overall, m.MatchScore.TimezoneMatch, m.MatchScore.ExperienceLevel,
				m.MatchScore.CollaborationStyle, m.MatchScore.AvailabilityOverlap); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s", ErrAlreadyInPod, m.UserID)
				}
				return fmt.Errorf("insert pod membership: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM waitlist_entries
			WHERE user_id = ANY($1) AND sprint_type = $2
		`, userIDs, string(pod.SprintType)); err != nil {
			return fmt.Errorf("clear waitlist entries: %w", err)
		}

		return nil
	})
}

// AddMember joins a user into a forming pod. The capacity check and the
// member count bump are a single guarded update, so concurrent joins
// cannot overfill the pod. The pod's stored score only ever decreases:
// each dimension is the minimum over everyone who ever joined.
func (r *Repository) AddMember(ctx context.Context, m domain.PodMembership, w scoring.Weights, activateMin int) (domain.Pod, error) {
	var pod domain.Pod

	err := r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := lockUsers(ctx, tx, []string{m.UserID})
		if err != nil {
			return err
		}
		if !locked[m.UserID] {
			return fmt.Errorf("%w: %s", ErrUserNotFound, m.UserID)
		}

		if _, found, err := openPodMember(ctx, tx, []string{m.UserID}, m.SprintType); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrAlreadyInPod, m.UserID)
		}

		pod, err = scanPod(tx.QueryRow(ctx, `
			UPDATE pods
			SET member_count = member_count + 1
			WHERE pod_id = $1 AND status = 'forming' AND member_count < max_members
			RETURNING `+podColumns, m.PodID))
		if errors.Is(err, pgx.ErrNoRows) {
			return diagnoseJoinFailure(ctx, tx, m.PodID)
		}
		if err != nil {
			return fmt.Errorf("claim pod seat: %w", err)
		}
		if pod.SprintType != m.SprintType {
			return ErrPodNotJoinable
		}

		pod.Score = scoring.MergeMin(pod.Score, m.MatchScore, w)
		if _, err := tx.Exec(ctx, `
			UPDATE pods
			SET score_overall = $2, score_timezone = $3, score_experience = $4,
			    score_style = $5, score_availability = $6
			WHERE pod_id = $1
		`, m.PodID, pod.Score.Overall, pod.Score.TimezoneMatch, pod.Score.ExperienceLevel,
			pod.Score.CollaborationStyle, pod.Score.AvailabilityOverlap); err != nil {
			return fmt.Errorf("merge pod score: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO pod_memberships (pod_id, user_id, sprint_type, role, status, joined_at,
			                             match_overall, match_timezone, match_experience, match_style, match_availability)
			VALUES ($1, $2, $3, 'member', 'active', $4, $5, $6, $7, $8, $9)
			ON CONFLICT (pod_id, user_id) DO UPDATE
			SET role = 'member',
			    status = 'active',
			    joined_at = EXCLUDED.joined_at,
			    left_at = NULL,
			    leave_reason = NULL,
			    leave_note = NULL,
			    match_overall = EXCLUDED.match_overall,
			    match_timezone = EXCLUDED.match_timezone,
			    match_experience = EXCLUDED.match_experience,
			    match_style = EXCLUDED.match_style,
			    match_availability = EXCLUDED.match_availability
			WHERE pod_memberships.status <> 'active'
		`, m.PodID, m.UserID, string(pod.SprintType), m.JoinedAt,
			m.MatchScore.Overall, m.MatchScore.TimezoneMatch, m.MatchScore.ExperienceLevel,
			m.MatchScore.CollaborationStyle, m.MatchScore.AvailabilityOverlap)
		if err != nil {
			return fmt.Errorf("insert pod membership: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyInPod, m.UserID)
		}

		if pod.Status == domain.PodStatusForming && pod.MemberCount >= activateMin {
			if _, err := tx.Exec(ctx, `
				UPDATE pods SET status = 'active', activated_at = $2 WHERE pod_id = $1
			`, m.PodID, m.JoinedAt); err != nil {
				return fmt.Errorf("activate pod: %w", err)
			}
			pod.Status = domain.PodStatusActive
			activatedAt := m.JoinedAt
			pod.ActivatedAt = &activatedAt
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM waitlist_entries WHERE user_id = $1 AND sprint_type = $2
		`, m.UserID, string(pod.SprintType)); err != nil {
			return fmt.Errorf("clear waitlist entry: %w", err)
		}

		return nil
	})
	if err != nil {
		return domain.Pod{}, err
	}

	return pod, nil
}

// RemoveMember marks the user's membership as left. When the pod drops
// below minMembers it is disbanded and the remaining members are
// released; their IDs are returned so they can be notified.
func (r *Repository) RemoveMember(ctx context.Context, podID, userID string, reason *domain.RematchReason, note *string, leftAt time.Time, minMembers int) (domain.Pod, []string, error) {
	var pod domain.Pod
	var released []string

	err := r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		pod, err = scanPod(tx.QueryRow(ctx, `
			SELECT `+podColumns+` FROM pods WHERE pod_id = $1 FOR UPDATE
		`, podID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPodNotFound
		}
		if err != nil {
			return fmt.Errorf("lock pod: %w", err)
		}
		if !pod.Status.Open() {
			return ErrPodClosed
		}

		var reasonParam *string
		if reason != nil {
			s := string(*reason)
			reasonParam = &s
		}

		var leaverRole string
		err = tx.QueryRow(ctx, `
			UPDATE pod_memberships
			SET status = 'left', left_at = $3, leave_reason = $4, leave_note = $5
			WHERE pod_id = $1 AND user_id = $2 AND status = 'active'
			RETURNING role
		`, podID, userID, leftAt, reasonParam, note).Scan(&leaverRole)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotPodMember
		}
		if err != nil {
			return fmt.Errorf("mark membership left: %w", err)
		}

		remaining := pod.MemberCount - 1
		if remaining < minMembers {
			rows, err := tx.Query(ctx, `
				UPDATE pod_memberships
				SET status = 'removed', left_at = $2
				WHERE pod_id = $1 AND status = 'active'
				RETURNING user_id
			`, podID, leftAt)
			if err != nil {
				return fmt.Errorf("release remaining members: %w", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("scan released member: %w", err)
				}
				released = append(released, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("iterate released members: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE pods SET status = 'disbanded', disbanded_at = $2, member_count = 0 WHERE pod_id = $1
			`, podID, leftAt); err != nil {
				return fmt.Errorf("disband pod: %w", err)
			}
			pod.Status = domain.PodStatusDisbanded
			pod.MemberCount = 0
			disbandedAt := leftAt
			pod.DisbandedAt = &disbandedAt
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE pods SET member_count = $2 WHERE pod_id = $1
		`, podID, remaining); err != nil {
			return fmt.Errorf("decrement member count: %w", err)
		}
		pod.MemberCount = remaining

		if domain.MemberRole(leaverRole) == domain.RoleFacilitator {
			if _, err := tx.Exec(ctx, `
				UPDATE pod_memberships
				SET role = 'facilitator'
				WHERE pod_id = $1 AND user_id = (
					SELECT user_id FROM pod_memberships
					WHERE pod_id = $1 AND status = 'active'
					ORDER BY joined_at, user_id
					LIMIT 1
				)
			`, podID); err != nil {
				return fmt.Errorf("promote facilitator: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return domain.Pod{}, nil, err
	}

	return pod, released, nil
}

// SetPodCompleted closes out an active pod. Memberships keep their
// active status so the pod remains visible to its members as history.
func (r *Repository) SetPodCompleted(ctx context.Context, podID, userID string, completedAt time.Time) (domain.Pod, error) {
	var pod domain.Pod

	err := r.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		pod, err = scanPod(tx.QueryRow(ctx, `
			SELECT `+podColumns+` FROM pods WHERE pod_id = $1 FOR UPDATE
		`, podID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPodNotFound
		}
		if err != nil {
			return fmt.Errorf("lock pod: %w", err)
		}

		var isMember bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM pod_memberships
				WHERE pod_id = $1 AND user_id = $2 AND status = 'active'
			)
		`, podID, userID).Scan(&isMember); err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !isMember {
			return ErrNotPodMember
		}

		switch pod.Status {
		case domain.PodStatusForming:
			return ErrPodNotActive
		case domain.PodStatusCompleted, domain.PodStatusDisbanded:
			return ErrPodClosed
		}

		if _, err := tx.Exec(ctx, `
			UPDATE pods SET status = 'completed', completed_at = $2 WHERE pod_id = $1
		`, podID, completedAt); err != nil {
			return fmt.Errorf("complete pod: %w", err)
		}
		pod.Status = domain.PodStatusCompleted
		done := completedAt
		pod.CompletedAt = &done

		return nil
	})
	if err != nil {
		return domain.Pod{}, err
	}

	return pod, nil
}

func (r *Repository) GetPod(ctx context.Context, podID string) (domain.Pod, error) {
	pod, err := scanPod(r.pool.QueryRow(ctx, `
		SELECT `+podColumns+` FROM pods WHERE pod_id = $1
	`, podID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pod{}, ErrPodNotFound
	}
	if err != nil {
		return domain.Pod{}, fmt.Errorf("select pod: %w", err)
	}

	members, err := r.listMemberships(ctx, podID)
	if err != nil {
		return domain.Pod{}, err
	}
	pod.Members = members

	return pod, nil
}

func (r *Repository) ListFormingPods(ctx context.Context, sprintType domain.SprintType) ([]domain.Pod, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+podColumns+`
		FROM pods
		WHERE sprint_type = $1 AND status = 'forming' AND member_count < max_members
		ORDER BY score_overall DESC, created_at, pod_id
	`, string(sprintType))
	if err != nil {
		return nil, fmt.Errorf("select forming pods: %w", err)
	}
	defer rows.Close()

	return collectPods(rows)
}

// ListFormingPodCandidates returns joinable pods for a sprint type
// together with their active members' current matching signals.
func (r *Repository) ListFormingPodCandidates(ctx context.Context, sprintType domain.SprintType) ([]domain.PodCandidate, error) {
	pods, err := r.ListFormingPods(ctx, sprintType)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, nil
	}

	podIDs := make([]string, 0, len(pods))
	for _, p := range pods {
		podIDs = append(podIDs, p.ID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT pm.pod_id, u.user_id, u.utc_offset_minutes, u.experience_level, u.collaboration_style
		FROM pod_memberships pm
		JOIN users u ON u.user_id = pm.user_id
		WHERE pm.pod_id = ANY($1) AND pm.status = 'active'
		ORDER BY pm.pod_id, pm.joined_at
	`, podIDs)
	if err != nil {
		return nil, fmt.Errorf("select pod member signals: %w", err)
	}
	defer rows.Close()

	type memberRow struct {
		podID   string
		userID  string
		signals domain.UserSignals
	}
	var memberRows []memberRow
	var userIDs []string
	for rows.Next() {
		var m memberRow
		if err := rows.Scan(&m.podID, &m.userID, &m.signals.UTCOffsetMinutes, &m.signals.Experience, &m.signals.Style); err != nil {
			return nil, fmt.Errorf("scan pod member signals: %w", err)
		}
		memberRows = append(memberRows, m)
		userIDs = append(userIDs, m.userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pod member signals: %w", err)
	}

	windows, err := r.listWindows(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	signalsByPod := make(map[string][]domain.UserSignals, len(pods))
	for _, m := range memberRows {
		m.signals.Windows = windows[m.userID]
		signalsByPod[m.podID] = append(signalsByPod[m.podID], m.signals)
	}

	candidates := make([]domain.PodCandidate, 0, len(pods))
	for _, p := range pods {
		candidates = append(candidates, domain.PodCandidate{
			Pod:           p,
			MemberSignals: signalsByPod[p.ID],
		})
	}

	return candidates, nil
}

func (r *Repository) ListUserPods(ctx context.Context, userID string, sprintType *domain.SprintType) ([]domain.Pod, error) {
	var sprintParam *string
	if sprintType != nil {
		s := string(*sprintType)
		sprintParam = &s
	}

	rows, err := r.pool.Query(ctx, `
		SELECT p.pod_id, p.sprint_type, p.status, p.max_members, p.member_count,
		       p.score_overall, p.score_timezone, p.score_experience, p.score_style, p.score_availability,
		       p.created_at, p.activated_at, p.completed_at, p.disbanded_at
		FROM pods p
		JOIN pod_memberships pm ON pm.pod_id = p.pod_id
		WHERE pm.user_id = $1 AND ($2::text IS NULL OR p.sprint_type = $2)
		ORDER BY p.created_at DESC, p.pod_id
	`, userID, sprintParam)
	if err != nil {
		return nil, fmt.Errorf("select user pods: %w", err)
	}
	defer rows.Close()

	return collectPods(rows)
}

func (r *Repository) HasOpenPod(ctx context.Context, userID string, sprintType domain.SprintType) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pod_memberships pm
			JOIN pods p ON p.pod_id = pm.pod_id
			WHERE pm.user_id = $1 AND pm.sprint_type = $2
			  AND pm.status = 'active' AND p.status IN ('forming', 'active')
		)
	`, userID, string(sprintType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open pod: %w", err)
	}

	return exists, nil
}

func (r *Repository) listMemberships(ctx context.Context, podID string) ([]domain.PodMembership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, sprint_type, role, status, joined_at, left_at, leave_reason, leave_note,
		       match_overall, match_timezone, match_experience, match_style, match_availability
		FROM pod_memberships
		WHERE pod_id = $1
		ORDER BY joined_at, user_id
	`, podID)
	if err != nil {
		return nil, fmt.Errorf("select pod memberships: %w", err)
	}
	defer rows.Close()

	var members []domain.PodMembership
	for rows.Next() {
		m := domain.PodMembership{PodID: podID}
		var leftAt sql.NullTime
		var leaveReason, leaveNote sql.NullString
		if err := rows.Scan(&m.UserID, &m.SprintType, &m.Role, &m.Status, &m.JoinedAt,
			&leftAt, &leaveReason, &leaveNote,
			&m.MatchScore.Overall, &m.MatchScore.TimezoneMatch, &m.MatchScore.ExperienceLevel,
			&m.MatchScore.CollaborationStyle, &m.MatchScore.AvailabilityOverlap); err != nil {
			return nil, fmt.Errorf("scan pod membership: %w", err)
		}
		if leftAt.Valid {
			t := leftAt.Time
			m.LeftAt = &t
		}
		if leaveReason.Valid {
			reason := domain.RematchReason(leaveReason.String)
			m.LeaveReason = &reason
		}
		if leaveNote.Valid {
			note := leaveNote.String
			m.LeaveNote = &note
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pod memberships: %w", err)
	}

	return members, nil
}

func lockUsers(ctx context.Context, tx pgx.Tx, userIDs []string) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id FROM users WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("lock users: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]bool, len(userIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan locked user: %w", err)
		}
		locked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked users: %w", err)
	}

	return locked, nil
}

func openPodMember(ctx context.Context, tx pgx.Tx, userIDs []string, sprintType domain.SprintType) (string, bool, error) {
	var userID string
	err := tx.QueryRow(ctx, `
		SELECT pm.user_id
		FROM pod_memberships pm
		JOIN pods p ON p.pod_id = pm.pod_id
		WHERE pm.user_id = ANY($1) AND pm.sprint_type = $2
		  AND pm.status = 'active' AND p.status IN ('forming', 'active')
		LIMIT 1
	`, userIDs, string(sprintType)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check open pods: %w", err)
	}

	return userID, true, nil
}

func diagnoseJoinFailure(ctx context.Context, tx pgx.Tx, podID string) error {
	var status string
	var memberCount, maxMembers int
	err := tx.QueryRow(ctx, `
		SELECT status, member_count, max_members FROM pods WHERE pod_id = $1
	`, podID).Scan(&status, &memberCount, &maxMembers)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPodNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect pod: %w", err)
	}

	switch domain.PodStatus(status) {
	case domain.PodStatusForming:
		return ErrPodFull
	case domain.PodStatusActive:
		return ErrPodNotJoinable
	default:
		return ErrPodClosed
	}
}

func scanPod(row pgx.Row) (domain.Pod, error) {
	var pod domain.Pod
	var activatedAt, completedAt, disbandedAt sql.NullTime
	if err := row.Scan(&pod.ID, &pod.SprintType, &pod.Status, &pod.MaxMembers, &pod.MemberCount,
		&pod.Score.Overall, &pod.Score.TimezoneMatch, &pod.Score.ExperienceLevel,
		&pod.Score.CollaborationStyle, &pod.Score.AvailabilityOverlap,
		&pod.CreatedAt, &activatedAt, &completedAt, &disbandedAt); err != nil {
		return domain.Pod{}, err
	}

	if activatedAt.Valid {
		t := activatedAt.Time
		pod.ActivatedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		pod.CompletedAt = &t
	}
	if disbandedAt.Valid {
		t := disbandedAt.Time
		pod.DisbandedAt = &t
	}

	return pod, nil
}

func collectPods(rows pgx.Rows) ([]domain.Pod, error) {
	var pods []domain.Pod
	for rows.Next() {
		pod, err := scanPod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pod: %w", err)
		}
		pods = append(pods, pod)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pods: %w", err)
	}

	return pods, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
