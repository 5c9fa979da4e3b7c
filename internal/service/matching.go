package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/podsprint/matching-service/internal/domain"
	"github.com/podsprint/matching-service/internal/scoring"
)

// RequestMatching scores the requester against every joinable pod and
// every waiting user for the sprint type and returns the best proposals.
// When nothing is compatible the requester goes on the waitlist with a
// frozen preference snapshot; a repeat request refreshes that snapshot
// and the expiry.
func (s *Service) RequestMatching(ctx context.Context, userID string, sprintType domain.SprintType) (domain.MatchingResult, error) {
	if !sprintType.Valid() {
		return domain.MatchingResult{}, fmt.Errorf("%w: %q", ErrInvalidSprintType, sprintType)
	}

	prefs, err := s.users.GetPreferences(ctx, userID)
	if err != nil {
		return domain.MatchingResult{}, mapStoreError(err)
	}
	if !prefs.Complete() {
		return domain.MatchingResult{}, ErrPreferencesIncomplete
	}

	open, err := s.pods.HasOpenPod(ctx, userID, sprintType)
	if err != nil {
		return domain.MatchingResult{}, err
	}
	if open {
		return domain.MatchingResult{}, ErrAlreadyInPod
	}

	now := s.now().UTC()
	suggestions, err := s.buildSuggestions(ctx, userID, sprintType, prefs.Signals(), now)
	if err != nil {
		return domain.MatchingResult{}, err
	}

	if len(suggestions) == 0 {
		expiresAt := now.Add(s.cfg.WaitlistTTL)
		entry := domain.WaitlistEntry{
			Request: domain.MatchingRequest{
				UserID:      userID,
				SprintType:  sprintType,
				Snapshot:    domain.NewPreferencesSnapshot(prefs),
				SubmittedAt: now,
			},
			ExpiresAt: expiresAt,
		}
		if err := s.waitlist.AddWaitlistEntry(ctx, entry); err != nil {
			return domain.MatchingResult{}, err
		}

		return domain.MatchingResult{
			Status:    domain.MatchingStatusWaitlisted,
			ExpiresAt: &expiresAt,
		}, nil
	}

	return domain.MatchingResult{
		Status:      domain.MatchingStatusMatchesFound,
		Suggestions: suggestions,
	}, nil
}

// AcceptMatch turns a suggestion into a pod: either the caller joins the
// referenced forming pod, or a new pod is created from the caller plus
// the referenced waiting users. Scores are always recomputed server-side
// from current data; whatever the client saw at suggestion time is not
// trusted.
func (s *Service) AcceptMatch(ctx context.Context, userID string, sprintType domain.SprintType, podID string, memberIDs []string) (domain.Pod, error) {
	if !sprintType.Valid() {
		return domain.Pod{}, fmt.Errorf("%w: %q", ErrInvalidSprintType, sprintType)
	}
	if (podID == "") == (len(memberIDs) == 0) {
		return domain.Pod{}, ErrInvalidAcceptance
	}

	prefs, err := s.users.GetPreferences(ctx, userID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	if !prefs.Complete() {
		return domain.Pod{}, ErrPreferencesIncomplete
	}

	if podID != "" {
		return s.joinPod(ctx, userID, sprintType, podID, prefs)
	}

	return s.createPod(ctx, userID, sprintType, memberIDs, prefs)
}

// RequestRematch releases the caller from their pod and immediately runs
// a fresh matching round for the same sprint type. The leave and the
// re-match are separate transactions: a failed re-match never undoes the
// leave, it just waitlists the caller.
func (s *Service) RequestRematch(ctx context.Context, userID, podID string, reason domain.RematchReason, description string) (domain.MatchingResult, error) {
	if !reason.Valid() {
		return domain.MatchingResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if len(description) > maxDescriptionLength {
		return domain.MatchingResult{}, ErrInvalidDescription
	}

	prefs, err := s.users.GetPreferences(ctx, userID)
	if err != nil {
		return domain.MatchingResult{}, mapStoreError(err)
	}
	if !prefs.Complete() {
		return domain.MatchingResult{}, ErrPreferencesIncomplete
	}

	var note *string
	if description != "" {
		note = &description
	}
	pod, released, err := s.pods.RemoveMember(ctx, podID, userID, &reason, note, s.now().UTC(), s.cfg.MinMembers)
	if err != nil {
		return domain.MatchingResult{}, mapStoreError(err)
	}
	s.notifier.RematchAvailable(pod.SprintType, released)

	return s.RequestMatching(ctx, userID, pod.SprintType)
}

func (s *Service) buildSuggestions(ctx context.Context, userID string, sprintType domain.SprintType, requester domain.UserSignals, now time.Time) ([]domain.PodSuggestion, error) {
	var suggestions []domain.PodSuggestion

	candidates, err := s.pods.ListFormingPodCandidates(ctx, sprintType)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		members := make([]domain.UserSignals, 0, len(c.MemberSignals)+1)
		members = append(members, requester)
		members = append(members, c.MemberSignals...)
		suggestions = append(suggestions, domain.PodSuggestion{
			Type:   domain.SuggestionJoinPod,
			PodID:  c.Pod.ID,
			Score:  scoring.Group(members, s.cfg.Weights),
			Anchor: c.Pod.CreatedAt,
		})
	}

	entries, err := s.waitlist.ListActiveWaitlist(ctx, sprintType, now)
	if err != nil {
		return nil, err
	}
	var peers []domain.WaitlistEntry
	for _, e := range entries {
		if e.Request.UserID != userID {
			peers = append(peers, e)
		}
	}

	for _, peer := range peers {
		suggestions = append(suggestions, domain.PodSuggestion{
			Type:      domain.SuggestionNewPod,
			MemberIDs: []string{peer.Request.UserID},
			Score:     scoring.Pairwise(requester, peer.Request.Snapshot.Signals(), s.cfg.Weights),
			Anchor:    peer.Request.SubmittedAt,
		})
	}

	if group := s.groupSuggestion(requester, peers); group != nil {
		suggestions = append(suggestions, *group)
	}

	sortSuggestions(suggestions)
	if len(suggestions) > s.cfg.MaxSuggestions {
		suggestions = suggestions[:s.cfg.MaxSuggestions]
	}

	return suggestions, nil
}

// groupSuggestion greedily grows one pod proposal from the waitlist:
// starting from the requester, repeatedly pull in the waiting peer that
// keeps the group score highest. Groups below three members add nothing
// over the plain pair proposals.
func (s *Service) groupSuggestion(requester domain.UserSignals, peers []domain.WaitlistEntry) *domain.PodSuggestion {
	if len(peers) < 2 {
		return nil
	}

	pool := make([]domain.WaitlistEntry, len(peers))
	copy(pool, peers)

	group := []domain.UserSignals{requester}
	var chosen []domain.WaitlistEntry
	for len(group) < s.cfg.MaxMembers && len(pool) > 0 {
		bestIdx := -1
		bestOverall := -1.0
		for i, cand := range pool {
			trial := make([]domain.UserSignals, len(group)+1)
			copy(trial, group)
			trial[len(group)] = cand.Request.Snapshot.Signals()
			if overall := scoring.Group(trial, s.cfg.Weights).Overall; overall > bestOverall {
				bestIdx, bestOverall = i, overall
			}
		}
		group = append(group, pool[bestIdx].Request.Snapshot.Signals())
		chosen = append(chosen, pool[bestIdx])
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}

	if len(chosen) < 2 {
		return nil
	}

	memberIDs := make([]string, 0, len(chosen))
	anchor := chosen[0].Request.SubmittedAt
	for _, c := range chosen {
		memberIDs = append(memberIDs, c.Request.UserID)
		if c.Request.SubmittedAt.Before(anchor) {
			anchor = c.Request.SubmittedAt
		}
	}
	sort.Strings(memberIDs)

	return &domain.PodSuggestion{
		Type:      domain.SuggestionNewPod,
		MemberIDs: memberIDs,
		Score:     scoring.Group(group, s.cfg.Weights),
		Anchor:    anchor,
	}
}

func (s *Service) joinPod(ctx context.Context, userID string, sprintType domain.SprintType, podID string, prefs domain.Preferences) (domain.Pod, error) {
	pod, err := s.pods.GetPod(ctx, podID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	if pod.SprintType != sprintType {
		return domain.Pod{}, fmt.Errorf("%w: pod runs a %s sprint", ErrInvalidAcceptance, pod.SprintType)
	}

	activeIDs := make([]string, 0, len(pod.Members))
	for _, m := range pod.Members {
		if m.Status == domain.MembershipActive {
			activeIDs = append(activeIDs, m.UserID)
		}
	}
	memberPrefs, err := s.users.ListPreferences(ctx, activeIDs)
	if err != nil {
		return domain.Pod{}, err
	}
	signals := make([]domain.UserSignals, 0, len(activeIDs))
	for _, id := range activeIDs {
		p, ok := memberPrefs[id]
		if !ok {
			return domain.Pod{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		signals = append(signals, p.Signals())
	}

	membership := domain.PodMembership{
		PodID:      podID,
		UserID:     userID,
		SprintType: sprintType,
		Role:       domain.RoleMember,
		Status:     domain.MembershipActive,
		JoinedAt:   s.now().UTC(),
		MatchScore: scoring.PairwiseMin(prefs.Signals(), signals, s.cfg.Weights),
	}
	if _, err := s.pods.AddMember(ctx, membership, s.cfg.Weights, s.cfg.ActivateMin); err != nil {
		return domain.Pod{}, mapStoreError(err)
	}

	updated, err := s.pods.GetPod(ctx, podID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	s.notifier.MemberJoined(updated, userID)

	return updated, nil
}

func (s *Service) createPod(ctx context.Context, userID string, sprintType domain.SprintType, memberIDs []string, prefs domain.Preferences) (domain.Pod, error) {
	peerIDs := dedupe(memberIDs, userID)
	total := len(peerIDs) + 1
	if total < s.cfg.MinMembers || total > s.cfg.MaxMembers {
		return domain.Pod{}, fmt.Errorf("%w: a pod holds %d to %d members", ErrInvalidMemberCount, s.cfg.MinMembers, s.cfg.MaxMembers)
	}

	peerPrefs, err := s.users.ListPreferences(ctx, peerIDs)
	if err != nil {
		return domain.Pod{}, err
	}

	ids := make([]string, 0, total)
	signals := make([]domain.UserSignals, 0, total)
	ids = append(ids, userID)
	signals = append(signals, prefs.Signals())
	for _, id := range peerIDs {
		p, ok := peerPrefs[id]
		if !ok {
			return domain.Pod{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		if !p.Complete() {
			return domain.Pod{}, fmt.Errorf("%w: %s", ErrPreferencesIncomplete, id)
		}
		ids = append(ids, id)
		signals = append(signals, p.Signals())
	}

	now := s.now().UTC()
	pod := domain.Pod{
		ID:          s.newID(),
		SprintType:  sprintType,
		Status:      domain.PodStatusForming,
		MaxMembers:  s.cfg.MaxMembers,
		MemberCount: total,
		Score:       scoring.Group(signals, s.cfg.Weights),
		CreatedAt:   now,
	}
	if total >= s.cfg.ActivateMin {
		pod.Status = domain.PodStatusActive
		activatedAt := now
		pod.ActivatedAt = &activatedAt
	}

	for i, id := range ids {
		others := make([]domain.UserSignals, 0, total-1)
		others = append(others, signals[:i]...)
		others = append(others, signals[i+1:]...)

		role := domain.RoleMember
		if id == userID {
			role = domain.RoleFacilitator
		}
		pod.Members = append(pod.Members, domain.PodMembership{
			PodID:      pod.ID,
			UserID:     id,
			SprintType: sprintType,
			Role:       role,
			Status:     domain.MembershipActive,
			JoinedAt:   now,
			MatchScore: scoring.PairwiseMin(signals[i], others, s.cfg.Weights),
		})
	}

	if err := s.pods.CreatePod(ctx, pod); err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	s.notifier.PodFormed(pod)

	created, err := s.pods.GetPod(ctx, pod.ID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}

	return created, nil
}

func sortSuggestions(suggestions []domain.PodSuggestion) {
	sort.Slice(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.Score.Overall != b.Score.Overall {
			return a.Score.Overall > b.Score.Overall
		}
		if !a.Anchor.Equal(b.Anchor) {
			return a.Anchor.Before(b.Anchor)
		}
		return suggestionKey(a) < suggestionKey(b)
	})
}

func suggestionKey(s domain.PodSuggestion) string {
	if s.PodID != "" {
		return "pod:" + s.PodID
	}
	return "new:" + strings.Join(s.MemberIDs, ",")
}

func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
