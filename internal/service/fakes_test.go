package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podsprint/matching-service/internal/domain"
	"github.com/podsprint/matching-service/internal/repository"
	"github.com/podsprint/matching-service/internal/scoring"
)

var testTime = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeNotifier) {
	t.Helper()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc := New(store, store, store, notifier, Config{
		Weights:        scoring.DefaultWeights(),
		WaitlistTTL:    24 * time.Hour,
		MaxSuggestions: 3,
		MaxMembers:     4,
		MinMembers:     2,
		ActivateMin:    4,
	})
	svc.now = func() time.Time { return testTime }

	var seq int64
	svc.newID = func() string { return fmt.Sprintf("pod-%04d", atomic.AddInt64(&seq, 1)) }

	return svc, store, notifier
}

func window(weekday, startMinute, duration int) domain.AvailabilityWindow {
	return domain.AvailabilityWindow{
		Weekday:         weekday,
		StartMinute:     startMinute,
		DurationMinutes: duration,
	}
}

// fakeStore is an in-memory stand-in for the repository. It returns the
// same sentinel errors and serializes everything on one mutex, matching
// the isolation the real transactions provide.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]domain.Preferences
	sessions map[string]domain.Session
	pods     map[string]*domain.Pod
	waitlist map[string]domain.WaitlistEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]domain.Preferences),
		sessions: make(map[string]domain.Session),
		pods:     make(map[string]*domain.Pod),
		waitlist: make(map[string]domain.WaitlistEntry),
	}
}

func waitlistKey(userID string, sprintType domain.SprintType) string {
	return userID + "|" + string(sprintType)
}

func (f *fakeStore) addUser(id string, offsetMinutes int, exp domain.ExperienceLevel, style domain.CollaborationStyle, windows ...domain.AvailabilityWindow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = domain.Preferences{
		Timezone:         "UTC",
		UTCOffsetMinutes: offsetMinutes,
		Experience:       exp,
		Style:            style,
		Windows:          windows,
	}
}

func (f *fakeStore) addIncompleteUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = domain.Preferences{Timezone: "UTC"}
}

func (f *fakeStore) addSession(token, userID string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[token] = domain.Session{Token: token, UserID: userID, ExpiresAt: expiresAt}
}

func (f *fakeStore) addWaitlistEntry(userID string, sprintType domain.SprintType, submittedAt, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitlist[waitlistKey(userID, sprintType)] = domain.WaitlistEntry{
		Request: domain.MatchingRequest{
			UserID:      userID,
			SprintType:  sprintType,
			Snapshot:    domain.NewPreferencesSnapshot(f.users[userID]),
			SubmittedAt: submittedAt,
		},
		ExpiresAt: expiresAt,
	}
}

// seedPod stores a pod whose members joined a minute apart, the first
// one as facilitator, with a perfect stored score.
func (f *fakeStore) seedPod(id string, sprintType domain.SprintType, status domain.PodStatus, maxMembers int, memberIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pod := &domain.Pod{
		ID:          id,
		SprintType:  sprintType,
		Status:      status,
		MaxMembers:  maxMembers,
		MemberCount: len(memberIDs),
		Score: domain.CompatibilityScore{
			Overall: 1, TimezoneMatch: 1, ExperienceLevel: 1, CollaborationStyle: 1, AvailabilityOverlap: 1,
		},
		CreatedAt: testTime.Add(-time.Hour),
	}
	for i, userID := range memberIDs {
		role := domain.RoleMember
		if i == 0 {
			role = domain.RoleFacilitator
		}
		pod.Members = append(pod.Members, domain.PodMembership{
			PodID:      id,
			UserID:     userID,
			SprintType: sprintType,
			Role:       role,
			Status:     domain.MembershipActive,
			JoinedAt:   pod.CreatedAt.Add(time.Duration(i) * time.Minute),
			MatchScore: pod.Score,
		})
	}
	f.pods[id] = pod
}

func (f *fakeStore) pod(t *testing.T, id string) domain.Pod {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[id]
	if !ok {
		t.Fatalf("pod %s not in store", id)
	}
	return clonePod(*pod)
}

func (f *fakeStore) waitlisted(userID string, sprintType domain.SprintType) (domain.WaitlistEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.waitlist[waitlistKey(userID, sprintType)]
	return entry, ok
}

func (f *fakeStore) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefs, ok := f.users[userID]
	if !ok {
		return domain.Preferences{}, repository.ErrUserNotFound
	}
	return prefs, nil
}

func (f *fakeStore) ListPreferences(ctx context.Context, userIDs []string) (map[string]domain.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Preferences, len(userIDs))
	for _, id := range userIDs {
		if prefs, ok := f.users[id]; ok {
			out[id] = prefs
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences, updatedAt time.Time) (domain.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return domain.Preferences{}, repository.ErrUserNotFound
	}
	f.users[userID] = prefs
	return prefs, nil
}

func (f *fakeStore) GetSession(ctx context.Context, token string, asOf time.Time) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[token]
	if !ok || !session.ExpiresAt.After(asOf) {
		return domain.Session{}, repository.ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeStore) CreatePod(ctx context.Context, pod domain.Pod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range pod.Members {
		if _, ok := f.users[m.UserID]; !ok {
			return fmt.Errorf("%w: %s", repository.ErrUserNotFound, m.UserID)
		}
		if f.hasOpenPodLocked(m.UserID, pod.SprintType) {
			return fmt.Errorf("%w: %s", repository.ErrAlreadyInPod, m.UserID)
		}
	}

	stored := clonePod(pod)
	f.pods[pod.ID] = &stored
	for _, m := range pod.Members {
		delete(f.waitlist, waitlistKey(m.UserID, pod.SprintType))
	}
	return nil
}

func (f *fakeStore) AddMember(ctx context.Context, m domain.PodMembership, w scoring.Weights, activateMin int) (domain.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[m.UserID]; !ok {
		return domain.Pod{}, fmt.Errorf("%w: %s", repository.ErrUserNotFound, m.UserID)
	}
	if f.hasOpenPodLocked(m.UserID, m.SprintType) {
		return domain.Pod{}, fmt.Errorf("%w: %s", repository.ErrAlreadyInPod, m.UserID)
	}

	pod, ok := f.pods[m.PodID]
	if !ok {
		return domain.Pod{}, repository.ErrPodNotFound
	}
	switch {
	case pod.Status == domain.PodStatusActive:
		return domain.Pod{}, repository.ErrPodNotJoinable
	case pod.Status == domain.PodStatusCompleted || pod.Status == domain.PodStatusDisbanded:
		return domain.Pod{}, repository.ErrPodClosed
	case pod.MemberCount >= pod.MaxMembers:
		return domain.Pod{}, repository.ErrPodFull
	}

	pod.MemberCount++
	pod.Score = scoring.MergeMin(pod.Score, m.MatchScore, w)
	pod.Members = append(pod.Members, m)
	if pod.MemberCount >= activateMin {
		pod.Status = domain.PodStatusActive
		activatedAt := m.JoinedAt
		pod.ActivatedAt = &activatedAt
	}
	delete(f.waitlist, waitlistKey(m.UserID, m.SprintType))

	return clonePod(*pod), nil
}

func (f *fakeStore) RemoveMember(ctx context.Context, podID, userID string, reason *domain.RematchReason, note *string, leftAt time.Time, minMembers int) (domain.Pod, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pod, ok := f.pods[podID]
	if !ok {
		return domain.Pod{}, nil, repository.ErrPodNotFound
	}
	if !pod.Status.Open() {
		return domain.Pod{}, nil, repository.ErrPodClosed
	}

	idx := -1
	for i, m := range pod.Members {
		if m.UserID == userID && m.Status == domain.MembershipActive {
			idx = i
			break
		}
	}
	if idx == -1 {
		return domain.Pod{}, nil, repository.ErrNotPodMember
	}

	leaver := &pod.Members[idx]
	wasFacilitator := leaver.Role == domain.RoleFacilitator
	leaver.Status = domain.MembershipLeft
	left := leftAt
	leaver.LeftAt = &left
	leaver.LeaveReason = reason
	leaver.LeaveNote = note

	var released []string
	remaining := pod.MemberCount - 1
	if remaining < minMembers {
		for i := range pod.Members {
			if pod.Members[i].Status != domain.MembershipActive {
				continue
			}
			pod.Members[i].Status = domain.MembershipRemoved
			t := leftAt
			pod.Members[i].LeftAt = &t
			released = append(released, pod.Members[i].UserID)
		}
		pod.Status = domain.PodStatusDisbanded
		pod.MemberCount = 0
		disbandedAt := leftAt
		pod.DisbandedAt = &disbandedAt
		return clonePod(*pod), released, nil
	}

	pod.MemberCount = remaining
	if wasFacilitator {
		bestIdx := -1
		for i, m := range pod.Members {
			if m.Status != domain.MembershipActive {
				continue
			}
			if bestIdx == -1 || m.JoinedAt.Before(pod.Members[bestIdx].JoinedAt) {
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			pod.Members[bestIdx].Role = domain.RoleFacilitator
		}
	}

	return clonePod(*pod), nil, nil
}

func (f *fakeStore) SetPodCompleted(ctx context.Context, podID, userID string, completedAt time.Time) (domain.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pod, ok := f.pods[podID]
	if !ok {
		return domain.Pod{}, repository.ErrPodNotFound
	}

	isMember := false
	for _, m := range pod.Members {
		if m.UserID == userID && m.Status == domain.MembershipActive {
			isMember = true
			break
		}
	}
	if !isMember {
		return domain.Pod{}, repository.ErrNotPodMember
	}

	switch pod.Status {
	case domain.PodStatusForming:
		return domain.Pod{}, repository.ErrPodNotActive
	case domain.PodStatusCompleted, domain.PodStatusDisbanded:
		return domain.Pod{}, repository.ErrPodClosed
	}

	pod.Status = domain.PodStatusCompleted
	done := completedAt
	pod.CompletedAt = &done

	return clonePod(*pod), nil
}

func (f *fakeStore) GetPod(ctx context.Context, podID string) (domain.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[podID]
	if !ok {
		return domain.Pod{}, repository.ErrPodNotFound
	}
	return clonePod(*pod), nil
}

func (f *fakeStore) ListFormingPods(ctx context.Context, sprintType domain.SprintType) ([]domain.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formingPodsLocked(sprintType), nil
}

func (f *fakeStore) ListFormingPodCandidates(ctx context.Context, sprintType domain.SprintType) ([]domain.PodCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []domain.PodCandidate
	for _, pod := range f.formingPodsLocked(sprintType) {
		var signals []domain.UserSignals
		for _, m := range pod.Members {
			if m.Status != domain.MembershipActive {
				continue
			}
			signals = append(signals, f.users[m.UserID].Signals())
		}
		candidates = append(candidates, domain.PodCandidate{Pod: pod, MemberSignals: signals})
	}
	return candidates, nil
}

func (f *fakeStore) ListUserPods(ctx context.Context, userID string, sprintType *domain.SprintType) ([]domain.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pods []domain.Pod
	for _, pod := range f.pods {
		if sprintType != nil && pod.SprintType != *sprintType {
			continue
		}
		for _, m := range pod.Members {
			if m.UserID == userID {
				pods = append(pods, clonePod(*pod))
				break
			}
		}
	}
	return pods, nil
}

func (f *fakeStore) HasOpenPod(ctx context.Context, userID string, sprintType domain.SprintType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasOpenPodLocked(userID, sprintType), nil
}

func (f *fakeStore) AddWaitlistEntry(ctx context.Context, entry domain.WaitlistEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitlist[waitlistKey(entry.Request.UserID, entry.Request.SprintType)] = entry
	return nil
}

func (f *fakeStore) ListActiveWaitlist(ctx context.Context, sprintType domain.SprintType, asOf time.Time) ([]domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []domain.WaitlistEntry
	for _, e := range f.waitlist {
		if e.Request.SprintType == sprintType && e.ExpiresAt.After(asOf) {
			entries = append(entries, e)
		}
	}
	sortWaitlist(entries)
	return entries, nil
}

func (f *fakeStore) hasOpenPodLocked(userID string, sprintType domain.SprintType) bool {
	for _, pod := range f.pods {
		if pod.SprintType != sprintType || !pod.Status.Open() {
			continue
		}
		for _, m := range pod.Members {
			if m.UserID == userID && m.Status == domain.MembershipActive {
				return true
			}
		}
	}
	return false
}

func (f *fakeStore) formingPodsLocked(sprintType domain.SprintType) []domain.Pod {
	var pods []domain.Pod
	for _, pod := range f.pods {
		if pod.SprintType == sprintType && pod.Status == domain.PodStatusForming && pod.MemberCount < pod.MaxMembers {
			pods = append(pods, clonePod(*pod))
		}
	}
	return pods
}

func sortWaitlist(entries []domain.WaitlistEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Request, entries[j].Request
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.UserID < b.UserID
	})
}

func clonePod(p domain.Pod) domain.Pod {
	out := p
	out.Members = append([]domain.PodMembership(nil), p.Members...)
	return out
}

type fakeNotifier struct {
	mu        sync.Mutex
	formed    []string
	joined    []string
	completed []string
	rematched [][]string
}

func (n *fakeNotifier) PodFormed(pod domain.Pod) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.formed = append(n.formed, pod.ID)
}

func (n *fakeNotifier) MemberJoined(pod domain.Pod, joinedUserID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, pod.ID+":"+joinedUserID)
}

func (n *fakeNotifier) PodCompleted(pod domain.Pod) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, pod.ID)
}

func (n *fakeNotifier) RematchAvailable(sprintType domain.SprintType, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rematched = append(n.rematched, userIDs)
}
