package service

import (
	"context"
	"time"

	"github.com/podsprint/matching-service/internal/domain"
	"github.com/podsprint/matching-service/internal/scoring"
)

// PodStore persists pods and their memberships. Mutating operations are
// transactional and enforce the capacity and one-open-pod invariants;
// the distinct sentinel errors they return encode which invariant lost.
type PodStore interface {
	CreatePod(ctx context.Context, pod domain.Pod) error
	AddMember(ctx context.Context, m domain.PodMembership, w scoring.Weights, activateMin int) (domain.Pod, error)
	RemoveMember(ctx context.Context, podID, userID string, reason *domain.RematchReason, note *string, leftAt time.Time, minMembers int) (domain.Pod, []string, error)
	SetPodCompleted(ctx context.Context, podID, userID string, completedAt time.Time) (domain.Pod, error)
	GetPod(ctx context.Context, podID string) (domain.Pod, error)
	ListFormingPods(ctx context.Context, sprintType domain.SprintType) ([]domain.Pod, error)
	ListFormingPodCandidates(ctx context.Context, sprintType domain.SprintType) ([]domain.PodCandidate, error)
	ListUserPods(ctx context.Context, userID string, sprintType *domain.SprintType) ([]domain.Pod, error)
	HasOpenPod(ctx context.Context, userID string, sprintType domain.SprintType) (bool, error)
}

// WaitlistStore keeps matching requests that found no compatible pod.
type WaitlistStore interface {
	AddWaitlistEntry(ctx context.Context, entry domain.WaitlistEntry) error
	ListActiveWaitlist(ctx context.Context, sprintType domain.SprintType, asOf time.Time) ([]domain.WaitlistEntry, error)
}

// UserDirectory reads and writes user matching profiles. Account
// creation belongs to the web application; this service only sees users
// that already exist.
type UserDirectory interface {
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	ListPreferences(ctx context.Context, userIDs []string) (map[string]domain.Preferences, error)
	UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences, updatedAt time.Time) (domain.Preferences, error)
	GetSession(ctx context.Context, token string, asOf time.Time) (domain.Session, error)
}

// Notifier fans matching lifecycle events out to users. Implementations
// must not block the caller.
type Notifier interface {
	PodFormed(pod domain.Pod)
	MemberJoined(pod domain.Pod, joinedUserID string)
	PodCompleted(pod domain.Pod)
	RematchAvailable(sprintType domain.SprintType, userIDs []string)
}
