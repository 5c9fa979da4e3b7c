package httpserver

import (
	"context"

	"github.com/podsprint/matching-service/internal/domain"
)

type Service interface {
	Authenticate(ctx context.Context, token string) (string, error)
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) (domain.Preferences, error)
	RequestMatching(ctx context.Context, userID string, sprintType domain.SprintType) (domain.MatchingResult, error)
	AcceptMatch(ctx context.Context, userID string, sprintType domain.SprintType, podID string, memberIDs []string) (domain.Pod, error)
	RequestRematch(ctx context.Context, userID, podID string, reason domain.RematchReason, description string) (domain.MatchingResult, error)
	ListPods(ctx context.Context, userID string, sprintType *domain.SprintType, formingOnly bool) ([]domain.Pod, error)
	GetPod(ctx context.Context, userID, podID string) (domain.Pod, error)
	LeavePod(ctx context.Context, userID, podID string, reason *domain.RematchReason, note *string) (domain.Pod, error)
	CompletePod(ctx context.Context, userID, podID string) (domain.Pod, error)
}
