package service

import (
	"context"
	"fmt"

	"github.com/podsprint/matching-service/internal/domain"
)

// ListPods returns either the joinable forming pods for a sprint type
// (open discovery) or the caller's own pods across their history.
func (s *Service) ListPods(ctx context.Context, userID string, sprintType *domain.SprintType, formingOnly bool) ([]domain.Pod, error) {
	if sprintType != nil && !sprintType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSprintType, *sprintType)
	}
	if formingOnly {
		if sprintType == nil {
			return nil, fmt.Errorf("%w: sprintType is required when listing forming pods", ErrInvalidSprintType)
		}
		return s.pods.ListFormingPods(ctx, *sprintType)
	}

	return s.pods.ListUserPods(ctx, userID, sprintType)
}

// GetPod returns pod details to its members, past or present.
func (s *Service) GetPod(ctx context.Context, userID, podID string) (domain.Pod, error) {
	pod, err := s.pods.GetPod(ctx, podID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}

	isMember := false
	for _, m := range pod.Members {
		if m.UserID == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		return domain.Pod{}, ErrNotPodMember
	}

	return pod, nil
}

// LeavePod removes the caller from an open pod. When the departure
// drops the pod below viable size the pod disbands and the remaining
// members are told a rematch is available; they are never silently
// re-queued.
func (s *Service) LeavePod(ctx context.Context, userID, podID string, reason *domain.RematchReason, note *string) (domain.Pod, error) {
	if reason != nil && !reason.Valid() {
		return domain.Pod{}, fmt.Errorf("%w: %q", ErrInvalidReason, *reason)
	}
	if note != nil && len(*note) > maxDescriptionLength {
		return domain.Pod{}, ErrInvalidDescription
	}

	pod, released, err := s.pods.RemoveMember(ctx, podID, userID, reason, note, s.now().UTC(), s.cfg.MinMembers)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	s.notifier.RematchAvailable(pod.SprintType, released)

	return pod, nil
}

// CompletePod marks an active pod's sprint as finished. Any active
// member may do it; the pod stays visible to everyone who was in it.
func (s *Service) CompletePod(ctx context.Context, userID, podID string) (domain.Pod, error) {
	pod, err := s.pods.SetPodCompleted(ctx, podID, userID, s.now().UTC())
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}
	s.notifier.PodCompleted(pod)

	updated, err := s.pods.GetPod(ctx, podID)
	if err != nil {
		return domain.Pod{}, mapStoreError(err)
	}

	return updated, nil
}
