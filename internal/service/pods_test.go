package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/podsprint/matching-service/internal/domain"
)

func TestListPodsFormingOnly(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		store.addUser(id, 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	}
	store.seedPod("pod-open", domain.SprintTypeHabit, domain.PodStatusForming, 4, "a", "b")
	store.seedPod("pod-full", domain.SprintTypeHabit, domain.PodStatusForming, 4, "c", "d", "e", "f")
	store.seedPod("pod-running", domain.SprintTypeHabit, domain.PodStatusActive, 4, "g")
	store.seedPod("pod-other", domain.SprintTypeLearning, domain.PodStatusForming, 4)

	sprintType := domain.SprintTypeHabit
	pods, err := svc.ListPods(context.Background(), "a", &sprintType, true)
	if err != nil {
		t.Fatalf("ListPods: %v", err)
	}

	if len(pods) != 1 || pods[0].ID != "pod-open" {
		t.Fatalf("pods = %v, want only pod-open: full, running and foreign-sprint pods are not joinable", podIDs(pods))
	}
}

func TestListPodsFormingRequiresSprintType(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.ListPods(context.Background(), "a", nil, true); !errors.Is(err, ErrInvalidSprintType) {
		t.Fatalf("ListPods error = %v, want %v", err, ErrInvalidSprintType)
	}
}

func TestListPodsRejectsUnknownSprintType(t *testing.T) {
	svc, _, _ := newTestService(t)

	sprintType := domain.SprintType("marathon")
	if _, err := svc.ListPods(context.Background(), "a", &sprintType, false); !errors.Is(err, ErrInvalidSprintType) {
		t.Fatalf("ListPods error = %v, want %v", err, ErrInvalidSprintType)
	}
}

func TestListPodsReturnsCallerHistory(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.addUser("bob", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.seedPod("pod-habit", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice", "bob")
	store.seedPod("pod-done", domain.SprintTypeLearning, domain.PodStatusCompleted, 4, "alice", "bob")
	store.seedPod("pod-foreign", domain.SprintTypeHabit, domain.PodStatusForming, 4, "bob")

	pods, err := svc.ListPods(context.Background(), "alice", nil, false)
	if err != nil {
		t.Fatalf("ListPods: %v", err)
	}
	got := podIDs(pods)
	if len(got) != 2 || !got["pod-habit"] || !got["pod-done"] {
		t.Fatalf("pods = %v, want alice's two pods including the completed one", got)
	}

	sprintType := domain.SprintTypeLearning
	pods, err = svc.ListPods(context.Background(), "alice", &sprintType, false)
	if err != nil {
		t.Fatalf("ListPods: %v", err)
	}
	if len(pods) != 1 || pods[0].ID != "pod-done" {
		t.Fatalf("pods = %v, want only the learning pod", podIDs(pods))
	}
}

func TestGetPodVisibleToPastMembers(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		store.addUser(id, 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	}
	store.seedPod("pod-g", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice", "bob", "carol")

	if _, err := svc.LeavePod(context.Background(), "bob", "pod-g", nil, nil); err != nil {
		t.Fatalf("LeavePod: %v", err)
	}

	pod, err := svc.GetPod(context.Background(), "bob", "pod-g")
	if err != nil {
		t.Fatalf("GetPod as past member: %v", err)
	}
	if len(pod.Members) != 3 {
		t.Fatalf("got %d member rows, want all 3 including the departed one", len(pod.Members))
	}
}

func TestGetPodHiddenFromStrangers(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.seedPod("pod-g", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice")

	if _, err := svc.GetPod(context.Background(), "mallory", "pod-g"); !errors.Is(err, ErrNotPodMember) {
		t.Fatalf("GetPod error = %v, want %v", err, ErrNotPodMember)
	}
	if _, err := svc.GetPod(context.Background(), "alice", "pod-missing"); !errors.Is(err, ErrPodNotFound) {
		t.Fatalf("GetPod error = %v, want %v", err, ErrPodNotFound)
	}
}

func TestLeavePodPromotesEarliestMember(t *testing.T) {
	svc, store, notifier := newTestService(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		store.addUser(id, 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	}
	store.seedPod("pod-p", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice", "bob", "carol")

	reason := domain.RematchScheduleConflict
	note := "evenings stopped working"
	pod, err := svc.LeavePod(context.Background(), "alice", "pod-p", &reason, &note)
	if err != nil {
		t.Fatalf("LeavePod: %v", err)
	}

	if pod.MemberCount != 2 || pod.Status != domain.PodStatusActive {
		t.Fatalf("pod = %s/%d members, want active with 2", pod.Status, pod.MemberCount)
	}
	for _, m := range pod.Members {
		switch m.UserID {
		case "alice":
			if m.Status != domain.MembershipLeft {
				t.Fatalf("alice status = %s, want left", m.Status)
			}
			if m.LeftAt == nil || !m.LeftAt.Equal(testTime) {
				t.Fatalf("alice leftAt = %v, want %v", m.LeftAt, testTime)
			}
			if m.LeaveReason == nil || *m.LeaveReason != reason {
				t.Fatalf("alice leave reason = %v, want %s", m.LeaveReason, reason)
			}
		case "bob":
			if m.Role != domain.RoleFacilitator {
				t.Fatalf("bob role = %s, want facilitator: he joined before carol", m.Role)
			}
		case "carol":
			if m.Role != domain.RoleMember {
				t.Fatalf("carol role = %s, want member", m.Role)
			}
		}
	}

	if len(notifier.rematched) != 0 {
		t.Fatalf("rematch notifications = %v, want none while the pod stays viable", notifier.rematched)
	}
}

func TestLeavePodDisbandsBelowMinimum(t *testing.T) {
	svc, store, notifier := newTestService(t)
	store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.addUser("bob", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.seedPod("pod-d", domain.SprintTypeHabit, domain.PodStatusForming, 4, "alice", "bob")

	pod, err := svc.LeavePod(context.Background(), "alice", "pod-d", nil, nil)
	if err != nil {
		t.Fatalf("LeavePod: %v", err)
	}

	if pod.Status != domain.PodStatusDisbanded || pod.MemberCount != 0 {
		t.Fatalf("pod = %s/%d members, want disbanded with 0", pod.Status, pod.MemberCount)
	}
	if pod.DisbandedAt == nil || !pod.DisbandedAt.Equal(testTime) {
		t.Fatalf("disbandedAt = %v, want %v", pod.DisbandedAt, testTime)
	}
	if len(notifier.rematched) != 1 || len(notifier.rematched[0]) != 1 || notifier.rematched[0][0] != "bob" {
		t.Fatalf("rematch notifications = %v, want bob released", notifier.rematched)
	}
	if _, ok := store.waitlisted("bob", domain.SprintTypeHabit); ok {
		t.Fatal("released members are notified, never auto-waitlisted")
	}
}

func TestLeavePodRejectsBadInput(t *testing.T) {
	badReason := domain.RematchReason("bored")
	longNote := strings.Repeat("x", maxDescriptionLength+1)

	tests := []struct {
		name    string
		setup   func(store *fakeStore)
		userID  string
		podID   string
		reason  *domain.RematchReason
		note    *string
		wantErr error
	}{
		{
			name:    "invalid reason",
			setup:   func(store *fakeStore) {},
			userID:  "alice",
			podID:   "pod-a",
			reason:  &badReason,
			wantErr: ErrInvalidReason,
		},
		{
			name:    "note too long",
			setup:   func(store *fakeStore) {},
			userID:  "alice",
			podID:   "pod-a",
			note:    &longNote,
			wantErr: ErrInvalidDescription,
		},
		{
			name:    "unknown pod",
			setup:   func(store *fakeStore) {},
			userID:  "alice",
			podID:   "pod-missing",
			wantErr: ErrPodNotFound,
		},
		{
			name: "not a member",
			setup: func(store *fakeStore) {
				store.seedPod("pod-a", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice")
			},
			userID:  "mallory",
			podID:   "pod-a",
			wantErr: ErrNotPodMember,
		},
		{
			name: "pod already closed",
			setup: func(store *fakeStore) {
				store.seedPod("pod-a", domain.SprintTypeHabit, domain.PodStatusCompleted, 4, "alice")
			},
			userID:  "alice",
			podID:   "pod-a",
			wantErr: ErrPodClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t)
			store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
			tt.setup(store)

			_, err := svc.LeavePod(context.Background(), tt.userID, tt.podID, tt.reason, tt.note)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LeavePod error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompletePod(t *testing.T) {
	svc, store, notifier := newTestService(t)
	store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.addUser("bob", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
	store.seedPod("pod-c", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice", "bob")

	pod, err := svc.CompletePod(context.Background(), "bob", "pod-c")
	if err != nil {
		t.Fatalf("CompletePod: %v", err)
	}

	if pod.Status != domain.PodStatusCompleted {
		t.Fatalf("status = %s, want completed", pod.Status)
	}
	if pod.CompletedAt == nil || !pod.CompletedAt.Equal(testTime) {
		t.Fatalf("completedAt = %v, want %v", pod.CompletedAt, testTime)
	}
	for _, m := range pod.Members {
		if m.Status != domain.MembershipActive {
			t.Fatalf("member %s status = %s, want memberships kept active for history", m.UserID, m.Status)
		}
	}
	if len(notifier.completed) != 1 || notifier.completed[0] != "pod-c" {
		t.Fatalf("completed notifications = %v, want [pod-c]", notifier.completed)
	}
}

func TestCompletePodFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(store *fakeStore)
		userID  string
		podID   string
		wantErr error
	}{
		{
			name:    "unknown pod",
			setup:   func(store *fakeStore) {},
			userID:  "alice",
			podID:   "pod-missing",
			wantErr: ErrPodNotFound,
		},
		{
			name: "not a member",
			setup: func(store *fakeStore) {
				store.seedPod("pod-a", domain.SprintTypeHabit, domain.PodStatusActive, 4, "alice")
			},
			userID:  "mallory",
			podID:   "pod-a",
			wantErr: ErrNotPodMember,
		},
		{
			name: "pod still forming",
			setup: func(store *fakeStore) {
				store.seedPod("pod-a", domain.SprintTypeHabit, domain.PodStatusForming, 4, "alice")
			},
			userID:  "alice",
			podID:   "pod-a",
			wantErr: ErrPodNotActive,
		},
		{
			name: "pod already completed",
			setup: func(store *fakeStore) {
				store.seedPod("pod-a", domain.SprintTypeHabit, domain.PodStatusCompleted, 4, "alice")
			},
			userID:  "alice",
			podID:   "pod-a",
			wantErr: ErrPodClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t)
			store.addUser("alice", 0, domain.ExperienceIntermediate, domain.StyleStructured, window(1, 540, 120))
			tt.setup(store)

			_, err := svc.CompletePod(context.Background(), tt.userID, tt.podID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CompletePod error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func podIDs(pods []domain.Pod) map[string]bool {
	ids := make(map[string]bool, len(pods))
	for _, p := range pods {
		ids[p.ID] = true
	}
	return ids
}
