// Package notify delivers matching lifecycle notifications. The current
// implementation writes structured log events; a push or email channel
// can replace it behind the same interface.
package notify

import (
	"sync"

	"github.com/podsprint/matching-service/internal/domain"
	"go.uber.org/zap"
)

const queueSize = 64

type event struct {
	kind       string
	podID      string
	sprintType domain.SprintType
	userIDs    []string
}

// LogNotifier queues events and emits them from a single background
// worker, so callers never block on delivery.
type LogNotifier struct {
	logger *zap.Logger
	events chan event
	done   chan struct{}
	once   sync.Once
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	n := &LogNotifier{
		logger: logger,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
	go n.run()

	return n
}

// PodFormed tells every founding member their pod is ready.
func (n *LogNotifier) PodFormed(pod domain.Pod) {
	userIDs := make([]string, 0, len(pod.Members))
	for _, m := range pod.Members {
		userIDs = append(userIDs, m.UserID)
	}
	n.enqueue(event{kind: "pod_formed", podID: pod.ID, sprintType: pod.SprintType, userIDs: userIDs})
}

// MemberJoined tells the existing members someone new joined.
func (n *LogNotifier) MemberJoined(pod domain.Pod, joinedUserID string) {
	n.enqueue(event{kind: "member_joined", podID: pod.ID, sprintType: pod.SprintType, userIDs: []string{joinedUserID}})
}

// PodCompleted acknowledges the sprint finishing to its members.
func (n *LogNotifier) PodCompleted(pod domain.Pod) {
	n.enqueue(event{kind: "pod_completed", podID: pod.ID, sprintType: pod.SprintType})
}

// RematchAvailable tells users released by a disbanded pod that they can
// request a new match.
func (n *LogNotifier) RematchAvailable(sprintType domain.SprintType, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	n.enqueue(event{kind: "rematch_available", sprintType: sprintType, userIDs: userIDs})
}

// Close stops the worker after draining queued events.
func (n *LogNotifier) Close() {
	n.once.Do(func() {
		close(n.events)
		<-n.done
	})
}

func (n *LogNotifier) enqueue(ev event) {
	defer func() {
		// Enqueueing after Close is a caller bug during shutdown; drop
		// the event instead of crashing the service.
		if recover() != nil {
			n.logger.Warn("notification dropped after close", zap.String("kind", ev.kind))
		}
	}()

	select {
	case n.events <- ev:
	default:
		n.logger.Warn("notification queue full, dropping event",
			zap.String("kind", ev.kind),
			zap.String("pod_id", ev.podID),
		)
	}
}

func (n *LogNotifier) run() {
	defer close(n.done)

	for ev := range n.events {
		n.logger.Info("notification",
			zap.String("kind", ev.kind),
			zap.String("pod_id", ev.podID),
			zap.String("sprint_type", string(ev.sprintType)),
			zap.Strings("user_ids", ev.userIDs),
		)
	}
}
