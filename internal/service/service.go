package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/podsprint/matching-service/internal/repository"
	"github.com/podsprint/matching-service/internal/scoring"
)

var (
	ErrUnauthenticated       = errors.New("session is missing or expired")
	ErrUserNotFound          = errors.New("user not found")
	ErrPodNotFound           = errors.New("pod not found")
	ErrNotPodMember          = errors.New("user is not a member of the pod")
	ErrAlreadyInPod          = errors.New("user already has an open pod for this sprint type")
	ErrPodFull               = errors.New("pod is already full")
	ErrPodNotJoinable        = errors.New("pod is not accepting new members")
	ErrPodNotActive          = errors.New("pod has not started yet")
	ErrPodClosed             = errors.New("pod is already closed")
	ErrInvalidSprintType     = errors.New("invalid sprint type")
	ErrInvalidReason         = errors.New("invalid rematch reason")
	ErrInvalidDescription    = errors.New("description is too long")
	ErrInvalidPreferences    = errors.New("invalid preferences")
	ErrPreferencesIncomplete = errors.New("preferences are incomplete")
	ErrInvalidMemberCount    = errors.New("invalid member count")
	ErrInvalidAcceptance     = errors.New("accept requires exactly one of pod or members")
)

const maxDescriptionLength = 500

type Config struct {
	Weights        scoring.Weights
	WaitlistTTL    time.Duration
	MaxSuggestions int
	MaxMembers     int
	MinMembers     int
	ActivateMin    int
}

type Service struct {
	pods     PodStore
	users    UserDirectory
	waitlist WaitlistStore
	notifier Notifier
	cfg      Config

	now   func() time.Time
	newID func() string
}

func New(pods PodStore, users UserDirectory, waitlist WaitlistStore, notifier Notifier, cfg Config) *Service {
	return &Service{
		pods:     pods,
		users:    users,
		waitlist: waitlist,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Authenticate resolves a session token to the user it belongs to.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	session, err := s.users.GetSession(ctx, token, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return "", ErrUnauthenticated
		}
		return "", err
	}

	return session.UserID, nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, repository.ErrPodNotFound):
		return ErrPodNotFound
	case errors.Is(err, repository.ErrNotPodMember):
		return ErrNotPodMember
	case errors.Is(err, repository.ErrAlreadyInPod):
		return ErrAlreadyInPod
	case errors.Is(err, repository.ErrPodFull):
		return ErrPodFull
	case errors.Is(err, repository.ErrPodNotJoinable):
		return ErrPodNotJoinable
	case errors.Is(err, repository.ErrPodNotActive):
		return ErrPodNotActive
	case errors.Is(err, repository.ErrPodClosed):
		return ErrPodClosed
	}
	return err
}
