package service

import (
	"context"
	"fmt"
	"time"

	"github.com/podsprint/matching-service/internal/domain"
)

func (s *Service) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	prefs, err := s.users.GetPreferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, mapStoreError(err)
	}

	return prefs, nil
}

// UpdatePreferences replaces the user's matching profile. The UTC offset
// is resolved from the IANA zone at update time; users in zones with
// daylight saving get the offset currently in force.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) (domain.Preferences, error) {
	if prefs.Timezone == "" {
		return domain.Preferences{}, fmt.Errorf("%w: timezone is required", ErrInvalidPreferences)
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidPreferences, prefs.Timezone)
	}
	_, offsetSeconds := s.now().In(loc).Zone()
	prefs.UTCOffsetMinutes = offsetSeconds / 60

	if !prefs.Experience.Valid() {
		return domain.Preferences{}, fmt.Errorf("%w: unknown experience level %q", ErrInvalidPreferences, prefs.Experience)
	}
	if !prefs.Style.Valid() {
		return domain.Preferences{}, fmt.Errorf("%w: unknown collaboration style %q", ErrInvalidPreferences, prefs.Style)
	}
	if len(prefs.Windows) == 0 {
		return domain.Preferences{}, fmt.Errorf("%w: at least one availability window is required", ErrInvalidPreferences)
	}
	for _, w := range prefs.Windows {
		if err := validateWindow(w); err != nil {
			return domain.Preferences{}, err
		}
	}

	stored, err := s.users.UpdatePreferences(ctx, userID, prefs, s.now().UTC())
	if err != nil {
		return domain.Preferences{}, mapStoreError(err)
	}

	return stored, nil
}

func validateWindow(w domain.AvailabilityWindow) error {
	if w.Weekday < 0 || w.Weekday > 6 {
		return fmt.Errorf("%w: weekday must be between 0 and 6", ErrInvalidPreferences)
	}
	if w.StartMinute < 0 || w.StartMinute > 1439 {
		return fmt.Errorf("%w: startMinute must be between 0 and 1439", ErrInvalidPreferences)
	}
	if w.DurationMinutes <= 0 || w.DurationMinutes > 1440 {
		return fmt.Errorf("%w: durationMinutes must be between 1 and 1440", ErrInvalidPreferences)
	}
	return nil
}
