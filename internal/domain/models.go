package domain

import "time"

type SprintType string

const (
	SprintTypeHabit    SprintType = "habit"
	SprintTypeLearning SprintType = "learning"
	SprintTypeProject  SprintType = "project"
)

func (s SprintType) Valid() bool {
	switch s {
	case SprintTypeHabit, SprintTypeLearning, SprintTypeProject:
		return true
	}
	return false
}

type ExperienceLevel string

const (
	ExperienceBeginner     ExperienceLevel = "beginner"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceAdvanced     ExperienceLevel = "advanced"
)

func (e ExperienceLevel) Valid() bool {
	switch e {
	case ExperienceBeginner, ExperienceIntermediate, ExperienceAdvanced:
		return true
	}
	return false
}

// Ordinal returns the position of the level on the beginner..advanced scale.
func (e ExperienceLevel) Ordinal() int {
	switch e {
	case ExperienceIntermediate:
		return 1
	case ExperienceAdvanced:
		return 2
	default:
		return 0
	}
}

type CollaborationStyle string

const (
	StyleStructured CollaborationStyle = "structured"
	StyleFlexible   CollaborationStyle = "flexible"
	StyleCasual     CollaborationStyle = "casual"
)

func (c CollaborationStyle) Valid() bool {
	switch c {
	case StyleStructured, StyleFlexible, StyleCasual:
		return true
	}
	return false
}

type PodStatus string

const (
	PodStatusForming   PodStatus = "forming"
	PodStatusActive    PodStatus = "active"
	PodStatusCompleted PodStatus = "completed"
	PodStatusDisbanded PodStatus = "disbanded"
)

// Open reports whether the pod still counts against the
// one-pod-per-sprint-type limit.
func (p PodStatus) Open() bool {
	return p == PodStatusForming || p == PodStatusActive
}

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipLeft    MembershipStatus = "left"
	MembershipRemoved MembershipStatus = "removed"
)

type MemberRole string

const (
	RoleMember      MemberRole = "member"
	RoleFacilitator MemberRole = "facilitator"
)

type RematchReason string

const (
	RematchNoShow           RematchReason = "no_show"
	RematchIncompatible     RematchReason = "incompatible"
	RematchScheduleConflict RematchReason = "schedule_conflict"
	RematchOther            RematchReason = "other"
)

func (r RematchReason) Valid() bool {
	switch r {
	case RematchNoShow, RematchIncompatible, RematchScheduleConflict, RematchOther:
		return true
	}
	return false
}

// AvailabilityWindow is a weekly recurring slot in the user's local time.
// Weekday follows time.Weekday numbering (Sunday = 0).
type AvailabilityWindow struct {
	Weekday         int `json:"weekday"`
	StartMinute     int `json:"startMinute"`
	DurationMinutes int `json:"durationMinutes"`
}

// UserSignals is the slice of a user's preferences the compatibility
// scorer consumes.
type UserSignals struct {
	UTCOffsetMinutes int
	Experience       ExperienceLevel
	Style            CollaborationStyle
	Windows          []AvailabilityWindow
}

type Preferences struct {
	Timezone         string
	UTCOffsetMinutes int
	Experience       ExperienceLevel
	Style            CollaborationStyle
	Windows          []AvailabilityWindow
}

func (p Preferences) Signals() UserSignals {
	return UserSignals{
		UTCOffsetMinutes: p.UTCOffsetMinutes,
		Experience:       p.Experience,
		Style:            p.Style,
		Windows:          p.Windows,
	}
}

// Complete reports whether the preferences carry everything matching needs.
func (p Preferences) Complete() bool {
	return p.Timezone != "" && p.Experience.Valid() && p.Style.Valid() && len(p.Windows) > 0
}

const SnapshotSchemaVersion = 1

// PreferencesSnapshot is the versioned preference document frozen into a
// waitlist entry at request time. SchemaVersion guards decoding: readers
// reject versions they do not understand instead of misreading the payload.
type PreferencesSnapshot struct {
	SchemaVersion    int                  `json:"schemaVersion"`
	Timezone         string               `json:"timezone"`
	UTCOffsetMinutes int                  `json:"utcOffsetMinutes"`
	Experience       ExperienceLevel      `json:"experienceLevel"`
	Style            CollaborationStyle   `json:"collaborationStyle"`
	Windows          []AvailabilityWindow `json:"windows"`
}

func NewPreferencesSnapshot(p Preferences) PreferencesSnapshot {
	return PreferencesSnapshot{
		SchemaVersion:    SnapshotSchemaVersion,
		Timezone:         p.Timezone,
		UTCOffsetMinutes: p.UTCOffsetMinutes,
		Experience:       p.Experience,
		Style:            p.Style,
		Windows:          p.Windows,
	}
}

func (s PreferencesSnapshot) Signals() UserSignals {
	return UserSignals{
		UTCOffsetMinutes: s.UTCOffsetMinutes,
		Experience:       s.Experience,
		Style:            s.Style,
		Windows:          s.Windows,
	}
}

type MatchingRequest struct {
	UserID      string
	SprintType  SprintType
	Snapshot    PreferencesSnapshot
	SubmittedAt time.Time
}

type WaitlistEntry struct {
	Request   MatchingRequest
	ExpiresAt time.Time
}

type CompatibilityScore struct {
	Overall             float64 `json:"overall"`
	TimezoneMatch       float64 `json:"timezoneMatch"`
	ExperienceLevel     float64 `json:"experienceLevel"`
	CollaborationStyle  float64 `json:"collaborationStyle"`
	AvailabilityOverlap float64 `json:"availabilityOverlap"`
}

type Pod struct {
	ID          string
	SprintType  SprintType
	Status      PodStatus
	MaxMembers  int
	MemberCount int
	Score       CompatibilityScore
	CreatedAt   time.Time
	ActivatedAt *time.Time
	CompletedAt *time.Time
	DisbandedAt *time.Time
	Members     []PodMembership
}

type PodMembership struct {
	PodID       string
	UserID      string
	SprintType  SprintType
	Role        MemberRole
	Status      MembershipStatus
	JoinedAt    time.Time
	LeftAt      *time.Time
	LeaveReason *RematchReason
	LeaveNote   *string
	MatchScore  CompatibilityScore
}

// PodCandidate pairs a forming pod with its active members' current
// signals so the matcher can score a requester against the group.
type PodCandidate struct {
	Pod           Pod
	MemberSignals []UserSignals
}

type SuggestionType string

const (
	SuggestionJoinPod SuggestionType = "join_pod"
	SuggestionNewPod  SuggestionType = "new_pod"
)

// PodSuggestion is one ranked matching proposal: either joining an
// existing forming pod or creating a new pod from waiting requesters.
// Anchor carries the tie-breaking timestamp (pod creation time or the
// earliest peer's waitlist submission).
type PodSuggestion struct {
	Type      SuggestionType
	PodID     string
	MemberIDs []string
	Score     CompatibilityScore
	Anchor    time.Time
}

type MatchingStatus string

const (
	MatchingStatusMatchesFound MatchingStatus = "matches_found"
	MatchingStatusWaitlisted   MatchingStatus = "waitlisted"
)

type MatchingResult struct {
	Status      MatchingStatus
	Suggestions []PodSuggestion
	ExpiresAt   *time.Time
}

type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}
