// Package scoring computes weighted compatibility scores between users
// and candidate pods. All sub-scores live in [0,1]; the overall score is
// a weighted combination of the four sub-dimensions, and group scores are
// element-wise minimums over all pairs so a single incompatible member is
// never masked by an average.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/podsprint/matching-service/internal/domain"
)

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay

	// timezoneFloor is the lowest timezone sub-score: the decay over
	// wall-clock distance bottoms out here instead of reaching zero.
	timezoneFloor = 0.1

	// experienceStep is the penalty per step of ordinal distance on the
	// beginner..advanced scale: 1.0, 0.6, 0.2.
	experienceStep = 0.4

	// styleMismatch is the score for any two differing collaboration
	// styles. Styles are categorical, so all mismatches score the same.
	styleMismatch = 0.5

	weightSumTolerance = 1e-9
)

// Weights are the tunable coefficients of the overall score. They must be
// non-negative and sum to 1.
type Weights struct {
	Timezone     float64
	Experience   float64
	Style        float64
	Availability float64
}

// DefaultWeights mirror the product's priority: availability overlap and
// timezone proximity dominate.
func DefaultWeights() Weights {
	return Weights{
		Timezone:     0.30,
		Experience:   0.20,
		Style:        0.15,
		Availability: 0.35,
	}
}

func (w Weights) Validate() error {
	if w.Timezone < 0 || w.Experience < 0 || w.Style < 0 || w.Availability < 0 {
		return fmt.Errorf("scoring weights must be non-negative: %+v", w)
	}
	sum := w.Timezone + w.Experience + w.Style + w.Availability
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("scoring weights must sum to 1, got %v", sum)
	}
	return nil
}

// Combine folds sub-scores into the weighted overall value.
func (w Weights) Combine(s domain.CompatibilityScore) float64 {
	return w.Timezone*s.TimezoneMatch +
		w.Experience*s.ExperienceLevel +
		w.Style*s.CollaborationStyle +
		w.Availability*s.AvailabilityOverlap
}

// Pairwise scores two users against each other. It is symmetric:
// Pairwise(a, b) == Pairwise(b, a).
func Pairwise(a, b domain.UserSignals, w Weights) domain.CompatibilityScore {
	s := domain.CompatibilityScore{
		TimezoneMatch:       timezoneScore(a.UTCOffsetMinutes, b.UTCOffsetMinutes),
		ExperienceLevel:     experienceScore(a.Experience, b.Experience),
		CollaborationStyle:  styleScore(a.Style, b.Style),
		AvailabilityOverlap: availabilityScore(a, b),
	}
	s.Overall = w.Combine(s)
	return s
}

// Group scores a candidate pod of two or more members. Each sub-dimension
// is the minimum of that dimension across all unordered pairs; the overall
// value is recomputed from those minimums. Fewer than two members scores
// perfect (there is no pairing to violate).
func Group(members []domain.UserSignals, w Weights) domain.CompatibilityScore {
	if len(members) < 2 {
		return perfect(w)
	}

	s := domain.CompatibilityScore{
		TimezoneMatch:       1,
		ExperienceLevel:     1,
		CollaborationStyle:  1,
		AvailabilityOverlap: 1,
	}
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			pair := Pairwise(members[i], members[j], w)
			s.TimezoneMatch = math.Min(s.TimezoneMatch, pair.TimezoneMatch)
			s.ExperienceLevel = math.Min(s.ExperienceLevel, pair.ExperienceLevel)
			s.CollaborationStyle = math.Min(s.CollaborationStyle, pair.CollaborationStyle)
			s.AvailabilityOverlap = math.Min(s.AvailabilityOverlap, pair.AvailabilityOverlap)
		}
	}
	s.Overall = w.Combine(s)
	return s
}

// PairwiseMin scores one user against each of the others and keeps the
// worst value per dimension. It is the new member's contribution to a
// pod score: how they fit the weakest link in the existing group.
func PairwiseMin(a domain.UserSignals, others []domain.UserSignals, w Weights) domain.CompatibilityScore {
	if len(others) == 0 {
		return perfect(w)
	}

	s := domain.CompatibilityScore{
		TimezoneMatch:       1,
		ExperienceLevel:     1,
		CollaborationStyle:  1,
		AvailabilityOverlap: 1,
	}
	for _, other := range others {
		pair := Pairwise(a, other, w)
		s.TimezoneMatch = math.Min(s.TimezoneMatch, pair.TimezoneMatch)
		s.ExperienceLevel = math.Min(s.ExperienceLevel, pair.ExperienceLevel)
		s.CollaborationStyle = math.Min(s.CollaborationStyle, pair.CollaborationStyle)
		s.AvailabilityOverlap = math.Min(s.AvailabilityOverlap, pair.AvailabilityOverlap)
	}
	s.Overall = w.Combine(s)
	return s
}

// MergeMin folds a new member's signals-vs-group score into a stored pod
// score: element-wise minimum with the overall recomputed.
func MergeMin(stored, incoming domain.CompatibilityScore, w Weights) domain.CompatibilityScore {
	s := domain.CompatibilityScore{
		TimezoneMatch:       math.Min(stored.TimezoneMatch, incoming.TimezoneMatch),
		ExperienceLevel:     math.Min(stored.ExperienceLevel, incoming.ExperienceLevel),
		CollaborationStyle:  math.Min(stored.CollaborationStyle, incoming.CollaborationStyle),
		AvailabilityOverlap: math.Min(stored.AvailabilityOverlap, incoming.AvailabilityOverlap),
	}
	s.Overall = w.Combine(s)
	return s
}

func perfect(w Weights) domain.CompatibilityScore {
	s := domain.CompatibilityScore{
		TimezoneMatch:       1,
		ExperienceLevel:     1,
		CollaborationStyle:  1,
		AvailabilityOverlap: 1,
	}
	s.Overall = w.Combine(s)
	return s
}

// timezoneScore decays linearly with the wall-clock distance between two
// UTC offsets. Distance is circular on the 24h clock, so UTC+13 and
// UTC-11 are identical rather than a day apart.
func timezoneScore(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	d %= minutesPerDay
	if d > minutesPerDay/2 {
		d = minutesPerDay - d
	}
	score := 1 - float64(d)/float64(minutesPerDay/2)
	if score < timezoneFloor {
		return timezoneFloor
	}
	return score
}

func experienceScore(a, b domain.ExperienceLevel) float64 {
	d := a.Ordinal() - b.Ordinal()
	if d < 0 {
		d = -d
	}
	return 1 - experienceStep*float64(d)
}

func styleScore(a, b domain.CollaborationStyle) float64 {
	if a == b {
		return 1
	}
	return styleMismatch
}

// availabilityScore is the fraction of the smaller party's weekly minutes
// covered by the shared window, after converting both schedules to UTC.
// A side with no declared windows does not constrain the pairing.
func availabilityScore(a, b domain.UserSignals) float64 {
	ia := utcIntervals(a)
	ib := utcIntervals(b)

	ta := totalMinutes(ia)
	tb := totalMinutes(ib)
	if ta == 0 || tb == 0 {
		return 1
	}

	denom := ta
	if tb < denom {
		denom = tb
	}
	score := float64(overlapMinutes(ia, ib)) / float64(denom)
	if score > 1 {
		return 1
	}
	return score
}

// interval is a half-open [start, end) minute range on the UTC week,
// 0 = Sunday 00:00 UTC.
type interval struct {
	start int
	end   int
}

// utcIntervals converts a user's local weekly windows to merged UTC
// intervals. Windows crossing the week boundary are split in two.
func utcIntervals(s domain.UserSignals) []interval {
	ivs := make([]interval, 0, len(s.Windows))
	for _, w := range s.Windows {
		dur := w.DurationMinutes
		if dur <= 0 {
			continue
		}
		if dur > minutesPerWeek {
			dur = minutesPerWeek
		}

		start := w.Weekday*minutesPerDay + w.StartMinute - s.UTCOffsetMinutes
		start = ((start % minutesPerWeek) + minutesPerWeek) % minutesPerWeek

		end := start + dur
		if end <= minutesPerWeek {
			ivs = append(ivs, interval{start: start, end: end})
		} else {
			ivs = append(ivs,
				interval{start: start, end: minutesPerWeek},
				interval{start: 0, end: end - minutesPerWeek},
			)
		}
	}
	return mergeIntervals(ivs)
}

func mergeIntervals(ivs []interval) []interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start < ivs[j].start })

	merged := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.start <= last.end {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

func totalMinutes(ivs []interval) int {
	total := 0
	for _, iv := range ivs {
		total += iv.end - iv.start
	}
	return total
}

// overlapMinutes walks two sorted, merged interval sets in step.
func overlapMinutes(a, b []interval) int {
	var total, i, j int
	for i < len(a) && j < len(b) {
		lo := a[i].start
		if b[j].start > lo {
			lo = b[j].start
		}
		hi := a[i].end
		if b[j].end < hi {
			hi = b[j].end
		}
		if hi > lo {
			total += hi - lo
		}
		if a[i].end < b[j].end {
			i++
		} else {
			j++
		}
	}
	return total
}
