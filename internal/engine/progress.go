package engine

// Phase names, in execution order.
const (
	PhaseFetchUsers       = "fetch_users"
	PhaseUserDelta        = "user_delta"
	PhaseApplyUsers       = "apply_users"
	PhaseFetchGroups      = "fetch_groups"
	PhaseCourseDelta      = "course_delta"
	PhaseApplyCourses     = "apply_courses"
	PhaseFetchMemberships = "fetch_memberships"
	PhaseEnrolDelta       = "enrol_delta"
	PhaseApplyEnrolments  = "apply_enrolments"
	PhaseComplete         = "complete"
)

// Progress is one update emitted by the engine. Percent is derived from the
// phase's fixed band plus within-phase interpolation, so it is monotonic
// across a run.
type Progress struct {
	Phase     string
	Percent   int
	Message   string
	Processed int
	Total     int
	Stats     Report
}

// ProgressSink receives updates strictly in emission order. Implementations
// must not block for long; the engine calls them inline.
type ProgressSink interface {
	Publish(p Progress)
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) Publish(Progress) {}

// Per-phase progress bands. Apply phases get the widest bands since they
// carry the writes.
var phaseBands = map[string][2]int{
	PhaseFetchUsers:       {0, 10},
	PhaseUserDelta:        {10, 15},
	PhaseApplyUsers:       {15, 35},
	PhaseFetchGroups:      {35, 40},
	PhaseCourseDelta:      {40, 45},
	PhaseApplyCourses:     {45, 60},
	PhaseFetchMemberships: {60, 70},
	PhaseEnrolDelta:       {70, 75},
	PhaseApplyEnrolments:  {75, 95},
	PhaseComplete:         {100, 100},
}

func phasePercent(phase string, processed, total int) int {
	band, ok := phaseBands[phase]
	if !ok {
		return 0
	}
	lo, hi := band[0], band[1]
	if total <= 0 || processed <= 0 {
		return lo
	}
	if processed >= total {
		return hi
	}
	return lo + (hi-lo)*processed/total
}
