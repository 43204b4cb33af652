package engine

// ItemError is one per-item failure recorded during a phase. Phases keep
// going after these; only phase-level failures abort a run.
type ItemError struct {
	Phase      string `json:"phase"`
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

// Report carries the counters of one run. It is snapshotted into every
// progress update and persisted on the job row when the run finishes.
type Report struct {
	UsersCreated   int `json:"users_created"`
	UsersUpdated   int `json:"users_updated"`
	UsersSuspended int `json:"users_suspended"`
	UsersSkipped   int `json:"users_skipped"`
	UsersErrors    int `json:"users_errors"`

	TeachersDetected       int `json:"teachers_detected"`
	CoursecreatorsAssigned int `json:"coursecreators_assigned"`

	CoursesCreated  int `json:"courses_created"`
	CoursesUpdated  int `json:"courses_updated"`
	CoursesSkipped  int `json:"courses_skipped"`
	CoursesErrors   int `json:"courses_errors"`
	GroupsUnmatched int `json:"groups_unmatched"`

	CategoriesCreated int `json:"categories_created"`

	EnrolmentsCreated int `json:"enrollments_created"`
	EnrolmentsUpdated int `json:"enrollments_updated"`
	EnrolmentsRemoved int `json:"enrollments_removed"`
	EnrolmentsSkipped int `json:"enrollments_skipped"`
	EnrolmentsErrors  int `json:"enrollments_errors"`

	Errors   []ItemError `json:"errors,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

func (r *Report) TotalCreated() int {
	return r.UsersCreated + r.CoursesCreated + r.CategoriesCreated + r.EnrolmentsCreated
}

func (r *Report) TotalUpdated() int {
	return r.UsersUpdated + r.CoursesUpdated + r.EnrolmentsUpdated
}

func (r *Report) TotalDeleted() int {
	return r.UsersSuspended + r.EnrolmentsRemoved
}

func (r *Report) ErrorCount() int {
	return r.UsersErrors + r.CoursesErrors + r.EnrolmentsErrors
}
