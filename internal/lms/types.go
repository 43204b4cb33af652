// Package lms models the host learning-management side of the sync: users,
// the course category tree, courses, manual enrolments, and role
// assignments. The engine depends on the capability interfaces below; the
// SQL implementation lives in sqlstore.go and the category path resolver in
// resolver.go.
package lms

import "context"

type User struct {
	ID        int64
	Username  string // stored lowercase
	Email     string // stored lowercase
	Auth      string
	FirstName string
	LastName  string
	Suspended bool
	Deleted   bool
}

type Course struct {
	ID         int64
	IDNumber   string // stable sync key; "" means not sync-owned
	ShortName  string // unique
	FullName   string
	CategoryID int64
	Format     string
	Visible    bool
}

type Category struct {
	ID       int64
	Name     string
	ParentID int64
	Path     string // materialized id path, e.g. /3/17
}

// Enrolment is one manual enrolment together with its course-context role.
type Enrolment struct {
	CourseID int64
	UserID   int64
	Role     string
}

const (
	RoleStudent        = "student"
	RoleEditingTeacher = "editingteacher"
	RoleCourseCreator  = "coursecreator" // system-level grant for teachers

	AuthManual = "manual"
	AuthOAuth2 = "oauth2"

	FormatTopics = "topics"
)

// Usernames that must never be suspended by the sync.
var ProtectedUsernames = map[string]bool{
	"admin": true,
	"guest": true,
}

/* --------- Storage contracts --------- */

type UserStore interface {
	// ListActive returns every non-deleted user.
	ListActive(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, u User) (int64, error)
	UpdateUser(ctx context.Context, u User) error
	SuspendUser(ctx context.Context, id int64) error
	// AssignSystemRole is idempotent; assigning an already-held role is a no-op.
	AssignSystemRole(ctx context.Context, userID int64, role string) error
}

type CourseStore interface {
	CourseByIDNumber(ctx context.Context, idnumber string) (Course, bool, error)
	CourseByShortName(ctx context.Context, shortname string) (Course, bool, error)
	CreateCourse(ctx context.Context, c Course) (int64, error)
	UpdateCourse(ctx context.Context, c Course) error
	// CoursesByIDNumberPrefixes returns every course whose idnumber starts
	// with one of the given prefixes.
	CoursesByIDNumberPrefixes(ctx context.Context, prefixes []string) ([]Course, error)
}

type CategoryStore interface {
	Categories(ctx context.Context) ([]Category, error)
	CategoryByNameParent(ctx context.Context, name string, parentID int64) (Category, bool, error)
	CreateCategory(ctx context.Context, name string, parentID int64) (int64, error)
}

type EnrolmentStore interface {
	// EnsureManualInstance returns the manual enrol instance for the course,
	// creating it when absent.
	EnsureManualInstance(ctx context.Context, courseID int64) (int64, error)
	// ManualEnrolments returns every manual enrolment joined with its
	// course-context role.
	ManualEnrolments(ctx context.Context) ([]Enrolment, error)
	Enrol(ctx context.Context, courseID, userID int64, role string) error
	// UpdateEnrolRole swaps the course-context role while preserving the
	// enrolment row (timestart and friends stay untouched).
	UpdateEnrolRole(ctx context.Context, courseID, userID int64, oldRole, newRole string) error
	// Unenrol removes the user from every manual instance of the course and
	// drops their course-context roles.
	Unenrol(ctx context.Context, courseID, userID int64) error
}

// UserMapStore records IdP-id to LMS-id traceability. Optional: the engine
// tolerates a nil store.
type UserMapStore interface {
	UpsertUserMap(ctx context.Context, idpID string, lmsUserID int64, idpUsername string) error
}
