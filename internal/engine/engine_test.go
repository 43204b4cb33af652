package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/klassbridge/rostersync/internal/engine"
	"github.com/klassbridge/rostersync/internal/idp"
	"github.com/klassbridge/rostersync/internal/lms"
	"github.com/klassbridge/rostersync/internal/schema"
	"github.com/klassbridge/rostersync/internal/syncerr"
)

/* ---- fake IdP ---- */

type fakeIdP struct {
	users   []idp.User
	groups  []idp.Group
	members map[string][]idp.User

	memberCalls map[string]int
}

func (f *fakeIdP) CountUsers(context.Context) (int, error) { return len(f.users), nil }

func (f *fakeIdP) ListUsers(_ context.Context, first, max int) ([]idp.User, error) {
	return pageOf(f.users, first, max), nil
}

func (f *fakeIdP) SearchUsers(_ context.Context, search string, first, max int) ([]idp.User, error) {
	var hits []idp.User
	for _, u := range f.users {
		if strings.Contains(u.Username, search) {
			hits = append(hits, u)
		}
	}
	return pageOf(hits, first, max), nil
}

func (f *fakeIdP) ListGroups(_ context.Context, first, max int) ([]idp.Group, error) {
	return pageOf(f.groups, first, max), nil
}

func (f *fakeIdP) ListGroupMembers(_ context.Context, groupID string, first, max int) ([]idp.User, error) {
	if f.memberCalls == nil {
		f.memberCalls = map[string]int{}
	}
	f.memberCalls[groupID]++
	return pageOf(f.members[groupID], first, max), nil
}

func (f *fakeIdP) GetUserGroups(context.Context, string) ([]idp.Group, error) { return nil, nil }
func (f *fakeIdP) CreateUser(context.Context, idp.User) (string, error)       { return "", nil }
func (f *fakeIdP) UpdateUser(context.Context, idp.User) error                 { return nil }
func (f *fakeIdP) AddUserToGroup(context.Context, string, string) error       { return nil }
func (f *fakeIdP) RemoveUserFromGroup(context.Context, string, string) error  { return nil }

func pageOf[T any](all []T, first, max int) []T {
	if first >= len(all) {
		return nil
	}
	end := first + max
	if end > len(all) {
		end = len(all)
	}
	return all[first:end]
}

/* ---- fake LMS store ---- */

type enrolKey struct{ courseID, userID int64 }

type roleKey struct {
	userID int64
	role   string
}

// memLMS implements every lms store contract with maps. The mutex keeps it
// usable from runner tests that poll concurrently.
type memLMS struct {
	mu       sync.Mutex
	nextID   int64
	users    []lms.User
	courses  []lms.Course
	cats     []lms.Category
	enrols   map[enrolKey]string
	sysRoles map[roleKey]bool
	userMap  map[string]int64

	courseCreates int
	userCreates   int
	catCreates    int
	enrolWrites   int
}

func newMemLMS() *memLMS {
	return &memLMS{
		enrols:   map[enrolKey]string{},
		sysRoles: map[roleKey]bool{},
		userMap:  map[string]int64{},
	}
}

func (m *memLMS) id() int64 { m.nextID++; return m.nextID }

func (m *memLMS) ListActive(context.Context) ([]lms.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []lms.User
	for _, u := range m.users {
		if !u.Deleted {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memLMS) CreateUser(_ context.Context, u lms.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.users {
		if !e.Deleted && (e.Username == u.Username || e.Email == u.Email) {
			return 0, syncerr.Conflict("user %q already exists", u.Username)
		}
	}
	u.ID = m.id()
	m.users = append(m.users, u)
	m.userCreates++
	return u.ID, nil
}

func (m *memLMS) UpdateUser(_ context.Context, u lms.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == u.ID {
			m.users[i] = u
			return nil
		}
	}
	return syncerr.New(syncerr.KindStore, "user not found")
}

func (m *memLMS) SuspendUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == id {
			m.users[i].Suspended = true
			return nil
		}
	}
	return syncerr.New(syncerr.KindStore, "user not found")
}

func (m *memLMS) AssignSystemRole(_ context.Context, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sysRoles[roleKey{userID, role}] = true
	return nil
}

func (m *memLMS) CourseByIDNumber(_ context.Context, idnumber string) (lms.Course, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.courses {
		if c.IDNumber == idnumber && idnumber != "" {
			return c, true, nil
		}
	}
	return lms.Course{}, false, nil
}

func (m *memLMS) CourseByShortName(_ context.Context, shortname string) (lms.Course, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.courses {
		if c.ShortName == shortname {
			return c, true, nil
		}
	}
	return lms.Course{}, false, nil
}

func (m *memLMS) CreateCourse(_ context.Context, c lms.Course) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.courses {
		if e.ShortName == c.ShortName {
			return 0, syncerr.Conflict("course shortname %q already taken", c.ShortName)
		}
	}
	c.ID = m.id()
	m.courses = append(m.courses, c)
	m.courseCreates++
	return c.ID, nil
}

func (m *memLMS) UpdateCourse(_ context.Context, c lms.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.courses {
		if m.courses[i].ID == c.ID {
			m.courses[i] = c
			return nil
		}
	}
	return syncerr.New(syncerr.KindStore, "course not found")
}

func (m *memLMS) CoursesByIDNumberPrefixes(_ context.Context, prefixes []string) ([]lms.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []lms.Course
	for _, c := range m.courses {
		for _, p := range prefixes {
			if strings.HasPrefix(c.IDNumber, p) {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (m *memLMS) Categories(context.Context) ([]lms.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lms.Category, len(m.cats))
	copy(out, m.cats)
	return out, nil
}

func (m *memLMS) CategoryByNameParent(_ context.Context, name string, parentID int64) (lms.Category, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cats {
		if c.Name == name && c.ParentID == parentID {
			return c, true, nil
		}
	}
	return lms.Category{}, false, nil
}

func (m *memLMS) CreateCategory(_ context.Context, name string, parentID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cats {
		if c.Name == name && c.ParentID == parentID {
			return 0, syncerr.Conflict("category %q already exists", name)
		}
	}
	id := m.id()
	m.cats = append(m.cats, lms.Category{ID: id, Name: name, ParentID: parentID})
	m.catCreates++
	return id, nil
}

func (m *memLMS) EnsureManualInstance(_ context.Context, courseID int64) (int64, error) {
	return courseID, nil
}

func (m *memLMS) ManualEnrolments(context.Context) ([]lms.Enrolment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []lms.Enrolment
	for k, role := range m.enrols {
		out = append(out, lms.Enrolment{CourseID: k.courseID, UserID: k.userID, Role: role})
	}
	return out, nil
}

func (m *memLMS) Enrol(_ context.Context, courseID, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrols[enrolKey{courseID, userID}] = role
	m.enrolWrites++
	return nil
}

func (m *memLMS) UpdateEnrolRole(_ context.Context, courseID, userID int64, _, newRole string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := enrolKey{courseID, userID}
	if _, ok := m.enrols[key]; !ok {
		return syncerr.New(syncerr.KindStore, "not enrolled")
	}
	m.enrols[key] = newRole
	return nil
}

func (m *memLMS) Unenrol(_ context.Context, courseID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrols, enrolKey{courseID, userID})
	return nil
}

func (m *memLMS) UpsertUserMap(_ context.Context, idpID string, lmsUserID int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userMap[idpID] = lmsUserID
	return nil
}

func (m *memLMS) userByName(t *testing.T, username string) lms.User {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u
		}
	}
	t.Fatalf("user %q not in store", username)
	return lms.User{}
}

func (m *memLMS) courseByIDNumber(t *testing.T, idnumber string) lms.Course {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.courses {
		if c.IDNumber == idnumber {
			return c
		}
	}
	t.Fatalf("course %q not in store", idnumber)
	return lms.Course{}
}

func (m *memLMS) roleOf(courseID, userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrols[enrolKey{courseID, userID}]
}

/* ---- helpers ---- */

func teacherAttrs() map[string][]string {
	return map[string][]string{"LDAP_ENTRY_DN": {"CN=alice,OU=Teachers,DC=x"}}
}

func alice() idp.User {
	return idp.User{ID: "u1", Username: "alice", Email: "a@x", Enabled: true,
		FirstName: "Alice", LastName: "A", Attributes: teacherAttrs()}
}

func bob() idp.User {
	return idp.User{ID: "u2", Username: "bob", Email: "b@x", Enabled: true,
		FirstName: "Bob", LastName: "B"}
}

func runEngine(t *testing.T, fake *fakeIdP, store *memLMS, opts engine.Options) *engine.Report {
	t.Helper()
	eng, err := engine.New(deps(fake, store), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func deps(fake *fakeIdP, store *memLMS) engine.Deps {
	return engine.Deps{
		IdP: fake, Users: store, Courses: store, Categories: store,
		Enrols: store, UserMap: store,
	}
}

func baseOpts() engine.Options {
	return engine.Options{AutoEnrolTeachers: true, AutoEnrolStudents: true, PageSize: 2}
}

/* ---- scenarios ---- */

func TestRunCreatesTeacherWithCoursecreator(t *testing.T) {
	fake := &fakeIdP{users: []idp.User{alice()}}
	store := newMemLMS()

	rep := runEngine(t, fake, store, baseOpts())

	u := store.userByName(t, "alice")
	if u.Auth != lms.AuthOAuth2 {
		t.Fatalf("auth = %q, want oauth2", u.Auth)
	}
	if u.Email != "a@x" || u.FirstName != "Alice" {
		t.Fatalf("unexpected user row: %+v", u)
	}
	if !store.sysRoles[roleKey{u.ID, lms.RoleCourseCreator}] {
		t.Fatal("coursecreator role not assigned")
	}
	if rep.UsersCreated != 1 || rep.TeachersDetected != 1 || rep.CoursecreatorsAssigned != 1 {
		t.Fatalf("counters: %+v", rep)
	}
	if store.userMap["u1"] != u.ID {
		t.Fatalf("user map missing idp id u1")
	}
}

func TestRunClassGroupEnrolsByRole(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{alice(), bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {alice(), bob()}},
	}
	store := newMemLMS()

	rep := runEngine(t, fake, store, baseOpts())

	course := store.courseByIDNumber(t, "kc_10a")
	if course.Format != lms.FormatTopics || !course.Visible {
		t.Fatalf("course shape: %+v", course)
	}

	classes, ok, _ := store.CategoryByNameParent(context.Background(), "Classes", 0)
	if !ok {
		t.Fatal("Classes category missing")
	}
	grade, ok, _ := store.CategoryByNameParent(context.Background(), "Grade 10", classes.ID)
	if !ok {
		t.Fatal("Grade 10 category missing")
	}
	if course.CategoryID != grade.ID {
		t.Fatalf("course category = %d, want %d", course.CategoryID, grade.ID)
	}

	al := store.userByName(t, "alice")
	bo := store.userByName(t, "bob")
	if got := store.roleOf(course.ID, al.ID); got != lms.RoleEditingTeacher {
		t.Fatalf("alice role = %q, want editingteacher", got)
	}
	if got := store.roleOf(course.ID, bo.ID); got != lms.RoleStudent {
		t.Fatalf("bob role = %q, want student", got)
	}
	if rep.CoursesCreated != 1 || rep.EnrolmentsCreated != 2 || rep.CategoriesCreated != 2 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{alice(), bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {alice(), bob()}},
	}
	store := newMemLMS()

	runEngine(t, fake, store, baseOpts())
	coursesAfterFirst := len(store.courses)
	usersAfterFirst := len(store.users)

	rep := runEngine(t, fake, store, baseOpts())

	if rep.UsersCreated != 0 || rep.UsersSkipped != 2 {
		t.Fatalf("second run users: %+v", rep)
	}
	if rep.CoursesCreated != 0 || rep.CoursesSkipped != 1 {
		t.Fatalf("second run courses: %+v", rep)
	}
	if rep.EnrolmentsCreated != 0 || rep.EnrolmentsUpdated != 0 || rep.EnrolmentsSkipped != 2 {
		t.Fatalf("second run enrolments: %+v", rep)
	}
	if len(store.courses) != coursesAfterFirst || len(store.users) != usersAfterFirst {
		t.Fatal("second run grew the store")
	}
}

func TestUnenrolOnRemoval(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{alice(), bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {alice(), bob()}},
	}
	store := newMemLMS()
	runEngine(t, fake, store, baseOpts())

	fake.members["g1"] = []idp.User{alice()}
	opts := baseOpts()
	opts.UnenrolMissing = true
	rep := runEngine(t, fake, store, opts)

	course := store.courseByIDNumber(t, "kc_10a")
	al := store.userByName(t, "alice")
	bo := store.userByName(t, "bob")
	if store.roleOf(course.ID, bo.ID) != "" {
		t.Fatal("bob still enrolled")
	}
	if store.roleOf(course.ID, al.ID) != lms.RoleEditingTeacher {
		t.Fatal("alice was touched")
	}
	if rep.EnrolmentsRemoved != 1 {
		t.Fatalf("removed = %d, want 1", rep.EnrolmentsRemoved)
	}
}

func TestUnmatchedGroupFetchesNoMembers(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{bob()},
		groups:  []idp.Group{{ID: "g9", Name: "xyz-unknown"}},
		members: map[string][]idp.User{"g9": {bob()}},
	}
	store := newMemLMS()

	rep := runEngine(t, fake, store, baseOpts())

	if fake.memberCalls["g9"] != 0 {
		t.Fatalf("members fetched for unmatched group %d times", fake.memberCalls["g9"])
	}
	if rep.GroupsUnmatched != 1 || rep.CoursesCreated != 0 || rep.EnrolmentsCreated != 0 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestRoleMapWithoutTeacherEntry(t *testing.T) {
	schemas := []schema.NamingSchema{{
		ID:                "class",
		MatchPattern:      `^\d+[a-z]?$`,
		IDNumberTemplate:  "kc_{name}",
		ShortNameTemplate: "K {name}",
		FullNameTemplate:  "Klasse {name}",
		CategoryTemplate:  "/Classes",
		RoleMap:           schema.RoleMap{schema.RoleKeyDefault: "student"},
	}}
	fake := &fakeIdP{
		users:   []idp.User{alice()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {alice()}},
	}
	store := newMemLMS()
	opts := baseOpts()
	opts.Schemas = schemas
	runEngine(t, fake, store, opts)

	course := store.courseByIDNumber(t, "kc_10a")
	al := store.userByName(t, "alice")
	if got := store.roleOf(course.ID, al.ID); got != lms.RoleStudent {
		t.Fatalf("role = %q, want student despite teacher flag", got)
	}
}

func TestSuspendMissingUsers(t *testing.T) {
	store := newMemLMS()
	store.users = []lms.User{
		{ID: 1, Username: "carol", Email: "c@x", Auth: lms.AuthOAuth2},
		{ID: 2, Username: "admin", Email: "adm@x", Auth: lms.AuthOAuth2},
		{ID: 3, Username: "dave", Email: "d@x", Auth: lms.AuthManual},
	}
	store.nextID = 3
	fake := &fakeIdP{users: []idp.User{alice()}}

	opts := baseOpts()
	opts.SuspendMissing = true
	rep := runEngine(t, fake, store, opts)

	if !store.userByName(t, "carol").Suspended {
		t.Fatal("carol not suspended")
	}
	if store.userByName(t, "admin").Suspended {
		t.Fatal("protected admin was suspended")
	}
	if store.userByName(t, "dave").Suspended {
		t.Fatal("manual-auth dave was suspended")
	}
	if rep.UsersSuspended != 1 {
		t.Fatalf("suspended = %d, want 1", rep.UsersSuspended)
	}
}

func TestClaimsCourseWithEmptyIDNumber(t *testing.T) {
	store := newMemLMS()
	store.courses = []lms.Course{{ID: 1, ShortName: "Klasse 10A", FullName: "old", Format: "topics", Visible: true}}
	store.nextID = 1
	fake := &fakeIdP{
		users:  []idp.User{bob()},
		groups: []idp.Group{{ID: "g1", Name: "10a"}},
	}

	rep := runEngine(t, fake, store, baseOpts())

	course := store.courseByIDNumber(t, "kc_10a")
	if course.ID != 1 {
		t.Fatalf("created a new course instead of claiming, id=%d", course.ID)
	}
	if rep.CoursesCreated != 0 || rep.CoursesUpdated != 1 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestShortnameCollisionGetsSuffix(t *testing.T) {
	store := newMemLMS()
	store.courses = []lms.Course{{ID: 1, IDNumber: "legacy1", ShortName: "Klasse 10A", FullName: "legacy"}}
	store.nextID = 1
	fake := &fakeIdP{
		users:  []idp.User{bob()},
		groups: []idp.Group{{ID: "g1", Name: "10a"}},
	}

	runEngine(t, fake, store, baseOpts())

	course := store.courseByIDNumber(t, "kc_10a")
	if course.ShortName != "Klasse 10A_SYNC" {
		t.Fatalf("shortname = %q, want suffixed", course.ShortName)
	}
	legacy := store.courseByIDNumber(t, "legacy1")
	if legacy.ShortName != "Klasse 10A" || legacy.FullName != "legacy" {
		t.Fatalf("legacy course modified: %+v", legacy)
	}
}

func TestUnenrolNeverTouchesForeignCourses(t *testing.T) {
	store := newMemLMS()
	store.users = []lms.User{{ID: 1, Username: "eve", Email: "e@x", Auth: lms.AuthManual}}
	store.courses = []lms.Course{{ID: 2, IDNumber: "handmade", ShortName: "Chess"}}
	store.enrols[enrolKey{2, 1}] = lms.RoleStudent
	store.nextID = 2
	fake := &fakeIdP{users: []idp.User{alice()}}

	opts := baseOpts()
	opts.UnenrolMissing = true
	rep := runEngine(t, fake, store, opts)

	if store.roleOf(2, 1) != lms.RoleStudent {
		t.Fatal("enrolment in non-sync course was removed")
	}
	if rep.EnrolmentsRemoved != 0 {
		t.Fatalf("removed = %d, want 0", rep.EnrolmentsRemoved)
	}
}

type cancelSink struct {
	afterPhase string
	cancel     context.CancelFunc
}

func (s *cancelSink) Publish(p engine.Progress) {
	if p.Phase == s.afterPhase {
		s.cancel()
	}
}

func TestCancellationStopsBetweenPhases(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{alice()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {alice()}},
	}
	store := newMemLMS()

	ctx, cancel := context.WithCancel(context.Background())
	d := deps(fake, store)
	d.Sink = &cancelSink{afterPhase: engine.PhaseApplyUsers, cancel: cancel}
	eng, err := engine.New(d, baseOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep, err := eng.Run(ctx)
	if !syncerr.IsKind(err, syncerr.KindCancelled) {
		t.Fatalf("err = %v, want cancelled kind", err)
	}
	if rep.UsersCreated != 1 {
		t.Fatalf("work before cancel lost: %+v", rep)
	}
	if len(store.courses) != 0 {
		t.Fatal("course phase ran after cancel")
	}
}

func TestRoleChangeAtIdPUpdatesRole(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {bob()}},
	}
	store := newMemLMS()
	runEngine(t, fake, store, baseOpts())

	// bob becomes a teacher at the IdP
	promoted := bob()
	promoted.Attributes = map[string][]string{"sophomorixRole": {"teacher"}}
	fake.users = []idp.User{promoted}
	fake.members["g1"] = []idp.User{promoted}

	rep := runEngine(t, fake, store, baseOpts())

	course := store.courseByIDNumber(t, "kc_10a")
	bo := store.userByName(t, "bob")
	if got := store.roleOf(course.ID, bo.ID); got != lms.RoleEditingTeacher {
		t.Fatalf("role = %q, want editingteacher after promotion", got)
	}
	if rep.EnrolmentsUpdated != 1 || rep.EnrolmentsCreated != 0 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestRoleUpdateHonoursAutoEnrolGate(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {bob()}},
	}
	store := newMemLMS()
	runEngine(t, fake, store, baseOpts())

	// bob becomes a teacher at the IdP, but teacher auto-enrolment is off
	promoted := bob()
	promoted.Attributes = map[string][]string{"sophomorixRole": {"teacher"}}
	fake.users = []idp.User{promoted}
	fake.members["g1"] = []idp.User{promoted}

	opts := baseOpts()
	opts.AutoEnrolTeachers = false
	rep := runEngine(t, fake, store, opts)

	course := store.courseByIDNumber(t, "kc_10a")
	bo := store.userByName(t, "bob")
	if got := store.roleOf(course.ID, bo.ID); got != lms.RoleStudent {
		t.Fatalf("role = %q, want student while gate is off", got)
	}
	if rep.EnrolmentsUpdated != 0 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestSelectedItemsLimitRun(t *testing.T) {
	fake := &fakeIdP{
		users:  []idp.User{alice(), bob()},
		groups: []idp.Group{{ID: "g1", Name: "10a"}, {ID: "g2", Name: "10b"}},
		members: map[string][]idp.User{
			"g1": {alice(), bob()},
			"g2": {bob()},
		},
	}
	store := newMemLMS()

	opts := baseOpts()
	opts.Selected = engine.Selection{Users: []string{"Alice"}, Groups: []string{"10a"}}
	rep := runEngine(t, fake, store, opts)

	if rep.UsersCreated != 1 {
		t.Fatalf("users created = %d, want alice only", rep.UsersCreated)
	}
	if _, ok, _ := store.CourseByIDNumber(context.Background(), "kc_10b"); ok {
		t.Fatal("unselected group produced a course")
	}
	course := store.courseByIDNumber(t, "kc_10a")
	al := store.userByName(t, "alice")
	if store.roleOf(course.ID, al.ID) != lms.RoleEditingTeacher {
		t.Fatal("selected user not enrolled")
	}
	// bob was not selected, so his membership in 10a is skipped
	if rep.EnrolmentsCreated != 1 {
		t.Fatalf("enrolments created = %d, want 1", rep.EnrolmentsCreated)
	}
	if fake.memberCalls["g2"] != 0 {
		t.Fatal("members of an unselected group were fetched")
	}
}

func TestSelectedGroupsScopeUnenrol(t *testing.T) {
	fake := &fakeIdP{
		users:  []idp.User{alice(), bob()},
		groups: []idp.Group{{ID: "g1", Name: "10a"}, {ID: "g2", Name: "10b"}},
		members: map[string][]idp.User{
			"g1": {alice()},
			"g2": {bob()},
		},
	}
	store := newMemLMS()
	opts := baseOpts()
	opts.UnenrolMissing = true
	runEngine(t, fake, store, opts)

	// a selected run of 10a only must leave 10b's enrolments alone even
	// though bob is not in its expected set
	sel := opts
	sel.Selected = engine.Selection{Groups: []string{"10a"}}
	rep := runEngine(t, fake, store, sel)

	other := store.courseByIDNumber(t, "kc_10b")
	bo := store.userByName(t, "bob")
	if store.roleOf(other.ID, bo.ID) == "" {
		t.Fatal("selected run unenrolled from an unselected course")
	}
	if rep.EnrolmentsRemoved != 0 {
		t.Fatalf("counters: %+v", rep)
	}
}

func TestOptionsWithOverrides(t *testing.T) {
	on, off := true, false
	base := engine.Options{SuspendMissing: false, AutoEnrolTeachers: true, AutoEnrolStudents: true}

	got := base.With(engine.RunOverrides{SuspendMissing: &on, AutoEnrolStudents: &off})
	if !got.SuspendMissing || got.AutoEnrolStudents {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if !got.AutoEnrolTeachers {
		t.Fatal("untouched option changed")
	}
	if base.SuspendMissing {
		t.Fatal("With mutated the receiver")
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{alice(), bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}, {ID: "g9", Name: "xyz-unknown"}},
		members: map[string][]idp.User{"g1": {alice(), bob()}},
	}
	store := newMemLMS()

	eng, err := engine.New(deps(fake, store), baseOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if store.userCreates != 0 || store.courseCreates != 0 || store.catCreates != 0 || store.enrolWrites != 0 {
		t.Fatal("preview wrote to the store")
	}
	if len(res.UsersToCreate) != 2 {
		t.Fatalf("users to create = %d, want 2", len(res.UsersToCreate))
	}
	if len(res.CoursesToCreate) != 1 || res.CoursesToCreate[0].IDNumber != "kc_10a" {
		t.Fatalf("courses to create: %+v", res.CoursesToCreate)
	}
	if len(res.EnrolmentsToCreate) != 2 {
		t.Fatalf("enrolments to create = %d, want 2", len(res.EnrolmentsToCreate))
	}
	if len(res.UnmatchedGroups) != 1 || res.UnmatchedGroups[0] != "xyz-unknown" {
		t.Fatalf("unmatched: %v", res.UnmatchedGroups)
	}
	if fake.memberCalls["g9"] != 0 {
		t.Fatal("preview fetched members of an unmatched group")
	}
}

func TestPreviewMarksTeachers(t *testing.T) {
	fake := &fakeIdP{users: []idp.User{alice(), bob()}}
	store := newMemLMS()
	eng, err := engine.New(deps(fake, store), baseOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	byName := map[string]bool{}
	for _, u := range res.UsersToCreate {
		byName[u.Username] = u.IsTeacher
	}
	if !byName["alice"] || byName["bob"] {
		t.Fatalf("teacher flags wrong: %v", byName)
	}
	if res.Stats.TeachersDetected != 1 {
		t.Fatalf("teachers detected = %d", res.Stats.TeachersDetected)
	}
}

func TestPreviewCountsCategoriesWithoutCreating(t *testing.T) {
	fake := &fakeIdP{
		users:   []idp.User{bob()},
		groups:  []idp.Group{{ID: "g1", Name: "10a"}},
		members: map[string][]idp.User{"g1": {bob()}},
	}
	store := newMemLMS()

	eng, err := engine.New(deps(fake, store), baseOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	// a real run would create Classes and Classes/Grade 10
	if res.Stats.CategoriesCreated != 2 {
		t.Fatalf("categories = %d, want 2", res.Stats.CategoriesCreated)
	}
	if store.catCreates != 0 {
		t.Fatal("preview created categories")
	}
}
