// Package engine drives one roster synchronization run through ten ordered
// phases: fetch users, compute and apply the user delta, fetch groups,
// compute and apply the course delta, fetch memberships, compute and apply
// the enrolment delta, complete. Per-item failures are recorded and the
// phase continues; phase-level failures abort the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/idp"
	"github.com/klassbridge/rostersync/internal/lms"
	"github.com/klassbridge/rostersync/internal/schema"
	"github.com/klassbridge/rostersync/internal/syncerr"
)

// Deps are the collaborators of a run. UserMap, Sink and Log are optional;
// the rest must be set.
type Deps struct {
	IdP        idp.Client
	Users      lms.UserStore
	Courses    lms.CourseStore
	Categories lms.CategoryStore
	Enrols     lms.EnrolmentStore
	UserMap    lms.UserMapStore
	Sink       ProgressSink
	Log        *zap.Logger
}

// Options tune one run. The zero value disables every destructive step and
// every auto-enrolment; the config layer supplies the deployment defaults.
type Options struct {
	SuspendMissing    bool
	UnenrolMissing    bool
	AutoEnrolTeachers bool
	AutoEnrolStudents bool
	PageSize          int    // IdP page size, default 100
	SyncAuth          string // auth method stamped on created users, default oauth2
	ParentCategoryID  int64  // sync root for schema-created categories
	Schemas           []schema.NamingSchema
	TeacherRoleAttr   string
	TeacherRoleValue  string
	Selected          Selection // empty = full run
}

type cacheEntry struct {
	lmsID     int64
	isTeacher bool
}

// Engine is single-use: construct with New, then call Run or Preview once.
type Engine struct {
	deps     Deps
	opts     Options
	proc     *schema.Processor
	detector TeacherDetector
	log      *zap.Logger
	sink     ProgressSink
	preview  bool

	report Report

	// run-scoped state, populated phase by phase
	idpUsers  []idp.User
	idpGroups []idp.Group
	users     userDelta
	courses   courseDelta
	members   map[string][]idp.User // group id -> members
	enrols    enrolDelta

	cache    map[string]cacheEntry // lowercase username -> entry
	emailIdx map[string]string     // lowercase email -> cache key
	courseID map[string]int64      // group id -> course id

	selUsers  map[string]bool // nil when all users are in scope
	selGroups map[string]bool

	resolver *lms.PathResolver
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.IdP == nil || deps.Users == nil || deps.Courses == nil || deps.Categories == nil || deps.Enrols == nil {
		return nil, errors.New("engine: idp client and all lms stores are required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.SyncAuth == "" {
		opts.SyncAuth = lms.AuthOAuth2
	}
	schemas := opts.Schemas
	if len(schemas) == 0 {
		schemas = schema.DefaultSchemas()
	}
	proc, err := schema.NewProcessor(schemas)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return &Engine{
		deps:     deps,
		opts:     opts,
		proc:     proc,
		detector: TeacherDetector{RoleAttr: opts.TeacherRoleAttr, RoleValue: opts.TeacherRoleValue},
		log:      deps.Log,
		sink:     deps.Sink,
		members:  map[string][]idp.User{},
		cache:    map[string]cacheEntry{},
		emailIdx: map[string]string{},
		courseID: map[string]int64{},

		selUsers:  nameSet(opts.Selected.Users),
		selGroups: nameSet(opts.Selected.Groups),
	}, nil
}

// Run executes all phases. Cancellation is honored between phases; the
// returned report reflects what was applied before the stop. The error, when
// non-nil, carries the failing phase name.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{PhaseFetchUsers, e.fetchUsers},
		{PhaseUserDelta, e.computeUsers},
		{PhaseApplyUsers, e.applyUsers},
		{PhaseFetchGroups, e.fetchGroups},
		{PhaseCourseDelta, e.computeCourses},
		{PhaseApplyCourses, e.applyCourses},
		{PhaseFetchMemberships, e.fetchMemberships},
		{PhaseEnrolDelta, e.computeEnrols},
		{PhaseApplyEnrolments, e.applyEnrols},
	}
	for _, s := range steps {
		if ctx.Err() != nil {
			return &e.report, syncerr.Cancelled("cancelled before %s", s.name)
		}
		if err := s.fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) || syncerr.IsKind(err, syncerr.KindCancelled) {
				return &e.report, syncerr.Cancelled("cancelled during %s", s.name)
			}
			return &e.report, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	e.publish(PhaseComplete, 0, 0, e.summary(time.Since(start)))
	return &e.report, nil
}

/* ---- P1: fetch users ---- */

func (e *Engine) fetchUsers(ctx context.Context) error {
	total, err := e.deps.IdP.CountUsers(ctx)
	if err != nil {
		// advisory only; the drain decides completeness
		e.log.Debug("user count unavailable", zap.Error(err))
		total = 0
	}
	e.publish(PhaseFetchUsers, 0, total, "fetching users")
	users, err := idp.DrainUsers(ctx, e.deps.IdP, e.opts.PageSize, func(n int) {
		e.publish(PhaseFetchUsers, n, total, fmt.Sprintf("fetched %d users", n))
	})
	if err != nil {
		return err
	}
	e.idpUsers = users
	e.log.Info("users fetched", zap.Int("count", len(users)))
	return nil
}

/* ---- P2: user delta ---- */

func (e *Engine) computeUsers(ctx context.Context) error {
	existing, err := e.deps.Users.ListActive(ctx)
	if err != nil {
		return syncerr.Store(err, "list users")
	}
	e.users = e.filterUsers(computeUserDelta(e.idpUsers, existing, e.opts.SyncAuth, e.opts.SuspendMissing))
	for _, s := range e.users.skipped {
		e.log.Debug("user skipped", zap.String("username", s.user.Username), zap.String("reason", s.reason))
	}
	e.publish(PhaseUserDelta, 0, 0, fmt.Sprintf("%d to create, %d to update, %d to suspend, %d unchanged",
		len(e.users.toCreate), len(e.users.toUpdate), len(e.users.toSuspend), len(e.users.unchanged)))
	return nil
}

/* ---- P3: apply users, build cache ---- */

func (e *Engine) applyUsers(ctx context.Context) error {
	d := e.users
	total := len(d.toCreate) + len(d.toUpdate) + len(d.unchanged) + len(d.toSuspend)
	done := 0
	tick := func() {
		done++
		if done%50 == 0 || done == total {
			e.publish(PhaseApplyUsers, done, total, fmt.Sprintf("applied %d/%d user changes", done, total))
		}
	}

	for _, iu := range d.toCreate {
		u := lms.User{
			Username:  strings.ToLower(strings.TrimSpace(iu.Username)),
			Email:     strings.ToLower(strings.TrimSpace(iu.Email)),
			Auth:      e.opts.SyncAuth,
			FirstName: iu.FirstName,
			LastName:  iu.LastName,
		}
		id, err := e.deps.Users.CreateUser(ctx, u)
		if err != nil {
			e.report.UsersErrors++
			e.itemError(PhaseApplyUsers, u.Username, err)
			tick()
			continue
		}
		e.report.UsersCreated++
		e.cacheUser(ctx, iu, id)
		if e.deps.UserMap != nil {
			if err := e.deps.UserMap.UpsertUserMap(ctx, iu.ID, id, u.Username); err != nil {
				e.log.Warn("user map upsert failed", zap.String("username", u.Username), zap.Error(err))
			}
		}
		tick()
	}

	for _, m := range d.toUpdate {
		u := m.lms
		u.FirstName = m.idp.FirstName
		u.LastName = m.idp.LastName
		if err := e.deps.Users.UpdateUser(ctx, u); err != nil {
			e.report.UsersErrors++
			e.itemError(PhaseApplyUsers, u.Username, err)
			tick()
			continue
		}
		e.report.UsersUpdated++
		e.cacheUser(ctx, m.idp, u.ID)
		tick()
	}

	for _, m := range d.unchanged {
		e.report.UsersSkipped++
		e.cacheUser(ctx, m.idp, m.lms.ID)
		tick()
	}
	e.report.UsersSkipped += len(d.skipped)

	for _, u := range d.toSuspend {
		if err := e.deps.Users.SuspendUser(ctx, u.ID); err != nil {
			e.report.UsersErrors++
			e.itemError(PhaseApplyUsers, u.Username, err)
			tick()
			continue
		}
		e.report.UsersSuspended++
		e.log.Info("user suspended", zap.String("username", u.Username))
		tick()
	}
	return nil
}

// cacheUser records the username -> (lms id, teacher flag) entry later phases
// rely on, and grants teachers the system coursecreator role.
func (e *Engine) cacheUser(ctx context.Context, iu idp.User, lmsID int64) {
	username := strings.ToLower(strings.TrimSpace(iu.Username))
	teacher := e.detector.IsTeacher(iu)
	e.cache[username] = cacheEntry{lmsID: lmsID, isTeacher: teacher}
	if email := strings.ToLower(strings.TrimSpace(iu.Email)); email != "" {
		e.emailIdx[email] = username
	}
	if !teacher {
		return
	}
	e.report.TeachersDetected++
	if e.preview {
		return
	}
	if err := e.deps.Users.AssignSystemRole(ctx, lmsID, lms.RoleCourseCreator); err != nil {
		e.report.UsersErrors++
		e.itemError(PhaseApplyUsers, username, syncerr.Store(err, "assign coursecreator"))
		return
	}
	e.report.CoursecreatorsAssigned++
}

/* ---- P4: fetch groups ---- */

func (e *Engine) fetchGroups(ctx context.Context) error {
	e.publish(PhaseFetchGroups, 0, 0, "fetching groups")
	groups, err := idp.DrainGroupsFlat(ctx, e.deps.IdP, e.opts.PageSize)
	if err != nil {
		return err
	}
	e.idpGroups = groups
	e.log.Info("groups fetched", zap.Int("count", len(groups)))
	return nil
}

/* ---- P5: course delta ---- */

func (e *Engine) computeCourses(ctx context.Context) error {
	var d courseDelta
	claimed := map[string]string{} // idnumber -> group that claimed it
	for _, g := range e.idpGroups {
		if !e.groupSelected(g.Name) {
			e.log.Debug("group not selected", zap.String("group", g.Name))
			continue
		}
		m, ok := e.proc.Process(g.Name, g.ID)
		if !ok {
			d.unmatched = append(d.unmatched, g.Name)
			e.report.GroupsUnmatched++
			continue
		}
		if owner, dup := claimed[m.CourseIDNumber]; dup {
			e.warn(fmt.Sprintf("group %q maps to idnumber %q already claimed by group %q; treating as unmatched",
				g.Name, m.CourseIDNumber, owner))
			d.unmatched = append(d.unmatched, g.Name)
			e.report.GroupsUnmatched++
			continue
		}
		claimed[m.CourseIDNumber] = g.Name

		existing, found, err := e.deps.Courses.CourseByIDNumber(ctx, m.CourseIDNumber)
		if err != nil {
			return syncerr.Store(err, "course lookup")
		}
		it := courseItem{group: g, match: m}
		switch {
		case !found:
			it.action = courseCreate
		case existing.FullName != m.CourseFullName:
			it.action = courseUpdate
			it.existing = existing
		default:
			it.action = courseSkip
			it.existing = existing
		}
		d.items = append(d.items, it)
	}
	e.courses = d
	e.publish(PhaseCourseDelta, 0, 0, fmt.Sprintf("%d to create, %d to update, %d unchanged, %d unmatched",
		d.count(courseCreate), d.count(courseUpdate), d.count(courseSkip), len(d.unmatched)))
	return nil
}

/* ---- P6: apply courses ---- */

func (e *Engine) applyCourses(ctx context.Context) error {
	resolver, err := lms.NewPathResolver(ctx, e.deps.Categories, e.opts.ParentCategoryID, false, e.log)
	if err != nil {
		return syncerr.Store(err, "load category tree")
	}
	e.resolver = resolver

	total := len(e.courses.items)
	for i := range e.courses.items {
		it := &e.courses.items[i]
		switch it.action {
		case courseCreate:
			id, wasClaim, err := e.createCourse(ctx, it.match)
			if err != nil {
				e.report.CoursesErrors++
				e.itemError(PhaseApplyCourses, it.match.CourseIDNumber, err)
				break
			}
			e.courseID[it.group.ID] = id
			if wasClaim {
				e.report.CoursesUpdated++
			} else {
				e.report.CoursesCreated++
			}
		case courseUpdate:
			c := it.existing
			c.FullName = it.match.CourseFullName
			if err := e.deps.Courses.UpdateCourse(ctx, c); err != nil {
				e.report.CoursesErrors++
				e.itemError(PhaseApplyCourses, it.match.CourseIDNumber, err)
				break
			}
			e.courseID[it.group.ID] = c.ID
			e.report.CoursesUpdated++
		case courseSkip:
			e.courseID[it.group.ID] = it.existing.ID
			e.report.CoursesSkipped++
		}
		if (i+1)%50 == 0 || i+1 == total {
			e.publish(PhaseApplyCourses, i+1, total, fmt.Sprintf("applied %d/%d course changes", i+1, total))
		}
	}
	_, created := resolver.Stats()
	e.report.CategoriesCreated = created
	return nil
}

// createCourse materializes the course for one schema match. When the
// computed shortname belongs to a course without an idnumber, that course is
// claimed instead (idnumber, fullname and category patched). A shortname
// held by a course outside sync ownership is dodged with a _SYNC suffix.
func (e *Engine) createCourse(ctx context.Context, m *schema.Match) (id int64, wasClaim bool, err error) {
	categoryID, err := e.resolver.Resolve(ctx, m.CategoryPath)
	if err != nil {
		return 0, false, syncerr.Store(err, "resolve category")
	}

	shortname := m.CourseShortName
	existing, found, err := e.deps.Courses.CourseByShortName(ctx, shortname)
	if err != nil {
		return 0, false, syncerr.Store(err, "shortname lookup")
	}
	if found {
		if existing.IDNumber == "" {
			existing.IDNumber = m.CourseIDNumber
			existing.FullName = m.CourseFullName
			existing.CategoryID = categoryID
			if err := e.deps.Courses.UpdateCourse(ctx, existing); err != nil {
				return 0, false, err
			}
			e.log.Info("claimed existing course",
				zap.String("shortname", shortname), zap.String("idnumber", m.CourseIDNumber))
			return existing.ID, true, nil
		}
		if e.proc.Owns(existing.IDNumber) {
			return 0, false, syncerr.Conflict("shortname %q already used by synced course %q", shortname, existing.IDNumber)
		}
		shortname += "_SYNC"
	}

	id, err = e.deps.Courses.CreateCourse(ctx, lms.Course{
		IDNumber:   m.CourseIDNumber,
		ShortName:  shortname,
		FullName:   m.CourseFullName,
		CategoryID: categoryID,
		Format:     lms.FormatTopics,
		Visible:    true,
	})
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

/* ---- P7: fetch memberships ---- */

// Only schema-matched groups are worth the calls; unmatched groups never
// reach this phase.
func (e *Engine) fetchMemberships(ctx context.Context) error {
	total := len(e.courses.items)
	for i, it := range e.courses.items {
		members, err := idp.DrainGroupMembers(ctx, e.deps.IdP, it.group.ID, e.opts.PageSize)
		if err != nil {
			e.report.EnrolmentsErrors++
			e.itemError(PhaseFetchMemberships, it.group.Name, err)
			continue
		}
		e.members[it.group.ID] = members
		if (i+1)%20 == 0 || i+1 == total {
			e.publish(PhaseFetchMemberships, i+1, total, fmt.Sprintf("fetched members for %d/%d groups", i+1, total))
		}
	}
	return nil
}

/* ---- P8: enrolment delta ---- */

func (e *Engine) computeEnrols(ctx context.Context) error {
	return e.computeEnrolDelta(ctx, false)
}

func (e *Engine) computeEnrolDelta(ctx context.Context, preview bool) error {
	existing, err := e.deps.Enrols.ManualEnrolments(ctx)
	if err != nil {
		return syncerr.Store(err, "list manual enrolments")
	}
	current := make(map[enrolKey]string, len(existing))
	for _, en := range existing {
		current[enrolKey{en.CourseID, en.UserID}] = en.Role
	}

	d := enrolDelta{expected: map[enrolKey]bool{}}
	for _, it := range e.courses.items {
		cid := e.courseID[it.group.ID]
		if cid == 0 {
			if it.existing.ID != 0 {
				cid = it.existing.ID
			} else if !preview {
				// course creation failed; the error is already on record
				continue
			}
		}
		for _, mem := range e.members[it.group.ID] {
			username := strings.ToLower(strings.TrimSpace(mem.Username))
			entry, known := e.cache[username]
			if !known {
				if email := strings.ToLower(strings.TrimSpace(mem.Email)); email != "" {
					if alias, hit := e.emailIdx[email]; hit {
						entry, known = e.cache[alias]
						username = alias
					}
				}
			}
			if !known {
				d.skipped++
				e.log.Debug("member unknown to lms",
					zap.String("group", it.group.Name), zap.String("username", mem.Username))
				continue
			}

			role := it.match.Role(entry.isTeacher)
			key := enrolKey{cid, entry.lmsID}
			if cid != 0 {
				d.expected[key] = true
			}
			item := enrolItem{
				courseID: cid,
				userID:   entry.lmsID,
				role:     role,
				username: username,
				idnumber: it.match.CourseIDNumber,
			}
			cur, enrolled := current[key]
			switch {
			case enrolled && cur == role:
				d.skipped++
			case !e.roleAllowed(role):
				// gate applies to role changes too, not just new enrolments
				d.skipped++
			case enrolled:
				item.oldRole = cur
				d.toUpdateRole = append(d.toUpdateRole, item)
			default:
				d.toEnrol = append(d.toEnrol, item)
			}
		}
	}

	if e.opts.UnenrolMissing {
		owned, err := e.deps.Courses.CoursesByIDNumberPrefixes(ctx, e.proc.SyncPrefixes())
		if err != nil {
			return syncerr.Store(err, "list synced courses")
		}
		ownedBy := make(map[int64]string, len(owned)) // course id -> idnumber
		for _, c := range owned {
			ownedBy[c.ID] = c.IDNumber
		}
		// With a group selection, only courses walked this run may lose
		// enrolments; a full run covers every sync-owned course so that
		// groups deleted at the IdP are still drained.
		var walked map[int64]bool
		if e.selGroups != nil {
			walked = make(map[int64]bool, len(e.courses.items))
			for _, it := range e.courses.items {
				if cid := e.courseID[it.group.ID]; cid != 0 {
					walked[cid] = true
				} else if it.existing.ID != 0 {
					walked[it.existing.ID] = true
				}
			}
		}
		for _, en := range existing {
			idn, ok := ownedBy[en.CourseID]
			if !ok || d.expected[enrolKey{en.CourseID, en.UserID}] {
				continue
			}
			if walked != nil && !walked[en.CourseID] {
				continue
			}
			d.toUnenrol = append(d.toUnenrol, enrolItem{
				courseID: en.CourseID, userID: en.UserID, oldRole: en.Role, idnumber: idn,
			})
		}
	}

	e.enrols = d
	e.report.EnrolmentsSkipped += d.skipped
	e.publish(PhaseEnrolDelta, 0, 0, fmt.Sprintf("%d to enrol, %d role updates, %d to unenrol, %d skipped",
		len(d.toEnrol), len(d.toUpdateRole), len(d.toUnenrol), d.skipped))
	return nil
}

func (e *Engine) roleAllowed(role string) bool {
	if role == lms.RoleEditingTeacher {
		return e.opts.AutoEnrolTeachers
	}
	return e.opts.AutoEnrolStudents
}

/* ---- P9: apply enrolments ---- */

func (e *Engine) applyEnrols(ctx context.Context) error {
	d := e.enrols
	total := len(d.toEnrol) + len(d.toUpdateRole) + len(d.toUnenrol)
	done := 0
	tick := func() {
		done++
		if done%50 == 0 || done == total {
			e.publish(PhaseApplyEnrolments, done, total, fmt.Sprintf("applied %d/%d enrolment changes", done, total))
		}
	}

	ensured := map[int64]bool{}
	for _, it := range d.toEnrol {
		if !ensured[it.courseID] {
			if _, err := e.deps.Enrols.EnsureManualInstance(ctx, it.courseID); err != nil {
				e.report.EnrolmentsErrors++
				e.itemError(PhaseApplyEnrolments, it.idnumber, syncerr.Store(err, "ensure manual instance"))
				tick()
				continue
			}
			ensured[it.courseID] = true
		}
		if err := e.deps.Enrols.Enrol(ctx, it.courseID, it.userID, it.role); err != nil {
			e.report.EnrolmentsErrors++
			e.itemError(PhaseApplyEnrolments, it.idnumber+"/"+it.username, err)
			tick()
			continue
		}
		e.report.EnrolmentsCreated++
		tick()
	}

	for _, it := range d.toUpdateRole {
		if err := e.deps.Enrols.UpdateEnrolRole(ctx, it.courseID, it.userID, it.oldRole, it.role); err != nil {
			e.report.EnrolmentsErrors++
			e.itemError(PhaseApplyEnrolments, it.idnumber+"/"+it.username, err)
			tick()
			continue
		}
		e.report.EnrolmentsUpdated++
		tick()
	}

	for _, it := range d.toUnenrol {
		if err := e.deps.Enrols.Unenrol(ctx, it.courseID, it.userID); err != nil {
			e.report.EnrolmentsErrors++
			e.itemError(PhaseApplyEnrolments, it.idnumber, err)
			tick()
			continue
		}
		e.report.EnrolmentsRemoved++
		tick()
	}
	return nil
}

/* ---- shared helpers ---- */

func (e *Engine) publish(phase string, processed, total int, msg string) {
	e.sink.Publish(Progress{
		Phase:     phase,
		Percent:   phasePercent(phase, processed, total),
		Message:   msg,
		Processed: processed,
		Total:     total,
		Stats:     e.report,
	})
}

func (e *Engine) summary(took time.Duration) string {
	return fmt.Sprintf("sync complete in %s: %d created, %d updated, %d removed, %d errors",
		took.Round(time.Millisecond),
		e.report.TotalCreated(), e.report.TotalUpdated(), e.report.TotalDeleted(), e.report.ErrorCount())
}

func (e *Engine) warn(msg string) {
	e.report.Warnings = append(e.report.Warnings, msg)
	e.log.Warn(msg)
}

func (e *Engine) itemError(phase, identifier string, err error) {
	kind := syncerr.KindOf(err)
	if kind == "" {
		kind = syncerr.KindStore
	}
	e.report.Errors = append(e.report.Errors, ItemError{
		Phase:      phase,
		Kind:       string(kind),
		Identifier: identifier,
		Message:    err.Error(),
	})
	e.log.Warn("sync item failed",
		zap.String("phase", phase), zap.String("identifier", identifier), zap.Error(err))
}
