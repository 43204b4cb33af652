package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/klassbridge/rostersync/internal/lms"
	"github.com/klassbridge/rostersync/internal/syncerr"
)

// PreviewUser is one planned user mutation, shaped for the API surface.
type PreviewUser struct {
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsTeacher bool   `json:"is_teacher,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PreviewCourse is one planned course mutation.
type PreviewCourse struct {
	GroupName    string `json:"group_name"`
	SchemaID     string `json:"schema_id"`
	IDNumber     string `json:"idnumber"`
	ShortName    string `json:"shortname"`
	FullName     string `json:"fullname"`
	CategoryPath string `json:"category_path"`
}

// PreviewEnrolment is one planned enrolment mutation.
type PreviewEnrolment struct {
	CourseIDNumber string `json:"course_idnumber"`
	Username       string `json:"username"`
	Role           string `json:"role,omitempty"`
	OldRole        string `json:"old_role,omitempty"`
}

// PreviewResult mirrors the delta a real run would apply. Item slices keep
// the engine's processing order so a preview and the following run read the
// same way.
type PreviewResult struct {
	UsersToCreate  []PreviewUser `json:"users_to_create"`
	UsersToUpdate  []PreviewUser `json:"users_to_update"`
	UsersToSuspend []PreviewUser `json:"users_to_suspend"`
	UsersSkipped   []PreviewUser `json:"users_skipped"`

	CoursesToCreate []PreviewCourse `json:"courses_to_create"`
	CoursesToUpdate []PreviewCourse `json:"courses_to_update"`
	UnmatchedGroups []string        `json:"unmatched_groups"`

	EnrolmentsToCreate     []PreviewEnrolment `json:"enrollments_to_create"`
	EnrolmentsToUpdateRole []PreviewEnrolment `json:"enrollments_to_update_role"`
	EnrolmentsToRemove     []PreviewEnrolment `json:"enrollments_to_remove"`
	EnrolmentsSkipped      int                `json:"enrollments_skipped"`

	Warnings []string `json:"warnings"`
	Stats    Report   `json:"stats"`
}

// Preview computes the full delta without mutating the LMS: it runs the
// fetch and compute phases (users, groups, memberships, enrolments) and maps
// the deltas into API shapes. Users the run would create are held in the
// cache under a sentinel id so the enrolment delta still sees them.
func (e *Engine) Preview(ctx context.Context) (*PreviewResult, error) {
	e.preview = true

	if err := e.fetchUsers(ctx); err != nil {
		return nil, err
	}
	if err := e.computeUsers(ctx); err != nil {
		return nil, err
	}
	for _, iu := range e.users.toCreate {
		e.cacheUser(ctx, iu, -1)
	}
	for _, m := range e.users.toUpdate {
		e.cacheUser(ctx, m.idp, m.lms.ID)
	}
	for _, m := range e.users.unchanged {
		e.cacheUser(ctx, m.idp, m.lms.ID)
	}

	if err := e.fetchGroups(ctx); err != nil {
		return nil, err
	}
	if err := e.computeCourses(ctx); err != nil {
		return nil, err
	}
	if err := e.resolveCategoriesDry(ctx); err != nil {
		return nil, err
	}
	if err := e.fetchMemberships(ctx); err != nil {
		return nil, err
	}
	if err := e.computeEnrolDelta(ctx, true); err != nil {
		return nil, err
	}

	r := &PreviewResult{
		UnmatchedGroups: e.courses.unmatched,
		Warnings:        e.report.Warnings,
	}
	for _, iu := range e.users.toCreate {
		r.UsersToCreate = append(r.UsersToCreate, PreviewUser{
			Username:  strings.ToLower(strings.TrimSpace(iu.Username)),
			Email:     strings.ToLower(strings.TrimSpace(iu.Email)),
			FirstName: iu.FirstName,
			LastName:  iu.LastName,
			IsTeacher: e.detector.IsTeacher(iu),
		})
	}
	for _, m := range e.users.toUpdate {
		r.UsersToUpdate = append(r.UsersToUpdate, PreviewUser{
			Username:  m.lms.Username,
			Email:     m.lms.Email,
			FirstName: m.idp.FirstName,
			LastName:  m.idp.LastName,
			Reason: fmt.Sprintf("name %q %q -> %q %q",
				m.lms.FirstName, m.lms.LastName, m.idp.FirstName, m.idp.LastName),
		})
	}
	for _, u := range e.users.toSuspend {
		r.UsersToSuspend = append(r.UsersToSuspend, PreviewUser{
			Username: u.Username, Email: u.Email, Reason: "absent from idp",
		})
	}
	for _, s := range e.users.skipped {
		r.UsersSkipped = append(r.UsersSkipped, PreviewUser{
			Username: strings.ToLower(strings.TrimSpace(s.user.Username)), Reason: s.reason,
		})
	}
	for _, it := range e.courses.items {
		pc := PreviewCourse{
			GroupName:    it.group.Name,
			SchemaID:     it.match.SchemaID,
			IDNumber:     it.match.CourseIDNumber,
			ShortName:    it.match.CourseShortName,
			FullName:     it.match.CourseFullName,
			CategoryPath: it.match.CategoryPath,
		}
		switch it.action {
		case courseCreate:
			r.CoursesToCreate = append(r.CoursesToCreate, pc)
		case courseUpdate:
			r.CoursesToUpdate = append(r.CoursesToUpdate, pc)
		}
	}
	for _, it := range e.enrols.toEnrol {
		r.EnrolmentsToCreate = append(r.EnrolmentsToCreate, PreviewEnrolment{
			CourseIDNumber: it.idnumber, Username: it.username, Role: it.role,
		})
	}
	for _, it := range e.enrols.toUpdateRole {
		r.EnrolmentsToUpdateRole = append(r.EnrolmentsToUpdateRole, PreviewEnrolment{
			CourseIDNumber: it.idnumber, Username: it.username, Role: it.role, OldRole: it.oldRole,
		})
	}
	for _, it := range e.enrols.toUnenrol {
		r.EnrolmentsToRemove = append(r.EnrolmentsToRemove, PreviewEnrolment{
			CourseIDNumber: it.idnumber, OldRole: it.oldRole,
		})
	}
	r.EnrolmentsSkipped = e.enrols.skipped
	r.Stats = e.report
	return r, nil
}

// resolveCategoriesDry walks the category paths of courses a run would
// create through a dry-run resolver, so the preview's category count matches
// what a real run would create.
func (e *Engine) resolveCategoriesDry(ctx context.Context) error {
	resolver, err := lms.NewPathResolver(ctx, e.deps.Categories, e.opts.ParentCategoryID, true, e.log)
	if err != nil {
		return syncerr.Store(err, "load category tree")
	}
	for _, it := range e.courses.items {
		if it.action != courseCreate {
			continue
		}
		if _, err := resolver.Resolve(ctx, it.match.CategoryPath); err != nil {
			return syncerr.Store(err, "resolve category")
		}
	}
	_, created := resolver.Stats()
	e.report.CategoriesCreated = created
	return nil
}
