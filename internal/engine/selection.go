package engine

import "strings"

// Selection restricts a run to chosen items from an earlier preview. An
// empty field selects everything of that kind; usernames and group names
// match case-insensitively.
type Selection struct {
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (s Selection) Empty() bool {
	return len(s.Users) == 0 && len(s.Groups) == 0
}

// RunOverrides are per-run adjustments to Options. Nil fields keep the
// configured value.
type RunOverrides struct {
	SuspendMissing    *bool `json:"suspend_users,omitempty"`
	UnenrolMissing    *bool `json:"unenroll_users,omitempty"`
	AutoEnrolTeachers *bool `json:"auto_enroll_teachers,omitempty"`
	AutoEnrolStudents *bool `json:"auto_enroll_students,omitempty"`
}

// With returns a copy of o with the overrides applied.
func (o Options) With(ov RunOverrides) Options {
	if ov.SuspendMissing != nil {
		o.SuspendMissing = *ov.SuspendMissing
	}
	if ov.UnenrolMissing != nil {
		o.UnenrolMissing = *ov.UnenrolMissing
	}
	if ov.AutoEnrolTeachers != nil {
		o.AutoEnrolTeachers = *ov.AutoEnrolTeachers
	}
	if ov.AutoEnrolStudents != nil {
		o.AutoEnrolStudents = *ov.AutoEnrolStudents
	}
	return o
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	return set
}

// userSelected reports whether username is in scope for this run. A nil set
// means no user filter.
func (e *Engine) userSelected(username string) bool {
	if e.selUsers == nil {
		return true
	}
	return e.selUsers[strings.ToLower(strings.TrimSpace(username))]
}

func (e *Engine) groupSelected(name string) bool {
	if e.selGroups == nil {
		return true
	}
	return e.selGroups[strings.ToLower(strings.TrimSpace(name))]
}

// filterUsers applies the user selection to a computed delta. Unselected
// creations and suspensions are dropped (creations become skips); unselected
// updates fall back to unchanged so the member cache still covers them.
func (e *Engine) filterUsers(d userDelta) userDelta {
	if e.selUsers == nil {
		return d
	}
	out := userDelta{unchanged: d.unchanged, skipped: d.skipped}
	for _, iu := range d.toCreate {
		if e.userSelected(iu.Username) {
			out.toCreate = append(out.toCreate, iu)
		} else {
			out.skipped = append(out.skipped, skippedUser{iu, "not selected"})
		}
	}
	for _, m := range d.toUpdate {
		if e.userSelected(m.idp.Username) {
			out.toUpdate = append(out.toUpdate, m)
		} else {
			out.unchanged = append(out.unchanged, m)
		}
	}
	for _, u := range d.toSuspend {
		if e.userSelected(u.Username) {
			out.toSuspend = append(out.toSuspend, u)
		}
	}
	return out
}
