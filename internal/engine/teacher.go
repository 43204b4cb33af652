package engine

import (
	"strings"

	"github.com/klassbridge/rostersync/internal/idp"
)

// Well-known administrative account names. Admins always count as teachers
// so they end up with editable access to the courses they oversee.
var adminUsernames = map[string]bool{
	"global-admin":   true,
	"admin":          true,
	"administrator":  true,
	"moodle-admin":   true,
	"keycloak-admin": true,
}

// TeacherDetector classifies an IdP user as teacher or not. Rules run in
// order; the first hit wins.
type TeacherDetector struct {
	RoleAttr  string // attribute holding the role, default sophomorixRole
	RoleValue string // value marking a teacher, default teacher
}

func (d TeacherDetector) IsTeacher(u idp.User) bool {
	username := strings.ToLower(u.Username)
	if adminUsernames[username] || strings.Contains(username, "admin") {
		return true
	}

	if dn := u.Attr("LDAP_ENTRY_DN"); dn != "" {
		if strings.Contains(strings.ToLower(dn), "ou=teachers") {
			return true
		}
	}

	attr := d.RoleAttr
	if attr == "" {
		attr = "sophomorixRole"
	}
	want := d.RoleValue
	if want == "" {
		want = "teacher"
	}
	if v := u.Attr(attr); v != "" && strings.EqualFold(v, want) {
		return true
	}
	if v := u.Attr("role"); v != "" && strings.EqualFold(v, want) {
		return true
	}
	if v := u.Attr("userType"); v != "" && strings.EqualFold(v, "teacher") {
		return true
	}
	return false
}
