package engine

import (
	"strings"

	"github.com/klassbridge/rostersync/internal/idp"
	"github.com/klassbridge/rostersync/internal/lms"
	"github.com/klassbridge/rostersync/internal/schema"
)

/* ---- user delta ---- */

// userMatch pairs an IdP user with the LMS row it matched.
type userMatch struct {
	idp idp.User
	lms lms.User
}

type skippedUser struct {
	user   idp.User
	reason string
}

type userDelta struct {
	toCreate  []idp.User
	toUpdate  []userMatch
	unchanged []userMatch
	toSuspend []lms.User
	skipped   []skippedUser
}

// computeUserDelta matches IdP users against the LMS table by email first,
// username second. Items keep IdP arrival order so reruns produce identical
// audit trails. Suspension candidates are previously synced accounts
// (auth matches syncAuth) whose username no longer appears at the IdP,
// excluding protected and already-suspended accounts.
func computeUserDelta(idpUsers []idp.User, existing []lms.User, syncAuth string, suspendMissing bool) userDelta {
	var d userDelta
	byEmail := make(map[string]lms.User, len(existing))
	byUsername := make(map[string]lms.User, len(existing))
	for _, u := range existing {
		if u.Email != "" {
			byEmail[strings.ToLower(u.Email)] = u
		}
		if u.Username != "" {
			byUsername[strings.ToLower(u.Username)] = u
		}
	}

	atIdP := make(map[string]bool, len(idpUsers))
	for _, iu := range idpUsers {
		username := strings.ToLower(strings.TrimSpace(iu.Username))
		email := strings.ToLower(strings.TrimSpace(iu.Email))
		if username != "" {
			atIdP[username] = true
		}
		if username == "" || email == "" {
			d.skipped = append(d.skipped, skippedUser{iu, "missing username or email"})
			continue
		}
		if !iu.Enabled {
			d.skipped = append(d.skipped, skippedUser{iu, "disabled at idp"})
			continue
		}
		match, ok := byEmail[email]
		if !ok {
			match, ok = byUsername[username]
		}
		if !ok {
			d.toCreate = append(d.toCreate, iu)
			continue
		}
		if match.FirstName != iu.FirstName || match.LastName != iu.LastName {
			d.toUpdate = append(d.toUpdate, userMatch{idp: iu, lms: match})
		} else {
			d.unchanged = append(d.unchanged, userMatch{idp: iu, lms: match})
		}
	}

	if suspendMissing {
		for _, u := range existing {
			if u.Auth != syncAuth || u.Suspended || lms.ProtectedUsernames[strings.ToLower(u.Username)] {
				continue
			}
			if !atIdP[strings.ToLower(u.Username)] {
				d.toSuspend = append(d.toSuspend, u)
			}
		}
	}
	return d
}

/* ---- course delta ---- */

type courseAction int

const (
	courseCreate courseAction = iota
	courseUpdate
	courseSkip
)

// courseItem bundles one schema-matched group with the planned action and,
// for updates and skips, the existing course.
type courseItem struct {
	group    idp.Group
	match    *schema.Match
	existing lms.Course // zero value for creations
	action   courseAction
}

// courseDelta keeps matched items in IdP arrival order so both the apply
// phase and the membership fetch walk groups in a stable order.
type courseDelta struct {
	items     []courseItem
	unmatched []string
}

func (d courseDelta) count(a courseAction) int {
	n := 0
	for _, it := range d.items {
		if it.action == a {
			n++
		}
	}
	return n
}

/* ---- enrolment delta ---- */

type enrolKey struct {
	courseID int64
	userID   int64
}

// enrolItem is one planned enrolment mutation. idnumber and username only
// feed log identifiers.
type enrolItem struct {
	courseID int64
	userID   int64
	role     string
	oldRole  string
	username string
	idnumber string
}

type enrolDelta struct {
	toEnrol      []enrolItem
	toUpdateRole []enrolItem
	toUnenrol    []enrolItem
	skipped      int
	expected     map[enrolKey]bool
}
