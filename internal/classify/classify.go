// Package classify assigns a coarse type to an IdP group name. It is a
// convenience for schemas and reporting; the authoritative course-shape
// decision belongs to the schema processor.
package classify

import (
	"regexp"
	"strings"
)

type Type string

const (
	Class         Type = "class"
	TeacherShadow Type = "teacher_shadow"
	Project       Type = "project"
	Other         Type = "other"
)

var (
	gradeClassRe   = regexp.MustCompile(`^\d+[a-z]?$`)
	specialClassRe = regexp.MustCompile(`^(k1|k2|ks[12]|j[12])$`)
)

// Classify applies the ordered rules, first match wins, and returns the type
// together with the cleaned base name (trailing "-teachers" or leading "p_"
// stripped).
func Classify(name string) (Type, string) {
	switch {
	case strings.HasSuffix(name, "-teachers"):
		return TeacherShadow, strings.TrimSuffix(name, "-teachers")
	case strings.HasPrefix(name, "p_"):
		return Project, strings.TrimPrefix(name, "p_")
	case gradeClassRe.MatchString(name) || specialClassRe.MatchString(name):
		return Class, name
	default:
		return Other, name
	}
}
