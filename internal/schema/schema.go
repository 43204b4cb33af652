// Package schema maps IdP group names onto canonical course shapes. An
// ordered list of naming schemas is tried against each group name; the first
// regex match wins and its templates emit the course idnumber, shortname,
// fullname, category path, and member-role table.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RoleMap keys are "default" (required) and "teacher" (optional). When a
// member is a detected teacher and the map carries a teacher entry, that
// role is used; otherwise everyone gets the default.
type RoleMap map[string]string

const (
	RoleKeyDefault = "default"
	RoleKeyTeacher = "teacher"
)

var validRoles = map[string]bool{
	"student":        true,
	"editingteacher": true,
}

type NamingSchema struct {
	ID                string  `json:"id"`
	MatchPattern      string  `json:"match_pattern"`
	IDNumberTemplate  string  `json:"idnumber_template"`
	ShortNameTemplate string  `json:"shortname_template"`
	FullNameTemplate  string  `json:"fullname_template"`
	CategoryTemplate  string  `json:"category_template"`
	RoleMap           RoleMap `json:"role_map"`

	re *regexp.Regexp
}

// Match is the course shape one schema produced for one group.
type Match struct {
	SchemaID        string
	GroupID         string
	GroupName       string
	CourseIDNumber  string
	CourseShortName string
	CourseFullName  string
	CategoryPath    string
	RoleMap         RoleMap
}

// Role resolves the enrolment role for a member. isTeacher only matters when
// the map carries a teacher entry.
func (m *Match) Role(isTeacher bool) string {
	if isTeacher {
		if r, ok := m.RoleMap[RoleKeyTeacher]; ok {
			return r
		}
	}
	return m.RoleMap[RoleKeyDefault]
}

type Processor struct {
	schemas []NamingSchema
}

// NewProcessor validates and compiles the schema list, preserving order.
func NewProcessor(schemas []NamingSchema) (*Processor, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("schema list is empty")
	}
	compiled := make([]NamingSchema, len(schemas))
	seen := map[string]bool{}
	for i, s := range schemas {
		if s.ID == "" {
			return nil, fmt.Errorf("schema %d: missing id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("schema %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.IDNumberTemplate == "" {
			return nil, fmt.Errorf("schema %q: missing idnumber_template", s.ID)
		}
		re, err := regexp.Compile(s.MatchPattern)
		if err != nil {
			return nil, fmt.Errorf("schema %q: bad match_pattern: %w", s.ID, err)
		}
		if _, ok := s.RoleMap[RoleKeyDefault]; !ok {
			return nil, fmt.Errorf("schema %q: role_map needs a default role", s.ID)
		}
		for key, role := range s.RoleMap {
			if !validRoles[role] {
				return nil, fmt.Errorf("schema %q: role_map[%s]=%q is not a supported role", s.ID, key, role)
			}
		}
		s.re = re
		compiled[i] = s
	}
	return &Processor{schemas: compiled}, nil
}

// ParseSchemas loads a configured JSON override of the built-in list.
func ParseSchemas(raw string) ([]NamingSchema, error) {
	var schemas []NamingSchema
	if err := json.Unmarshal([]byte(raw), &schemas); err != nil {
		return nil, fmt.Errorf("naming_schemas: %w", err)
	}
	return schemas, nil
}

// Process tries each schema in order against the group name. The first match
// wins; its capture groups (positional and named) join {name, group_id} in
// the template variable bag. A miss returns (nil, false).
func (p *Processor) Process(name, groupID string) (*Match, bool) {
	for i := range p.schemas {
		s := &p.schemas[i]
		sub := s.re.FindStringSubmatch(name)
		if sub == nil {
			continue
		}
		vars := map[string]string{
			"name":     name,
			"group_id": groupID,
		}
		for j, v := range sub {
			vars[fmt.Sprintf("%d", j)] = v
		}
		for j, n := range s.re.SubexpNames() {
			if n != "" && j < len(sub) {
				vars[n] = sub[j]
			}
		}
		return &Match{
			SchemaID:        s.ID,
			GroupID:         groupID,
			GroupName:       name,
			CourseIDNumber:  Expand(s.IDNumberTemplate, vars),
			CourseShortName: Expand(s.ShortNameTemplate, vars),
			CourseFullName:  Expand(s.FullNameTemplate, vars),
			CategoryPath:    Expand(s.CategoryTemplate, vars),
			RoleMap:         s.RoleMap,
		}, true
	}
	return nil, false
}

// SyncPrefixes returns the distinct literal prefixes of the idnumber
// templates. A course whose idnumber starts with one of these is sync-owned.
func (p *Processor) SyncPrefixes() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range p.schemas {
		pre := s.IDNumberTemplate
		if i := strings.IndexByte(pre, '{'); i >= 0 {
			pre = pre[:i]
		}
		if pre != "" && !seen[pre] {
			seen[pre] = true
			out = append(out, pre)
		}
	}
	return out
}

// Owns reports whether the idnumber carries one of the active sync prefixes.
// Empty idnumbers are never owned.
func (p *Processor) Owns(idnumber string) bool {
	if idnumber == "" {
		return false
	}
	for _, s := range p.schemas {
		pre := s.IDNumberTemplate
		if i := strings.IndexByte(pre, '{'); i >= 0 {
			pre = pre[:i]
		}
		if pre != "" && strings.HasPrefix(idnumber, pre) {
			return true
		}
	}
	return false
}
