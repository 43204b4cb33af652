package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klassbridge/rostersync/internal/schema"
)

func defaultProcessor(t *testing.T) *schema.Processor {
	t.Helper()
	p, err := schema.NewProcessor(schema.DefaultSchemas())
	require.NoError(t, err)
	return p
}

func TestDefaults_ClassGroup(t *testing.T) {
	p := defaultProcessor(t)

	m, ok := p.Process("10a", "g1")
	require.True(t, ok)
	require.Equal(t, "class", m.SchemaID)
	require.Equal(t, "kc_10a", m.CourseIDNumber)
	require.Equal(t, "Klasse 10A", m.CourseFullName)
	require.Equal(t, "/Classes/Grade 10", m.CategoryPath)
	require.Equal(t, "student", m.RoleMap[schema.RoleKeyDefault])
	require.Equal(t, "editingteacher", m.RoleMap[schema.RoleKeyTeacher])
}

func TestDefaults_SeniorClassGroup(t *testing.T) {
	p := defaultProcessor(t)

	m, ok := p.Process("k1", "g2")
	require.True(t, ok)
	require.Equal(t, "class-senior", m.SchemaID)
	require.Equal(t, "kc_k1", m.CourseIDNumber)
	require.Equal(t, "/Classes/Kollegstufe", m.CategoryPath)
}

func TestDefaults_ProjectShapes(t *testing.T) {
	p := defaultProcessor(t)

	cases := []struct {
		group    string
		schemaID string
		idnumber string
		category string
		fullname string
	}{
		{"p_alle_mathe", "subject-faculty", "kc_faculty_mathe", "/Faculties", "Fachschaft Mathematik"},
		{"p_schach_ag", "ag", "kc_ag_schach", "/Clubs", "AG Schach"},
		{"p_mueller_mathe_10a", "teacher-course", "kc_teach_mueller_mathe_10a", "/Teachers/Mueller", "Mathematik 10A (Mueller)"},
		{"p_10a_ph", "class-subject", "kc_cls_10a_ph", "/Classes/Grade 10", "Physik 10A"},
		{"p_zukunftswerkstatt", "project", "kc_project_zukunftswerkstatt", "/Projects", "Projekt Zukunftswerkstatt"},
	}
	for _, tc := range cases {
		m, ok := p.Process(tc.group, "gid")
		require.True(t, ok, "group %q should match", tc.group)
		require.Equal(t, tc.schemaID, m.SchemaID, "group %q", tc.group)
		require.Equal(t, tc.idnumber, m.CourseIDNumber, "group %q", tc.group)
		require.Equal(t, tc.category, m.CategoryPath, "group %q", tc.group)
		require.Equal(t, tc.fullname, m.CourseFullName, "group %q", tc.group)
	}
}

func TestDefaults_UnmatchedGroups(t *testing.T) {
	p := defaultProcessor(t)

	for _, name := range []string{"xyz-unknown", "10a-teachers", "admins", ""} {
		_, ok := p.Process(name, "gid")
		require.False(t, ok, "group %q must not match", name)
	}
}

func TestProcess_FirstMatchWins(t *testing.T) {
	p, err := schema.NewProcessor([]schema.NamingSchema{
		{
			ID:               "narrow",
			MatchPattern:     `^10a$`,
			IDNumberTemplate: "kc_narrow_{name}",
			RoleMap:          schema.RoleMap{schema.RoleKeyDefault: "student"},
		},
		{
			ID:               "wide",
			MatchPattern:     `^\d+[a-z]?$`,
			IDNumberTemplate: "kc_wide_{name}",
			RoleMap:          schema.RoleMap{schema.RoleKeyDefault: "student"},
		},
	})
	require.NoError(t, err)

	m, ok := p.Process("10a", "g")
	require.True(t, ok)
	require.Equal(t, "narrow", m.SchemaID)

	m, ok = p.Process("10b", "g")
	require.True(t, ok)
	require.Equal(t, "wide", m.SchemaID)
}

func TestProcess_Deterministic(t *testing.T) {
	p := defaultProcessor(t)

	groups := []string{"10a", "k1", "p_alle_mathe", "p_10a_ph", "p_schach_ag", "xyz", "p_x"}
	var first []schema.Match
	for _, g := range groups {
		if m, ok := p.Process(g, "gid-"+g); ok {
			first = append(first, *m)
		}
	}
	var second []schema.Match
	for _, g := range groups {
		if m, ok := p.Process(g, "gid-"+g); ok {
			second = append(second, *m)
		}
	}
	require.Equal(t, first, second)
}

func TestMatch_RoleSelection(t *testing.T) {
	withTeacher := &schema.Match{RoleMap: schema.RoleMap{
		schema.RoleKeyDefault: "student",
		schema.RoleKeyTeacher: "editingteacher",
	}}
	require.Equal(t, "editingteacher", withTeacher.Role(true))
	require.Equal(t, "student", withTeacher.Role(false))

	defaultOnly := &schema.Match{RoleMap: schema.RoleMap{schema.RoleKeyDefault: "student"}}
	require.Equal(t, "student", defaultOnly.Role(true), "teachers fall back to default without a teacher entry")
	require.Equal(t, "student", defaultOnly.Role(false))
}

func TestNewProcessor_Validation(t *testing.T) {
	base := schema.NamingSchema{
		ID:               "ok",
		MatchPattern:     `^x$`,
		IDNumberTemplate: "kc_x",
		RoleMap:          schema.RoleMap{schema.RoleKeyDefault: "student"},
	}

	_, err := schema.NewProcessor(nil)
	require.Error(t, err)

	bad := base
	bad.ID = ""
	_, err = schema.NewProcessor([]schema.NamingSchema{bad})
	require.Error(t, err)

	bad = base
	bad.MatchPattern = `([`
	_, err = schema.NewProcessor([]schema.NamingSchema{bad})
	require.Error(t, err)

	bad = base
	bad.RoleMap = schema.RoleMap{}
	_, err = schema.NewProcessor([]schema.NamingSchema{bad})
	require.Error(t, err)

	bad = base
	bad.RoleMap = schema.RoleMap{schema.RoleKeyDefault: "superhero"}
	_, err = schema.NewProcessor([]schema.NamingSchema{bad})
	require.Error(t, err)

	_, err = schema.NewProcessor([]schema.NamingSchema{base, base})
	require.Error(t, err, "duplicate ids rejected")
}

func TestParseSchemas(t *testing.T) {
	raw := `[{"id":"custom","match_pattern":"^c_(?P<rest>.+)$",
		"idnumber_template":"kc_custom_{rest}",
		"shortname_template":"C {rest}",
		"fullname_template":"Custom {rest|titlecase}",
		"category_template":"/Custom",
		"role_map":{"default":"student"}}]`
	schemas, err := schema.ParseSchemas(raw)
	require.NoError(t, err)
	p, err := schema.NewProcessor(schemas)
	require.NoError(t, err)

	m, ok := p.Process("c_robotics", "g9")
	require.True(t, ok)
	require.Equal(t, "kc_custom_robotics", m.CourseIDNumber)
	require.Equal(t, "Custom Robotics", m.CourseFullName)

	_, err = schema.ParseSchemas(`{not json`)
	require.Error(t, err)
}

func TestSyncPrefixesAndOwnership(t *testing.T) {
	p := defaultProcessor(t)

	prefixes := p.SyncPrefixes()
	require.Contains(t, prefixes, "kc_")
	require.Contains(t, prefixes, "kc_project_")

	require.True(t, p.Owns("kc_10a"))
	require.True(t, p.Owns("kc_project_zukunft"))
	require.False(t, p.Owns("math-advanced"))
	require.False(t, p.Owns(""))
}
