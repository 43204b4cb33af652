package schema

// DefaultSchemas is the built-in list, modeled on German school rosters
// (sophomorix-style group names). Order matters: the most specific patterns
// come first, the project catch-all last. Each idnumber template carries a
// distinct literal prefix under kc_ so that schema outputs stay disjoint.
func DefaultSchemas() []NamingSchema {
	return []NamingSchema{
		{
			ID:                "class",
			MatchPattern:      `^\d+[a-z]?$`,
			IDNumberTemplate:  "kc_{name}",
			ShortNameTemplate: "Klasse {name|upper}",
			FullNameTemplate:  "Klasse {name|upper}",
			CategoryTemplate:  "/Classes/Grade {name|extract_grade}",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
		{
			ID:                "class-senior",
			MatchPattern:      `^(k1|k2|ks1|ks2|j1|j2)$`,
			IDNumberTemplate:  "kc_{name}",
			ShortNameTemplate: "Klasse {name|upper}",
			FullNameTemplate:  "Klasse {name|upper}",
			CategoryTemplate:  "/Classes/Kollegstufe",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
		{
			ID:                "subject-faculty",
			MatchPattern:      `^p_alle_(?P<subject>[a-z0-9]+)$`,
			IDNumberTemplate:  "kc_faculty_{subject}",
			ShortNameTemplate: "FS {subject|map:subject}",
			FullNameTemplate:  "Fachschaft {subject|map:subject}",
			CategoryTemplate:  "/Faculties",
			RoleMap:           RoleMap{RoleKeyDefault: "editingteacher"},
		},
		{
			ID:                "ag",
			MatchPattern:      `^p_(?P<name>[a-z0-9_]+)_ag$`,
			IDNumberTemplate:  "kc_ag_{name}",
			ShortNameTemplate: "AG {name|titlecase|truncate:20}",
			FullNameTemplate:  "AG {name|titlecase}",
			CategoryTemplate:  "/Clubs",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
		{
			ID:                "teacher-course",
			MatchPattern:      `^p_(?P<teacher>[a-z]+)_(?P<subject>[a-z0-9]+)_(?P<class>\d+[a-z]?|k1|k2|ks1|ks2|j1|j2)$`,
			IDNumberTemplate:  "kc_teach_{teacher}_{subject}_{class}",
			ShortNameTemplate: "{subject|map:subject|truncate:12} {class|upper} ({teacher|ucfirst})",
			FullNameTemplate:  "{subject|map:subject} {class|upper} ({teacher|ucfirst})",
			CategoryTemplate:  "/Teachers/{teacher|ucfirst}",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
		{
			ID:                "class-subject",
			MatchPattern:      `^p_(?P<class>\d+[a-z]?)_(?P<subject>[a-z0-9]+)$`,
			IDNumberTemplate:  "kc_cls_{class}_{subject}",
			ShortNameTemplate: "{class|upper} {subject|map:subject|truncate:12}",
			FullNameTemplate:  "{subject|map:subject} {class|upper}",
			CategoryTemplate:  "/Classes/Grade {class|extract_grade}",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
		{
			ID:                "project",
			MatchPattern:      `^p_(?P<name>.+)$`,
			IDNumberTemplate:  "kc_project_{name}",
			ShortNameTemplate: "P {name|titlecase|truncate:20}",
			FullNameTemplate:  "Projekt {name|titlecase}",
			CategoryTemplate:  "/Projects",
			RoleMap:           RoleMap{RoleKeyDefault: "student", RoleKeyTeacher: "editingteacher"},
		},
	}
}
