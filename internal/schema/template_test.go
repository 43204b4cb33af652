package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klassbridge/rostersync/internal/schema"
)

func TestExpand_Transformers(t *testing.T) {
	vars := map[string]string{
		"name":    "10a",
		"word":    "mueller",
		"phrase":  "first_aid-course",
		"subject": "mathe",
		"long":    "abcdefgh",
		"umlaut":  "äöüß",
		"messy":   "a b!c_d-e",
		"n":       "7",
	}
	cases := []struct {
		tmpl string
		want string
	}{
		{"{name|upper}", "10A"},
		{"{word|upper|lower}", "mueller"},
		{"{word|ucfirst}", "Mueller"},
		{"{phrase|titlecase}", "First Aid Course"},
		{"{phrase|replace:_:-}", "first-aid-course"},
		{"{long|truncate:3}", "abc…"},
		{"{name|truncate:10}", "10a"},
		{"{umlaut|truncate:2}", "äö…"},
		{"{name|extract_grade}", "10"},
		{"{word|extract_grade}", ""},
		{"{subject|map:subject}", "Mathematik"},
		{"{word|map:subject}", "Mueller"},       // no table entry: ucfirst fallback
		{"{word|map:no_such_table}", "Mueller"}, // unknown table: ucfirst fallback
		{"{missing|default:fallback}", "fallback"},
		{"{word|default:fallback}", "mueller"},
		{"{messy|clean}", "abc_d-e"},
		{"{messy|slug}", "a-b-c-d-e"},
		{"{n|pad:4}", "0007"},
		{"{long|pad:4}", "abcdefgh"},
		{"{word|sparkle}", "mueller"}, // unknown transformer is identity
		{"Grade {name|extract_grade}", "Grade 10"},
		{"{word|extract_grade|default:Kollegstufe}", "Kollegstufe"},
		{"{name|extract_grade|pad:3}", "010"},
		{"plain text", "plain text"},
		{"{missing}", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, schema.Expand(tc.tmpl, vars), "template %q", tc.tmpl)
	}
}

func TestExpand_MultiplePlaceholders(t *testing.T) {
	vars := map[string]string{"class": "10a", "subject": "ph"}
	got := schema.Expand("{subject|map:subject} {class|upper}", vars)
	require.Equal(t, "Physik 10A", got)
}
