package classify_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klassbridge/rostersync/internal/classify"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		wantType classify.Type
		wantBase string
	}{
		{"10a", classify.Class, "10a"},
		{"5", classify.Class, "5"},
		{"k1", classify.Class, "k1"},
		{"ks2", classify.Class, "ks2"},
		{"j1", classify.Class, "j1"},
		{"10a-teachers", classify.TeacherShadow, "10a"},
		// Suffix rule outranks the project prefix.
		{"p_chess-teachers", classify.TeacherShadow, "p_chess"},
		{"p_chess_ag", classify.Project, "chess_ag"},
		{"p_alle_mathe", classify.Project, "alle_mathe"},
		{"xyz-unknown", classify.Other, "xyz-unknown"},
		{"10ab", classify.Other, "10ab"},
		{"ks3", classify.Other, "ks3"},
		{"", classify.Other, ""},
	}
	for _, tc := range cases {
		typ, base := classify.Classify(tc.name)
		require.Equal(t, tc.wantType, typ, "type of %q", tc.name)
		require.Equal(t, tc.wantBase, base, "base of %q", tc.name)
	}
}
