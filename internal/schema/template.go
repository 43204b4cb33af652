package schema

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Template syntax: {var|transform|transform:arg:arg|...}. The variable
// resolves against the caller's bag (missing keys become ""), then each
// transformer applies left to right. Unknown transformer names are identity
// so older schema configs keep working against newer binaries.

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Expand replaces every placeholder in tmpl. Text outside braces is literal.
func Expand(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		parts := strings.Split(m[1:len(m)-1], "|")
		val := vars[strings.TrimSpace(parts[0])]
		for _, spec := range parts[1:] {
			val = transform(strings.TrimSpace(spec), val)
		}
		return val
	})
}

func transform(spec, val string) string {
	name, arg, _ := strings.Cut(spec, ":")
	switch name {
	case "upper":
		return strings.ToUpper(val)
	case "lower":
		return strings.ToLower(val)
	case "ucfirst":
		return ucfirst(val)
	case "titlecase":
		return titlecase(val)
	case "replace":
		from, to, ok := strings.Cut(arg, ":")
		if !ok || from == "" {
			return val
		}
		return strings.ReplaceAll(val, from, to)
	case "truncate":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return val
		}
		r := []rune(val)
		if len(r) <= n {
			return val
		}
		return string(r[:n]) + "…"
	case "extract_grade":
		return leadingDigits(val)
	case "map":
		return mapLookup(arg, val)
	case "default":
		if val == "" {
			return arg
		}
		return val
	case "clean":
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
				return r
			}
			return -1
		}, val)
	case "slug":
		return slugify(val)
	case "pad":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return val
		}
		for len(val) < n {
			val = "0" + val
		}
		return val
	default:
		return val
	}
}

func ucfirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// titlecase turns "first_aid-course" into "First Aid Course".
func titlecase(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = ucfirst(w)
	}
	return strings.Join(words, " ")
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := true // swallow leading dashes
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// mapLookup resolves a named dictionary; unknown table or missing entry
// falls back to ucfirst, which reads fine for most identifiers.
func mapLookup(table, val string) string {
	m, ok := mapTables[table]
	if !ok {
		return ucfirst(val)
	}
	if out, ok := m[strings.ToLower(val)]; ok {
		return out
	}
	return ucfirst(val)
}

var mapTables = map[string]map[string]string{
	"subject": subjectNames,
}

// German school subject abbreviations as they appear in roster group names.
var subjectNames = map[string]string{
	"m":       "Mathematik",
	"ma":      "Mathematik",
	"mathe":   "Mathematik",
	"d":       "Deutsch",
	"de":      "Deutsch",
	"deutsch": "Deutsch",
	"e":       "Englisch",
	"en":      "Englisch",
	"eng":     "Englisch",
	"f":       "Französisch",
	"fr":      "Französisch",
	"la":      "Latein",
	"bio":     "Biologie",
	"ch":      "Chemie",
	"che":     "Chemie",
	"ph":      "Physik",
	"phy":     "Physik",
	"geo":     "Geographie",
	"ek":      "Erdkunde",
	"ge":      "Geschichte",
	"gesch":   "Geschichte",
	"mu":      "Musik",
	"ku":      "Kunst",
	"bk":      "Bildende Kunst",
	"sp":      "Sport",
	"sport":   "Sport",
	"inf":     "Informatik",
	"it":      "Informatik",
	"eth":     "Ethik",
	"rel":     "Religion",
	"sk":      "Sozialkunde",
	"pol":     "Politik",
	"wr":      "Wirtschaft und Recht",
	"nwt":     "Naturwissenschaft und Technik",
}
