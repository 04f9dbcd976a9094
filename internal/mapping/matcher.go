package mapping

import (
	"fmt"
	"regexp"
	"strings"
)

// SidecarSuffix matches any shapefile component extension at the end of a path.
const SidecarSuffix = `(?i:\.(?:shp|cpg|dbf|prj|qmd|shx))$`

var (
	tokenRe      = regexp.MustCompile(`YY|MM|PP|CCCCC|AA|mmmm`)
	annotationRe = regexp.MustCompile(`（[^）]*）`)
	trailingNote = regexp.MustCompile(`\s*（[^）]*）\s*$`)
	extensionRe  = regexp.MustCompile(`(?i)\.(?:shp|cpg|dbf|prj|qmd|shx)$`)
	anySidecarRe = regexp.MustCompile(SidecarSuffix)
)

// Matcher recognizes extracted file paths that belong to one output.
// A path matches when any of its patterns does.
type Matcher []*regexp.Regexp

// Match reports whether path (using "/" separators) belongs to the matcher.
func (m Matcher) Match(path string) bool {
	for _, re := range m {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (m Matcher) String() string {
	parts := make([]string, len(m))
	for i, re := range m {
		parts[i] = re.String()
	}
	return strings.Join(parts, " | ")
}

// AnySidecar matches every shapefile component regardless of name.
func AnySidecar() Matcher {
	return Matcher{anySidecarRe}
}

// NewMatcher compiles naming templates. No templates yields AnySidecar.
func NewMatcher(templates ...string) (Matcher, error) {
	if len(templates) == 0 {
		return AnySidecar(), nil
	}
	m := make(Matcher, 0, len(templates))
	for _, t := range templates {
		re, err := CompileTemplate(t)
		if err != nil {
			return nil, err
		}
		m = append(m, re)
	}
	return m, nil
}

// NewPatternMatcher compiles raw regular expressions as given.
func NewPatternMatcher(patterns ...string) (Matcher, error) {
	m := make(Matcher, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		m = append(m, re)
	}
	return m, nil
}

// CompileTemplate turns a naming template such as "A01-YY_PP.shp" into an anchored
// regular expression. Tokens become fixed width digit classes, literal text is
// quoted and the extension accepts every sidecar.
func CompileTemplate(template string) (*regexp.Regexp, error) {
	base := templateStem(template)
	if base == "" {
		return nil, fmt.Errorf("empty naming template %q", template)
	}

	var b strings.Builder
	b.WriteString(`(?:^|/)`)
	last := 0
	for _, loc := range tokenRe.FindAllStringIndex(base, -1) {
		b.WriteString(regexp.QuoteMeta(base[last:loc[0]]))
		fmt.Fprintf(&b, `\d{%d}`, loc[1]-loc[0])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(base[last:]))
	b.WriteString(SidecarSuffix)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile template %q: %w", template, err)
	}
	return re, nil
}

// templateStem drops notes written after the file name and the extension.
// Parenthesized text inside the file name itself is kept verbatim.
func templateStem(template string) string {
	t := strings.TrimSpace(template)
	for {
		loc := trailingNote.FindStringIndex(t)
		if loc == nil {
			break
		}
		t = t[:loc[0]]
	}
	t = extensionRe.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// DisplayName removes full-width parenthesized annotations such as "（ポリゴン）".
func DisplayName(name string) string {
	return strings.TrimSpace(annotationRe.ReplaceAllString(name, ""))
}
