package discovery

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultReporterModule is the module whose test globals must not be imported.
const DefaultReporterModule = "mocha"

// ImportViolation lists test files that import the reporter's test-definition
// globals instead of relying on the ones installed in the page.
type ImportViolation struct {
	Module string
	Files  []string
}

func (e *ImportViolation) Error() string {
	return fmt.Sprintf("importing 'describe' or 'it' from %s in test files breaks browser testing in %s",
		e.Module, strings.Join(e.Files, ", "))
}

// Guard is a textual check for imports of the reporter module. It is not a parser:
// obfuscated imports slip through, type-only imports are allowed.
type Guard struct {
	Module string

	typeOnly    *regexp.Regexp
	from        *regexp.Regexp
	bare        *regexp.Regexp
	require     *regexp.Regexp
	lineComment *regexp.Regexp
}

func NewGuard(module string) *Guard {
	if module == "" {
		module = DefaultReporterModule
	}
	q := regexp.QuoteMeta(module)
	return &Guard{
		Module:      module,
		typeOnly:    regexp.MustCompile(`\bimport\s+type\s+[^;'"]*?\bfrom\s*['"]` + q + `['"]`),
		from:        regexp.MustCompile(`\bfrom\s*['"]` + q + `['"]`),
		bare:        regexp.MustCompile(`\bimport\s*\(?\s*['"]` + q + `['"]`),
		require:     regexp.MustCompile(`\brequire\s*\(\s*['"]` + q + `['"]\s*\)`),
		lineComment: regexp.MustCompile(`(?m)(^|\s)//.*$`),
	}
}

// Imports reports whether src imports the reporter module.
func (g *Guard) Imports(src string) bool {
	src = g.lineComment.ReplaceAllString(src, "$1")
	src = g.typeOnly.ReplaceAllString(src, "")
	return g.from.MatchString(src) || g.bare.MatchString(src) || g.require.MatchString(src)
}

// Check reads every file and returns an *ImportViolation naming all offenders.
// Read errors are returned unwrapped.
func (g *Guard) Check(files []TestFile) error {
	var offenders []string
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return err
		}
		if g.Imports(string(data)) {
			offenders = append(offenders, f.Rel)
		}
	}
	if len(offenders) > 0 {
		return &ImportViolation{Module: g.Module, Files: offenders}
	}
	return nil
}
