package code

import (
	"regexp"
	"strings"
)

// Analysis is the structural summary of a code snippet.
type Analysis struct {
	Language   string     `json:"language"`
	Functions  []string   `json:"functions"`
	Classes    []string   `json:"classes"`
	Imports    []string   `json:"imports"`
	Complexity Complexity `json:"complexity"`
}

type languageFamily struct {
	names     []string
	functions *regexp.Regexp
	classes   *regexp.Regexp
	imports   *regexp.Regexp
}

var families = []languageFamily{
	{
		names:     []string{"js", "javascript", "ts", "typescript", "tsx", "jsx"},
		functions: regexp.MustCompile(`(?:function\s+|const\s+|let\s+|var\s+)(\w+)\s*=?\s*(?:function|\(|async)`),
		classes:   regexp.MustCompile(`class\s+(\w+)`),
		imports:   regexp.MustCompile(`(?:import|require)\s*[\(\{]?['"]([^'"]+)['"]`),
	},
	{
		names:     []string{"py", "python"},
		functions: regexp.MustCompile(`def\s+(\w+)\s*\(`),
		classes:   regexp.MustCompile(`class\s+(\w+)`),
		imports:   regexp.MustCompile(`(?:from|import)\s+([^\s]+)`),
	},
}

func familyFor(language string) *languageFamily {
	lang := strings.ToLower(strings.TrimSpace(language))
	for i := range families {
		for _, n := range families[i].names {
			if n == lang {
				return &families[i]
			}
		}
	}
	return nil
}

// AnalyzeCode extracts declared functions, classes and imports for the
// JavaScript and Python families and scores complexity for any language.
func AnalyzeCode(code, language string) Analysis {
	a := Analysis{
		Language:   language,
		Functions:  []string{},
		Classes:    []string{},
		Imports:    []string{},
		Complexity: ScoreComplexity(code),
	}
	fam := familyFor(language)
	if fam == nil {
		return a
	}
	a.Functions = captures(fam.functions, code)
	a.Classes = captures(fam.classes, code)
	a.Imports = captures(fam.imports, code)
	return a
}

func captures(re *regexp.Regexp, code string) []string {
	set := newOrderedSet(0)
	for _, m := range re.FindAllStringSubmatch(code, -1) {
		set.add(m[1])
	}
	return set.items()
}
