package code

import (
	"regexp"
	"strings"
)

// Rule is one weighted indicator in a scoring table.
type Rule struct {
	Name   string
	Weight int
	Match  func(code string) bool
}

// Score sums the weights of every rule that matches code.
func Score(rules []Rule, code string) int {
	total := 0
	for _, r := range rules {
		if r.Match(code) {
			total += r.Weight
		}
	}
	return total
}

func containsAny(subs ...string) func(string) bool {
	return func(code string) bool {
		for _, s := range subs {
			if strings.Contains(code, s) {
				return true
			}
		}
		return false
	}
}

func matches(re *regexp.Regexp) func(string) bool {
	return re.MatchString
}

var (
	denseBraces   = regexp.MustCompile(`\{[\s\S]{50,}\}`)
	thenChain     = regexp.MustCompile(`\.then\s*\(`)
	comprehension = regexp.MustCompile(`\[.*for.*in.*\]`)
)

// Difficulty is the audience level of an example.
type Difficulty string

// Difficulty tiers.
const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
)

// DifficultyRules are the indicators behind ScoreDifficulty. All weights are
// positive, so adding an indicator never lowers the tier.
var DifficultyRules = []Rule{
	{Name: "async", Weight: 1, Match: containsAny("async", "await")},
	{Name: "promise", Weight: 1, Match: containsAny("Promise")},
	{Name: "class", Weight: 1, Match: containsAny("class ")},
	{Name: "interface", Weight: 1, Match: containsAny("interface ")},
	{Name: "generics", Weight: 2, Match: containsAny("generics", "<")},
	{Name: "recursion", Weight: 2, Match: containsAny("recursion")},
	{Name: "map-reduce", Weight: 1, Match: containsAny("reduce", "map")},
	{Name: "dense-braces", Weight: 1, Match: matches(denseBraces)},
}

// DifficultyFor maps a score onto a tier: 0 beginner, 1-3 intermediate, 4+ advanced.
func DifficultyFor(score int) Difficulty {
	switch {
	case score <= 0:
		return Beginner
	case score < 4:
		return Intermediate
	default:
		return Advanced
	}
}

// ScoreDifficulty rates how demanding a snippet is to read.
func ScoreDifficulty(code string) Difficulty {
	return DifficultyFor(Score(DifficultyRules, code))
}

// Complexity is the structural complexity of analyzed code.
type Complexity string

// Complexity tiers.
const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// ComplexityRules are the indicators behind ScoreComplexity.
var ComplexityRules = []Rule{
	{Name: "over-50-lines", Weight: 1, Match: func(c string) bool { return lineCount(c) > 50 }},
	{Name: "over-100-lines", Weight: 1, Match: func(c string) bool { return lineCount(c) > 100 }},
	{Name: "async", Weight: 1, Match: containsAny("async", "await")},
	{Name: "promise", Weight: 1, Match: containsAny("Promise")},
	{Name: "then-chain", Weight: 1, Match: matches(thenChain)},
	{Name: "try-catch", Weight: 1, Match: func(c string) bool {
		return strings.Contains(c, "try") && strings.Contains(c, "catch")
	}},
	{Name: "comprehension", Weight: 1, Match: matches(comprehension)},
	{Name: "brace-density", Weight: 1, Match: func(c string) bool { return strings.Count(c, "{") > 10 }},
}

// ComplexityFor maps a score onto a tier: 0-1 simple, 2-3 moderate, 4+ complex.
func ComplexityFor(score int) Complexity {
	switch {
	case score <= 1:
		return Simple
	case score <= 3:
		return Moderate
	default:
		return Complex
	}
}

// ScoreComplexity rates the structure of code.
func ScoreComplexity(code string) Complexity {
	return ComplexityFor(Score(ComplexityRules, code))
}

func lineCount(code string) int {
	return strings.Count(code, "\n") + 1
}
