// Package code finds fenced code examples in documentation and scores them
// with small rule tables. It performs no I/O.
package code

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minExampleLength = 20
	precedingWindow  = 300
	maxExampleTopics = 8
	defaultUseCase   = "general"
	fallbackDesc     = "Code example"
)

var (
	fencePattern  = regexp.MustCompile("```(\\w+)?\\n([\\s\\S]*?)\\n```")
	lineComment   = regexp.MustCompile(`(?m)//\s*(.+)$`)
	docstring     = regexp.MustCompile(`"""\s*(.+?)\s*"""`)
	headingMarker = regexp.MustCompile(`^#+\s*`)
	headingText   = regexp.MustCompile(`#+\s+(.+)`)
	declaredName  = regexp.MustCompile(`(?:function|class|const|let|var)\s+(\w+)`)
	whitespace    = regexp.MustCompile(`\s+`)
	apiKeywords   = []string{"fetch", "async", "await", "promise", "callback", "event", "handler"}
)

// Example is a code block pulled out of documentation.
type Example struct {
	Language    string     `json:"language"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Topics      []string   `json:"topics"`
	Context     string     `json:"context"`
	Difficulty  Difficulty `json:"difficulty"`
}

// ExtractExamples returns every fenced block of at least 20 non-blank
// characters. languageHint is used when a fence has no language tag.
func ExtractExamples(content, languageHint string) []Example {
	examples := []Example{}
	for _, m := range fencePattern.FindAllStringSubmatchIndex(content, -1) {
		body := content[m[4]:m[5]]
		trimmed := strings.TrimSpace(body)
		if utf8.RuneCountInString(trimmed) < minExampleLength {
			continue
		}
		lang := languageHint
		if m[2] >= 0 {
			lang = content[m[2]:m[3]]
		}
		if lang == "" {
			lang = "text"
		}
		preceding := content[windowStart(content, m[0], precedingWindow):m[0]]
		heading := nearestHeading(preceding)
		ctx := heading
		if ctx == "" {
			ctx = lastNonEmptyLine(preceding)
		}
		examples = append(examples, Example{
			Language:    lang,
			Code:        trimmed,
			Description: describe(body, ctx),
			Topics:      exampleTopics(body, heading),
			Context:     ctx,
			Difficulty:  ScoreDifficulty(body),
		})
	}
	return examples
}

// ExtractUseCases groups examples by their first topic; examples without
// topics land under "general".
func ExtractUseCases(content string) map[string][]Example {
	useCases := map[string][]Example{}
	for _, ex := range ExtractExamples(content, "") {
		key := defaultUseCase
		if len(ex.Topics) > 0 {
			key = ex.Topics[0]
		}
		useCases[key] = append(useCases[key], ex)
	}
	return useCases
}

func describe(body, ctx string) string {
	if m := lineComment.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := docstring.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	if ctx != "" {
		return headingMarker.ReplaceAllString(ctx, "")
	}
	return fallbackDesc
}

func exampleTopics(body, heading string) []string {
	topics := newOrderedSet(maxExampleTopics)
	for _, m := range declaredName.FindAllStringSubmatch(body, -1) {
		topics.add(strings.ToLower(m[1]))
	}
	if m := headingText.FindStringSubmatch(heading); m != nil {
		for _, word := range whitespace.Split(strings.ToLower(m[1]), -1) {
			if utf8.RuneCountInString(word) > 3 {
				topics.add(word)
			}
		}
	}
	lower := strings.ToLower(body)
	for _, kw := range apiKeywords {
		if strings.Contains(lower, kw) {
			topics.add(kw)
		}
	}
	return topics.items()
}

// nearestHeading scans backwards for the closest line starting with '#'.
func nearestHeading(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "#") {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func windowStart(s string, end, n int) int {
	start := end - n
	if start <= 0 {
		return 0
	}
	for start < end && !utf8.RuneStart(s[start]) {
		start++
	}
	return start
}

type orderedSet struct {
	limit int
	seen  map[string]struct{}
	list  []string
}

func newOrderedSet(limit int) *orderedSet {
	return &orderedSet{limit: limit, seen: map[string]struct{}{}, list: []string{}}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.list = append(s.list, v)
}

// items returns insertion order, capped at the limit.
func (s *orderedSet) items() []string {
	if s.limit > 0 && len(s.list) > s.limit {
		return s.list[:s.limit]
	}
	return s.list
}
