package markdown

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	contextWindow       = 200
	defaultChunkLength  = 2000
	headingSplitMinimum = 500
)

var (
	slugStrip      = regexp.MustCompile(`[^\w\s-]`)
	slugSpace      = regexp.MustCompile(`\s+`)
	slugDashes     = regexp.MustCompile(`-+`)
	fencePattern   = regexp.MustCompile("```(\\w+)?\\n([\\s\\S]*?)\\n```")
	headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
)

// Slug converts heading text into an anchor: lowercase, non-word characters
// removed, whitespace runs collapsed into single hyphens. Slug is idempotent.
func Slug(text string) string {
	s := strings.TrimSpace(strings.ToLower(text))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpace.ReplaceAllString(s, "-")
	return slugDashes.ReplaceAllString(s, "-")
}

// CodeExample is a fenced block found by the lightweight regex scan.
type CodeExample struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Context  string `json:"context"`
}

// ExtractCodeExamples scans raw text for fenced blocks without building a
// tree. Context is the last line of the 200 characters preceding the fence.
func ExtractCodeExamples(content string) []CodeExample {
	examples := []CodeExample{}
	for _, m := range fencePattern.FindAllStringSubmatchIndex(content, -1) {
		lang := "text"
		if m[2] >= 0 {
			lang = content[m[2]:m[3]]
		}
		preceding := strings.TrimSpace(content[windowStart(content, m[0], contextWindow):m[0]])
		examples = append(examples, CodeExample{
			Language: lang,
			Code:     strings.TrimSpace(content[m[4]:m[5]]),
			Context:  lastLine(preceding),
		})
	}
	return examples
}

// ChunkByHeadings splits content into chunks of at most roughly maxLen
// characters. A heading line starts a new chunk once the current chunk holds
// more than 500 characters; the heading goes with the new chunk. maxLen <= 0
// uses 2000.
func ChunkByHeadings(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = defaultChunkLength
	}
	chunks := []string{}
	var current strings.Builder
	size := 0
	flush := func() {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		size = 0
	}
	for _, line := range strings.Split(content, "\n") {
		// The 500-character test runs before the heading is appended, so
		// the heading opens the next chunk and is never counted twice.
		if strings.HasPrefix(line, "#") && size > headingSplitMinimum {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
		size += utf8.RuneCountInString(line) + 1
		if size >= maxLen {
			flush()
		}
	}
	flush()
	return chunks
}

// ExtractTableOfContents lists ATX headings with a line regex, without parsing
// the document.
func ExtractTableOfContents(content string) []Heading {
	toc := []Heading{}
	for _, m := range headingPattern.FindAllStringSubmatch(content, -1) {
		text := strings.TrimSpace(m[2])
		toc = append(toc, Heading{Level: len(m[1]), Text: text, Slug: Slug(text)})
	}
	return toc
}

// windowStart returns the byte offset n characters before end, moved forward
// to a rune boundary.
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

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}
