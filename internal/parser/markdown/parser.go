// Package markdown turns Markdown documents into headings, code blocks,
// topics and chunks. It performs no I/O.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/frontmatter"
)

const maxTopics = 10

// Heading is one document heading with its anchor slug.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Slug  string `json:"slug"`
}

// CodeBlock is a fenced or indented code block.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Meta     string `json:"meta,omitempty"`
}

// ParsedMarkup is the structured view of one document.
type ParsedMarkup struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content"`
	Headings    []Heading      `json:"headings"`
	CodeBlocks  []CodeBlock    `json:"codeBlocks"`
	Topics      []string       `json:"topics"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
}

// Parser parses GitHub-flavoured Markdown with YAML (---) or TOML (+++) front matter.
// A Parser is safe for concurrent use.
type Parser struct {
	md goldmark.Markdown
}

// New builds a Parser.
func New() *Parser {
	return &Parser{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				&frontmatter.Extender{},
			),
		),
	}
}

// Parse builds the ParsedMarkup for content. Only a malformed front matter
// block produces an error; the rest of the document is still returned.
func (p *Parser) Parse(content string) (ParsedMarkup, error) {
	src := []byte(content)
	pctx := parser.NewContext()
	doc := p.md.Parser().Parse(text.NewReader(src), parser.WithContext(pctx))

	out := ParsedMarkup{
		Content:    content,
		Headings:   []Heading{},
		CodeBlocks: []CodeBlock{},
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			t := nodeText(node, src)
			out.Headings = append(out.Headings, Heading{Level: node.Level, Text: t, Slug: Slug(t)})
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			out.CodeBlocks = append(out.CodeBlocks, fencedBlock(node, src))
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			out.CodeBlocks = append(out.CodeBlocks, CodeBlock{Language: "text", Code: blockLines(node, src)})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return out, fmt.Errorf("walk markdown: %w", err)
	}

	if len(out.Headings) > 0 {
		out.Title = out.Headings[0].Text
	}
	out.Description = description(doc, src)
	out.Topics = headingTopics(out.Headings)

	if data := frontmatter.Get(pctx); data != nil {
		fm := map[string]any{}
		if err := data.Decode(&fm); err != nil {
			return out, fmt.Errorf("decode front matter: %w", err)
		}
		out.Frontmatter = fm
	}
	return out, nil
}

// description returns the first top-level paragraph that appears after a heading.
func description(doc ast.Node, src []byte) string {
	seenHeading := false
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			seenHeading = true
		case ast.KindParagraph:
			if seenHeading {
				return nodeText(n, src)
			}
		}
	}
	return ""
}

func headingTopics(headings []Heading) []string {
	topics := []string{}
	for _, h := range headings {
		if h.Level > 3 {
			continue
		}
		t := strings.ToLower(h.Text)
		if len(t) <= 3 {
			continue
		}
		topics = append(topics, t)
		if len(topics) == maxTopics {
			break
		}
	}
	return topics
}

func fencedBlock(node *ast.FencedCodeBlock, src []byte) CodeBlock {
	lang := string(node.Language(src))
	if lang == "" {
		lang = "text"
	}
	meta := ""
	if node.Info != nil {
		info := strings.TrimSpace(string(node.Info.Segment.Value(src)))
		if i := strings.IndexAny(info, " \t"); i >= 0 {
			meta = strings.TrimSpace(info[i+1:])
		}
	}
	return CodeBlock{Language: lang, Code: blockLines(node, src), Meta: meta}
}

func blockLines(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// nodeText concatenates the literal text below n, ignoring markup.
func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	var collect func(ast.Node)
	collect = func(node ast.Node) {
		switch t := node.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
			return
		case *ast.String:
			sb.Write(t.Value)
			return
		}
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(sb.String())
}
