package engine

import (
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/parser/code"
	"github.com/JakeFAU/docindex-crawler/internal/parser/markdown"
)

// RecordSource says where a DocRecord came from.
type RecordSource string

// Record sources.
const (
	SourceReadme RecordSource = "readme"
	SourceFile   RecordSource = "file"
	SourcePage   RecordSource = "page"
)

// DocRecord is one indexable document derived from crawl output.
type DocRecord struct {
	LibraryID   string             `json:"libraryId"`
	Source      RecordSource       `json:"source"`
	Path        string             `json:"path"`
	URL         string             `json:"url,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Type        crawler.PageType   `json:"type,omitempty"`
	Topics      []string           `json:"topics"`
	Headings    []markdown.Heading `json:"headings,omitempty"`
	Chunks      []string           `json:"chunks"`
}

var codeLanguages = map[string]string{
	".js":   "javascript",
	".jsx":  "jsx",
	".ts":   "typescript",
	".tsx":  "tsx",
	".py":   "python",
	".java": "java",
}

const maxFileTopics = 5

// Deriver turns crawl output into DocRecords and code examples.
type Deriver struct {
	md        *markdown.Parser
	chunkSize int
	logger    *zap.Logger
}

// NewDeriver builds a Deriver; chunkSize <= 0 uses the parser default.
func NewDeriver(chunkSize int, logger *zap.Logger) *Deriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{md: markdown.New(), chunkSize: chunkSize, logger: logger.Named("deriver")}
}

// Derive builds records from the README, Markdown files and scraped pages,
// and examples from fenced blocks and example source files.
func (d *Deriver) Derive(job crawler.CrawlJob, out crawler.Output) ([]DocRecord, []code.Example) {
	records := []DocRecord{}
	examples := []code.Example{}

	if c := out.Content; c != nil {
		if c.Readme != nil {
			rec := d.fromMarkdown(job, SourceReadme, "README", "", *c.Readme)
			if rec.Title == "" {
				rec.Title = job.LibraryName
			}
			records = append(records, rec)
			examples = append(examples, code.ExtractExamples(*c.Readme, "")...)
		}
		for _, f := range c.Files {
			if f.Kind != crawler.KindFile || f.Content == "" {
				continue
			}
			ext := strings.ToLower(path.Ext(f.Path))
			switch {
			case ext == ".md" || ext == ".markdown":
				records = append(records, d.fromMarkdown(job, SourceFile, f.Path, f.URL, f.Content))
				examples = append(examples, code.ExtractExamples(f.Content, "")...)
			case codeLanguages[ext] != "":
				examples = append(examples, sourceExample(f, codeLanguages[ext]))
			}
		}
	}

	for _, p := range out.Pages {
		records = append(records, d.fromPage(job, p))
		if p.Markdown != "" {
			examples = append(examples, code.ExtractExamples(p.Markdown, "")...)
		}
	}
	return records, examples
}

func (d *Deriver) fromMarkdown(job crawler.CrawlJob, src RecordSource, p, url, content string) DocRecord {
	parsed, err := d.md.Parse(content)
	if err != nil {
		d.logger.Debug("front matter ignored", zap.String("path", p), zap.Error(err))
	}
	title := parsed.Title
	if title == "" && src == SourceFile {
		title = strings.TrimSuffix(path.Base(p), path.Ext(p))
	}
	return DocRecord{
		LibraryID:   job.LibraryID,
		Source:      src,
		Path:        p,
		URL:         url,
		Title:       title,
		Description: parsed.Description,
		Topics:      parsed.Topics,
		Headings:    parsed.Headings,
		Chunks:      markdown.ChunkByHeadings(content, d.chunkSize),
	}
}

func (d *Deriver) fromPage(job crawler.CrawlJob, p crawler.ScrapedPage) DocRecord {
	rec := DocRecord{
		LibraryID: job.LibraryID,
		Source:    SourcePage,
		Path:      p.URL,
		URL:       p.URL,
		Title:     p.Title,
		Type:      p.Type,
		Topics:    p.Topics,
	}
	if rec.Topics == nil {
		rec.Topics = []string{}
	}
	if p.Markdown == "" {
		rec.Chunks = markdown.ChunkByHeadings(p.Content, d.chunkSize)
		return rec
	}
	parsed, err := d.md.Parse(p.Markdown)
	if err != nil {
		d.logger.Debug("front matter ignored", zap.String("url", p.URL), zap.Error(err))
	}
	rec.Description = parsed.Description
	rec.Headings = parsed.Headings
	rec.Chunks = markdown.ChunkByHeadings(p.Markdown, d.chunkSize)
	return rec
}

// sourceExample treats a whole example file as one example.
func sourceExample(f crawler.RepoFile, lang string) code.Example {
	body := strings.TrimSpace(f.Content)
	analysis := code.AnalyzeCode(body, lang)
	topics := append([]string{}, analysis.Functions...)
	topics = append(topics, analysis.Classes...)
	if len(topics) > maxFileTopics {
		topics = topics[:maxFileTopics]
	}
	return code.Example{
		Language:    lang,
		Code:        body,
		Description: "Example from " + f.Path,
		Topics:      topics,
		Context:     f.Path,
		Difficulty:  code.ScoreDifficulty(body),
	}
}
