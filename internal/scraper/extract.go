package scraper

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// Main-content candidates, most specific first.
var contentSelectors = []string{
	"main",
	"article",
	`[role="main"]`,
	".content",
	".documentation",
	".docs",
	".page-content",
}

const chromeSelector = "script, style, nav, header, footer, .sidebar, .toc"

// typeRule classifies a page when any needle occurs in its URL.
type typeRule struct {
	needles []string
	kind    crawler.PageType
}

var urlTypeRules = []typeRule{
	{needles: []string{"/api", "/reference"}, kind: crawler.PageAPI},
	{needles: []string{"/guide", "/tutorial"}, kind: crawler.PageGuide},
	{needles: []string{"/example", "/sample"}, kind: crawler.PageExample},
}

// decodeBody returns body as UTF-8. Bodies that are already valid UTF-8 are
// kept, since fetchers may have transcoded them; anything else is decoded
// using the Content-Type charset or a <meta charset> sniff.
func decodeBody(body []byte, contentType string) []byte {
	if utf8.Valid(body) {
		return body
	}
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return bytes.ToValidUTF8(body, []byte("\uFFFD"))
	}
	return out
}

// pageTitle returns the first h1, else <title>, else "Untitled".
func pageTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return "Untitled"
}

// mainContent returns the visible text and the HTML of the first content
// region holding more than minChars characters, falling back to <body>.
// The document itself is left untouched.
func mainContent(doc *goquery.Document, minChars int) (string, string) {
	for _, sel := range contentSelectors {
		region := doc.Find(sel).First()
		if region.Length() == 0 {
			continue
		}
		text, html := stripped(region)
		if utf8.RuneCountInString(text) > minChars {
			return text, html
		}
	}
	return stripped(doc.Find("body").First())
}

func stripped(sel *goquery.Selection) (string, string) {
	if sel.Length() == 0 {
		return "", ""
	}
	clone := sel.Clone()
	clone.Find(chromeSelector).Remove()
	html, _ := goquery.OuterHtml(clone)
	return strings.TrimSpace(clone.Text()), html
}

// classify applies the URL rules in order, then the h1 rule.
func classify(pageURL string, doc *goquery.Document) crawler.PageType {
	for _, rule := range urlTypeRules {
		for _, needle := range rule.needles {
			if strings.Contains(pageURL, needle) {
				return rule.kind
			}
		}
	}
	if strings.Contains(strings.ToLower(doc.Find("h1").First().Text()), "api") {
		return crawler.PageAPI
	}
	return crawler.PageOther
}

// topics gathers h2/h3 headings then meta keywords, lowercased and
// deduplicated, capped at ten.
func topics(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 10)
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	doc.Find("h2, h3").Each(func(_ int, s *goquery.Selection) {
		t := strings.ToLower(strings.TrimSpace(s.Text()))
		if n := utf8.RuneCountInString(t); n > 3 && n < 100 {
			add(t)
		}
	})
	if kw, ok := doc.Find(`meta[name="keywords"]`).First().Attr("content"); ok {
		for _, k := range strings.Split(kw, ",") {
			k = strings.ToLower(strings.TrimSpace(k))
			if utf8.RuneCountInString(k) > 3 {
				add(k)
			}
		}
	}
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

// links returns up to limit same-host http(s) links, normalized, without
// fragments, excluding the page itself.
func links(doc *goquery.Document, page *url.URL, self string, limit int) []*url.URL {
	seen := map[string]struct{}{self: {}}
	var out []*url.URL
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := page.ResolveReference(ref)
		if !crawler.IsHTTP(abs) || !crawler.SameHost(abs, page) {
			return true
		}
		key, err := crawler.NormalizeURL(abs.String())
		if err != nil {
			return true
		}
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		u, err := url.Parse(key)
		if err != nil {
			return true
		}
		out = append(out, u)
		return len(out) < limit
	})
	return out
}
