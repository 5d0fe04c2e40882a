// Package detector decides when a documentation page needs a headless render.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// DefaultMinText is the visible-text floor below which a page looks unrendered.
const DefaultMinText = 200

// Mount points left empty by client-side documentation frameworks.
var mountSelectors = []string{
	"#__next",
	"#root",
	"#app",
	"#___gatsby",
	"[data-reactroot]",
	"[ng-version]",
}

var noscriptHints = [][]byte{
	[]byte("enable javascript"),
	[]byte("requires javascript"),
	[]byte("javascript is required"),
}

// Heuristic promotes pages whose static HTML carries almost no text but
// shows signs of client-side rendering.
type Heuristic struct {
	MinText int
}

// NewHeuristic creates a detector; minText <= 0 uses DefaultMinText.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = DefaultMinText
	}
	return &Heuristic{MinText: minText}
}

// ShouldPromote reports whether probe should be re-fetched headless.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResponse) bool {
	if !probe.OK() || probe.UsedHeadless {
		return false
	}
	if len(bytes.TrimSpace(probe.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(probe.Body))
	if err != nil {
		return false
	}
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	if len(strings.TrimSpace(body.Text())) >= h.MinText {
		return false
	}

	for _, sel := range mountSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	noscript := bytes.ToLower([]byte(doc.Find("noscript").Text()))
	for _, hint := range noscriptHints {
		if bytes.Contains(noscript, hint) {
			return true
		}
	}
	return doc.Find("script").Length() >= 3
}
