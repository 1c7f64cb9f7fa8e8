package extractor

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// SelectorRules are the per-site CSS selection rules the default
// strategy runs with. Content selectors are tried in order; the first
// match wins.
type SelectorRules struct {
	Links      string   // listing page: elements containing article links
	Title      string   // optional, scoped to the matched link container
	Content    []string // article page: body containers, in preference order
	Date       string   // optional article-page published-time selector
	DateLayout string   // layout for Date values; RFC3339 when empty
}

// SelectorStrategy extracts articles from pages using configured CSS
// selectors. One instance per source; sites with uncommon markup can
// register a custom Strategy instead.
type SelectorStrategy struct {
	sourceID string
	rules    SelectorRules
}

var _ types.Strategy = (*SelectorStrategy)(nil)

func NewSelectorStrategy(sourceID string, rules SelectorRules) *SelectorStrategy {
	return &SelectorStrategy{sourceID: sourceID, rules: rules}
}

// Discover reads a listing page and yields the article targets it links
// to. A listing with no matching links is a valid no-content shape and
// yields zero targets.
func (s *SelectorStrategy) Discover(page *models.RawPage) ([]models.Target, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &ExtractionError{SourceID: s.sourceID, URL: page.URL, Err: err}
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, &ExtractionError{SourceID: s.sourceID, URL: page.URL, Err: err}
	}

	var targets []models.Target
	seen := map[string]struct{}{}

	doc.Find(s.rules.Links).Each(func(_ int, sel *goquery.Selection) {
		link := sel
		if !sel.Is("a") {
			link = sel.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}

		target := NormalizeURL(base, href)
		if target == "" {
			return
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}

		title := ""
		if s.rules.Title != "" {
			title = sel.Find(s.rules.Title).First().Text()
		}
		if title == "" {
			title = link.Text()
		}

		targets = append(targets, models.Target{
			SourceID: s.sourceID,
			URL:      target,
			Title:    NormalizeText(title),
		})
	})

	return targets, nil
}

// Extract reads an article page and yields at most one content item.
// Pages missing a usable title or body yield zero items, mirroring how
// paywalls and teaser pages show up in practice.
func (s *SelectorStrategy) Extract(page *models.RawPage) ([]models.ContentItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &ExtractionError{SourceID: s.sourceID, URL: page.URL, Err: err}
	}

	title := s.extractTitle(doc)
	body := s.extractBody(doc)
	if title == "" || body == "" {
		return nil, nil
	}

	item := models.ContentItem{
		SourceID:     s.sourceID,
		CanonicalURL: canonicalURL(doc, page.URL),
		Title:        title,
		Body:         body,
		PublishedAt:  s.extractPublishedAt(doc),
		Fingerprint:  Fingerprint(title, body),
	}
	return []models.ContentItem{item}, nil
}

func (s *SelectorStrategy) extractTitle(doc *goquery.Document) string {
	if t := NormalizeText(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if t = NormalizeText(t); t != "" {
			return t
		}
	}
	return NormalizeText(doc.Find("title").First().Text())
}

// extractBody prefers the paragraphs inside the first matching content
// container, then the container's own text, then every paragraph on the
// page.
func (s *SelectorStrategy) extractBody(doc *goquery.Document) string {
	for _, selector := range s.rules.Content {
		container := doc.Find(selector).First()
		if container.Length() == 0 {
			continue
		}
		if text := joinParagraphs(container); text != "" {
			return text
		}
		if text := NormalizeText(container.Text()); text != "" {
			return text
		}
	}
	return joinParagraphs(doc.Selection)
}

func (s *SelectorStrategy) extractPublishedAt(doc *goquery.Document) *time.Time {
	var raw string
	if s.rules.Date != "" {
		node := doc.Find(s.rules.Date).First()
		if dt, ok := node.Attr("datetime"); ok {
			raw = dt
		} else {
			raw = node.Text()
		}
	}
	if raw == "" {
		raw, _ = doc.Find(`meta[property="article:published_time"]`).Attr("content")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	layout := s.rules.DateLayout
	if layout == "" {
		layout = time.RFC3339
	}
	t, err := time.Parse(layout, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func joinParagraphs(sel *goquery.Selection) string {
	var parts []string
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := NormalizeText(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n")
}

func canonicalURL(doc *goquery.Document, fallback string) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" {
			return href
		}
	}
	return fallback
}
