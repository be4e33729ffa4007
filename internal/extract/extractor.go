// Package extract turns fetched HTML into a storable record and the list of
// outbound links to offer the frontier.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// NoTitle is recorded for pages without a <title>.
const NoTitle = "No Title"

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

// Config controls which parts of a page are ignored and which elements
// point at further pages.
type Config struct {
	// ExcludeSelectors are removed before text and links are read.
	ExcludeSelectors []string
	// PaginationSelectors name elements whose href continues a listing.
	// Their links are offered before ordinary anchors.
	PaginationSelectors []string
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	exclude    []string
	pagination []string
	clock      crawler.Clock
}

// New builds an Extractor. clock may be nil.
func New(cfg Config, clock crawler.Clock) *Extractor {
	return &Extractor{
		exclude:    trimAll(cfg.ExcludeSelectors),
		pagination: trimAll(cfg.PaginationSelectors),
		clock:      clock,
	}
}

// Extract parses page.Content. Links are absolute, fragment-free, and
// deduplicated in document order.
func (e *Extractor) Extract(_ context.Context, page crawler.FetchResult) (crawler.Extraction, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Content))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	doc.Find("script,style,noscript,template").Remove()
	for _, sel := range e.exclude {
		doc.Find(sel).Remove()
	}

	links := newLinkSet()
	for _, sel := range e.pagination {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			links.add(base, s.AttrOr("href", ""))
		})
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		links.add(base, s.AttrOr("href", ""))
	})

	title := collapseSpace(doc.Find("title").First().Text())
	if title == "" {
		title = NoTitle
	}
	description, _ := doc.Find(`meta[name="description"]`).First().Attr("content")

	return crawler.Extraction{
		Links: links.list,
		Record: crawler.Record{
			URL:         page.URL,
			Title:       title,
			Description: collapseSpace(description),
			Language:    strings.TrimSpace(doc.Find("html").First().AttrOr("lang", "")),
			TextContent: textOf(doc.Find("body")),
			StatusCode:  page.StatusCode,
			ScrapedAt:   e.now(),
		},
	}, nil
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

type linkSet struct {
	seen map[string]struct{}
	list []string
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[string]struct{})}
}

func (l *linkSet) add(base *url.URL, href string) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return
		}
	}
	abs, err := crawler.ResolveReference(base, href)
	if err != nil {
		return
	}
	if _, ok := l.seen[abs]; ok {
		return
	}
	l.seen[abs] = struct{}{}
	l.list = append(l.list, abs)
}

// textOf joins every text node under sel with single spaces, so adjacent
// block elements do not run together.
func textOf(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := collapseSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
