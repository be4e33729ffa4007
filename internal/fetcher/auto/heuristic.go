package auto

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Heuristic decides from a plain HTTP response whether the page needs a
// browser to render its content.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold defaults to 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// ShouldPromote reports whether res looks like a client-rendered shell.
func (h *Heuristic) ShouldPromote(res crawler.FetchResult) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	body := res.Content
	if body == "" {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the document.
func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	rest := lower
	for {
		start := strings.Index(rest, openTag)
		if start == -1 {
			break
		}
		rest = rest[start:]
		end := strings.Index(rest, closeTag)
		if end == -1 {
			// Unclosed script: count the remainder.
			coverage += len(rest)
			break
		}
		end += len(closeTag)
		coverage += end
		rest = rest[end:]
	}
	return coverage*100/total >= 25
}
