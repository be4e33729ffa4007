// Package scope decides whether a URL may enter the crawl frontier.
package scope

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Reason explains a scope decision. It is advisory and meant for logging.
type Reason string

// Scope decisions.
const (
	ReasonAccepted          Reason = "Accepted"
	ReasonInvalidURL        Reason = "Invalid URL"
	ReasonInvalidScheme     Reason = "Invalid scheme"
	ReasonExternalDomain    Reason = "External domain"
	ReasonExcludedExtension Reason = "Excluded file type"
	ReasonBlacklisted       Reason = "Blacklisted pattern"
	ReasonNotWhitelisted    Reason = "Not in whitelist"
	ReasonRobots            Reason = "Disallowed by robots.txt"
	ReasonRobotsUnavailable Reason = "Robots lookup interrupted"
	ReasonAlreadyVisited    Reason = "Already visited"
	ReasonCancelled         Reason = "Cancelled"
)

// Quiet reports whether a rejection is too common to be worth logging.
func (r Reason) Quiet() bool {
	switch r {
	case ReasonInvalidScheme, ReasonExternalDomain, ReasonAlreadyVisited, ReasonAccepted, ReasonCancelled:
		return true
	default:
		return false
	}
}

// DefaultExcludedExtensions lists binary and asset types that never hold crawlable HTML.
var DefaultExcludedExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico", ".bmp",
	".zip", ".gz", ".tar", ".rar", ".7z", ".exe", ".dmg",
	".mp3", ".mp4", ".avi", ".mov", ".wav",
	".css", ".js", ".woff", ".woff2", ".ttf",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
}

// Rules is the immutable rule set for one crawl run.
type Rules struct {
	// TargetDomain is a host or URL; its registered domain bounds the crawl.
	TargetDomain       string
	Whitelist          []string
	Blacklist          []string
	ExcludedExtensions []string
}

// RobotsChecker answers robots.txt questions for a URL. It returns an error
// when it could not decide.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// Filter evaluates Rules against candidate URLs.
type Filter struct {
	domain     string
	whitelist  []*regexp.Regexp
	blacklist  []*regexp.Regexp
	extensions []string
	robots     RobotsChecker
}

// NewFilter compiles rules. robots may be nil to skip robots.txt checks.
func NewFilter(rules Rules, robots RobotsChecker) (*Filter, error) {
	domain, err := targetDomain(rules.TargetDomain)
	if err != nil {
		return nil, err
	}
	whitelist, err := compileAll("whitelist", rules.Whitelist)
	if err != nil {
		return nil, err
	}
	blacklist, err := compileAll("blacklist", rules.Blacklist)
	if err != nil {
		return nil, err
	}
	exts := make([]string, 0, len(rules.ExcludedExtensions))
	for _, ext := range rules.ExcludedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return &Filter{
		domain:     domain,
		whitelist:  whitelist,
		blacklist:  blacklist,
		extensions: exts,
		robots:     robots,
	}, nil
}

// Domain returns the registered domain the filter is bound to.
func (f *Filter) Domain() string {
	return f.domain
}

// Check reports whether rawURL is in scope, with the reason for the decision.
func (f *Filter) Check(ctx context.Context, rawURL string) (bool, Reason) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			return false, ReasonInvalidScheme
		}
		return false, ReasonInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, ReasonInvalidScheme
	}
	domain, err := RegisteredDomain(u.Hostname())
	if err != nil || domain != f.domain {
		return false, ReasonExternalDomain
	}
	lowerPath := strings.ToLower(u.Path)
	for _, ext := range f.extensions {
		if strings.HasSuffix(lowerPath, ext) {
			return false, ReasonExcludedExtension
		}
	}
	for _, re := range f.blacklist {
		if re.MatchString(rawURL) {
			return false, ReasonBlacklisted
		}
	}
	if len(f.whitelist) > 0 && !matchesAny(f.whitelist, rawURL) {
		return false, ReasonNotWhitelisted
	}
	if f.robots != nil {
		allowed, err := f.robots.Allowed(ctx, rawURL)
		if err != nil {
			return false, ReasonRobotsUnavailable
		}
		if !allowed {
			return false, ReasonRobots
		}
	}
	return true, ReasonAccepted
}

// RegisteredDomain returns the eTLD+1 for host. IP addresses and single-label
// hosts such as localhost are returned unchanged.
func RegisteredDomain(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host, nil
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("registered domain for %q: %w", host, err)
	}
	return domain, nil
}

func targetDomain(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("scope target domain is required")
	}
	host := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("parse target url: %w", err)
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	return RegisteredDomain(host)
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
