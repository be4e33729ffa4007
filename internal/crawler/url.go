package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so it can be used as a dedup key.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, and strips the fragment. Relative URLs are rejected.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", errors.New("url is not absolute")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	u.ForceQuery = false
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// ResolveReference resolves href against base and strips the fragment.
func ResolveReference(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}
