// Package archive stores raw page bodies in a blob store under stable,
// URL-derived keys so a page crawled twice overwrites its own copy.
package archive

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Archiver writes page bodies to a BlobStore.
type Archiver struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
}

// New builds an Archiver.
func New(store crawler.BlobStore, hasher crawler.Hasher) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Archiver{store: store, hasher: hasher}, nil
}

// Key returns the object name for rawURL: pages/<host>/<sha256(url)>.html.
func (a *Archiver) Key(rawURL string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return path.Join("pages", host, a.hasher.Hash([]byte(rawURL))+".html")
}

// Save stores the body fetched for rawURL and returns its URI.
func (a *Archiver) Save(ctx context.Context, rawURL, contentType, body string) (string, error) {
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := a.store.PutObject(ctx, a.Key(rawURL), contentType, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", rawURL, err)
	}
	return uri, nil
}
