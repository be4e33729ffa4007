package seed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *recorder) seed(_ context.Context, u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, u)
	return true
}

func TestSitemap_FollowsIndexOneLevel(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/pages.xml</loc></sitemap>
  <sitemap><loc>%[1]s/nested-index.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/a</loc></url>
  <url><loc> %[1]s/b </loc><lastmod>2024-01-01</lastmod></url>
</urlset>`, srv.URL)
	})
	mux.HandleFunc("/nested-index.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/deep.xml</loc></sitemap></sitemapindex>`, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	hook, err := NewSitemap(SitemapConfig{StartURL: srv.URL + "/start/page"}, srv.Client(), nil)
	require.NoError(t, err)
	require.Equal(t, "sitemap", hook.Name())

	rec := &recorder{}
	require.NoError(t, hook.Setup(context.Background(), rec.seed))
	require.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, rec.urls)
}

func TestSitemap_MissingOrMalformedIsNotFatal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<urlset><url><loc>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	hook, err := NewSitemap(SitemapConfig{StartURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, hook.Setup(context.Background(), rec.seed))
	require.Empty(t, rec.urls)
}

func TestNewSitemap_RequiresAbsoluteURL(t *testing.T) {
	t.Parallel()

	_, err := NewSitemap(SitemapConfig{StartURL: "/relative"}, nil, nil)
	require.Error(t, err)
}
