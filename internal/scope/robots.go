package scope

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxRobotsBytes = 1 << 20
	// maxSharedLookups bounds retries after another caller's cancelled lookup.
	maxSharedLookups = 3
)

// Robots enforces robots.txt directives per host. Each host's file is fetched
// once per run and cached; fetch or parse failures allow access, a 5xx
// response disallows the host, and a cancelled lookup decides nothing.
type Robots struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	cache sync.Map
	group singleflight.Group
}

// NewRobots builds a Robots checker. client may be nil.
func NewRobots(userAgent string, timeout time.Duration, client *http.Client, logger *zap.Logger) *Robots {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		client:    client,
		userAgent: userAgent,
		logger:    logger.Named("robots"),
	}
}

// Allowed implements RobotsChecker. An error means the host's rules could not
// be consulted because ctx ended before they were loaded; it is never a
// permission.
func (r *Robots) Allowed(ctx context.Context, rawURL string) (bool, error) {
	if r == nil {
		return true, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, nil
	}
	var data *robotstxt.RobotsData
	for range maxSharedLookups {
		data, err = r.load(ctx, parsed)
		if err == nil {
			return data.TestAgent(parsed.RequestURI(), r.userAgent), nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		// A concurrent caller's lookup was cancelled; ours is still live.
	}
	return false, err
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		if data, ok := cached.(*robotstxt.RobotsData); ok {
			return data, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("robots lookup for %s: %w", parsed.Host, err)
	}
	v, err, _ := r.group.Do(hostKey, func() (any, error) {
		data, err := r.fetch(ctx, parsed)
		if err != nil {
			if ctx.Err() != nil {
				// Not cached, so a later caller fetches again.
				return nil, fmt.Errorf("robots lookup for %s: %w", parsed.Host, ctx.Err())
			}
			r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
			data = allowAll()
		}
		r.cache.Store(hostKey, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return allowAll(), nil
	}
	return data, nil
}

func (r *Robots) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func allowAll() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}
