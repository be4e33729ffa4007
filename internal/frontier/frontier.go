// Package frontier implements the crawl frontier: a FIFO queue of pending
// URLs paired with the set of every URL ever admitted to it.
package frontier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/scope"
)

// Scope decides whether a URL may be admitted.
type Scope interface {
	Check(ctx context.Context, rawURL string) (bool, scope.Reason)
}

// Frontier is safe for concurrent use. A URL enters the visited set at the
// moment it is accepted, and is accepted at most once for the life of the run.
type Frontier struct {
	scope  Scope
	logger *zap.Logger

	mu       sync.Mutex
	visited  map[string]struct{}
	queue    []string
	inFlight map[string]struct{}
	ready    chan struct{}
}

// New builds an empty Frontier. A nil scope admits every well-formed URL.
func New(s Scope, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		scope:    s,
		logger:   logger.Named("frontier"),
		visited:  make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
		ready:    make(chan struct{}, 1),
	}
}

// TryEnqueue normalizes rawURL, checks scope, and admits the URL if it has
// never been seen. It returns true only for the call that admitted the URL.
func (f *Frontier) TryEnqueue(ctx context.Context, rawURL string) (bool, scope.Reason) {
	if ctx.Err() != nil {
		return false, scope.ReasonCancelled
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, scope.ReasonInvalidURL
	}
	if f.seen(normalized) {
		return false, scope.ReasonAlreadyVisited
	}
	// Scope is evaluated outside the lock since robots lookups may block.
	if f.scope != nil {
		if ok, reason := f.scope.Check(ctx, normalized); !ok {
			return false, reason
		}
	}

	f.mu.Lock()
	if _, ok := f.visited[normalized]; ok {
		f.mu.Unlock()
		return false, scope.ReasonAlreadyVisited
	}
	// A scope check that raced with cancellation may have decided nothing.
	if ctx.Err() != nil {
		f.mu.Unlock()
		return false, scope.ReasonCancelled
	}
	f.visited[normalized] = struct{}{}
	f.queue = append(f.queue, normalized)
	f.mu.Unlock()

	f.signal()
	return true, scope.ReasonAccepted
}

// Dequeue waits up to timeout for a URL. The returned URL is in flight until
// Done or Requeue is called for it. ok is false on timeout or cancellation.
func (f *Frontier) Dequeue(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if u, ok := f.pop(); ok {
			return u, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-timer.C:
			return f.pop()
		case <-f.ready:
		}
	}
}

// Done marks a dequeued URL as fully processed.
func (f *Frontier) Done(rawURL string) {
	f.mu.Lock()
	delete(f.inFlight, rawURL)
	f.mu.Unlock()
}

// Requeue returns an in-flight URL to the head of the queue without touching
// the visited set. It is used when processing is abandoned on shutdown.
func (f *Frontier) Requeue(rawURL string) {
	f.mu.Lock()
	delete(f.inFlight, rawURL)
	f.queue = append([]string{rawURL}, f.queue...)
	f.mu.Unlock()
	f.signal()
}

// Size returns the number of pending URLs.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// IsEmpty reports whether no URLs are pending.
func (f *Frontier) IsEmpty() bool {
	return f.Size() == 0
}

// Idle reports whether the queue is empty and no dequeued URL is still being
// processed, which means nothing can add new work.
func (f *Frontier) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0 && len(f.inFlight) == 0
}

// VisitedCount returns the number of URLs ever admitted.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Snapshot returns consistent copies of the visited set and pending queue.
// In-flight URLs are reported as pending so a resumed run fetches them again.
func (f *Frontier) Snapshot() (visited, pending []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	visited = make([]string, 0, len(f.visited))
	for u := range f.visited {
		visited = append(visited, u)
	}
	pending = make([]string, 0, len(f.inFlight)+len(f.queue))
	for u := range f.inFlight {
		pending = append(pending, u)
	}
	pending = append(pending, f.queue...)
	return visited, pending
}

// Restore seeds the frontier from a checkpoint. Pending URLs are added to the
// visited set as well, and duplicates are queued once. It returns the size of
// the visited set afterwards.
func (f *Frontier) Restore(visited, pending []string) int {
	f.mu.Lock()
	for _, u := range visited {
		if u != "" {
			f.visited[u] = struct{}{}
		}
	}
	queued := make(map[string]struct{}, len(f.queue))
	for _, u := range f.queue {
		queued[u] = struct{}{}
	}
	for _, u := range pending {
		if u == "" {
			continue
		}
		if _, dup := queued[u]; dup {
			continue
		}
		queued[u] = struct{}{}
		f.visited[u] = struct{}{}
		f.queue = append(f.queue, u)
	}
	n := len(f.visited)
	f.mu.Unlock()

	f.logger.Info("frontier restored", zap.Int("visited", n), zap.Int("pending", len(queued)))
	f.signal()
	return n
}

func (f *Frontier) seen(u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[u]
	return ok
}

func (f *Frontier) pop() (string, bool) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return "", false
	}
	u := f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	f.inFlight[u] = struct{}{}
	more := len(f.queue) > 0
	f.mu.Unlock()
	if more {
		f.signal()
	}
	return u, true
}

func (f *Frontier) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}
