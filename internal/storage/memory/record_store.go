// Package memory keeps extracted records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// RecordStore keeps one record per URL. Later writes for a URL are ignored,
// matching the UNIQUE(url) behavior of the SQL stores.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
	closed  bool
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]crawler.Record)}
}

// Persist stores record unless its URL is already present.
func (s *RecordStore) Persist(_ context.Context, record crawler.Record) error {
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("record store closed")
	}
	if _, ok := s.records[record.URL]; ok {
		return nil
	}
	s.records[record.URL] = record
	return nil
}

// Get returns the record stored for url.
func (s *RecordStore) Get(url string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[url]
	return rec, ok
}

// URLs returns every stored URL in sorted order.
func (s *RecordStore) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for u := range s.records {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close rejects further writes.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
