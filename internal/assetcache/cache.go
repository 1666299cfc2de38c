// Package assetcache implements the generational static-asset cache owned by
// the worker runtime. Each worker version populates its own named generation
// at install time; activation deletes every other generation, so exactly one
// generation is current at any time.
package assetcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// maxAssetSize caps a single cached asset body (4 MB).
const maxAssetSize = 4 << 20

// Response is a stored copy of a fetched asset.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store holds all cache generations. It is exclusively owned and mutated by
// the worker runtime; pages read through the worker's fetch path only.
type Store struct {
	mu          sync.RWMutex
	generations map[string]map[string]*Response
}

// NewStore creates an empty cache store.
func NewStore() *Store {
	return &Store{generations: make(map[string]map[string]*Response)}
}

// Open ensures a generation exists and returns its name.
func (s *Store) Open(generation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[generation]; !ok {
		s.generations[generation] = make(map[string]*Response)
	}
}

// Put stores a response under the given generation and request key.
func (s *Store) Put(generation, key string, resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[generation]
	if !ok {
		gen = make(map[string]*Response)
		s.generations[generation] = gen
	}
	gen[key] = resp
}

// Match looks up a cached response in the given generation.
func (s *Store) Match(generation, key string) (*Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.generations[generation]
	if !ok {
		return nil, false
	}
	resp, ok := gen[key]
	return resp, ok
}

// Generations returns the names of all existing generations.
func (s *Store) Generations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	return names
}

// Delete removes a whole generation. Deleting a missing generation is a no-op.
func (s *Store) Delete(generation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, generation)
}

// DeleteOthers removes every generation except current and returns the number
// removed. Called during worker activation.
func (s *Store) DeleteOthers(current string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name := range s.generations {
		if name != current {
			delete(s.generations, name)
			removed++
		}
	}
	return removed
}

// Populate fetches every manifest URL and stores the responses under the
// given generation. The first failed fetch aborts population and fails the
// caller's install: a partially cached manifest must not become current.
func (s *Store) Populate(ctx context.Context, client *http.Client, generation string, urls []string) error {
	if client == nil {
		client = http.DefaultClient
	}
	s.Open(generation)

	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", url, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", url, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
		}

		s.Put(generation, req.URL.Path, &Response{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		})
	}

	slog.Info("cache generation populated", "generation", generation, "assets", len(urls))
	return nil
}
