package shellcache

import (
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 256

// entry is a stored response.
type entry struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// CacheStorage holds named caches that outlive a single Worker, the way
// one worker generation hands over to the next.
type CacheStorage struct {
	capacity int

	mu     sync.Mutex
	caches map[string]*lru.Cache[string, entry]
}

func NewCacheStorage(capacity int) *CacheStorage {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CacheStorage{capacity: capacity, caches: make(map[string]*lru.Cache[string, entry])}
}

// open returns the named cache, creating it when absent.
func (s *CacheStorage) open(name string) *lru.Cache[string, entry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		// lru.New only fails for a non-positive size.
		c, _ = lru.New[string, entry](s.capacity)
		s.caches[name] = c
	}
	return c
}

func (s *CacheStorage) lookup(name, key string) (entry, bool) {
	s.mu.Lock()
	c, ok := s.caches[name]
	s.mu.Unlock()
	if !ok {
		return entry{}, false
	}
	return c.Get(key)
}

// Delete drops a cache; it reports whether one existed.
func (s *CacheStorage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok
}

// Names lists caches in sorted order.
func (s *CacheStorage) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for name := range s.caches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports how many responses the named cache holds.
func (s *CacheStorage) Len(name string) int {
	s.mu.Lock()
	c, ok := s.caches[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Len()
}
