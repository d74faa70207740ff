package merge

import (
	"container/list"
	"sync"

	"storytrack/internal/domain"
)

const DefaultSeenMaxEntries = 4096

const (
	idKeyPrefix  = "id:"
	urlKeyPrefix = "url:"
)

// Seen remembers article ids and urls observed for one topic across polls.
// It is bounded: the least recently observed keys are evicted first.
type Seen struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
}

func NewSeen(maxEntries int) *Seen {
	if maxEntries <= 0 {
		maxEntries = DefaultSeenMaxEntries
	}

	return &Seen{
		entries:    make(map[string]*list.Element, min(maxEntries, DefaultSeenMaxEntries)),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// Merge drops incoming articles whose id or link was observed before,
// merges the rest into existing and records every key of the result.
func (s *Seen) Merge(existing, incoming []domain.Article) []domain.Article {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, article := range existing {
		s.observeLocked(article)
	}

	fresh := make([]domain.Article, 0, len(incoming))
	for _, article := range incoming {
		if s.containsLocked(article) {
			continue
		}

		s.observeLocked(article)
		fresh = append(fresh, article)
	}

	merged := Merge(existing, fresh)

	for _, article := range merged {
		s.observeLocked(article)
	}

	return merged
}

// Observe records the keys of articles without merging them.
func (s *Seen) Observe(articles ...domain.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, article := range articles {
		s.observeLocked(article)
	}
}

// Keys returns observed keys, most recently observed first.
func (s *Seen) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		key, ok := elem.Value.(string)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}

	return keys
}

// Restore records raw keys previously returned by Keys, oldest first.
func (s *Seen) Restore(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		s.touchLocked(keys[i])
	}
}

func (s *Seen) containsLocked(article domain.Article) bool {
	for _, key := range articleKeys(article) {
		if _, ok := s.entries[key]; ok {
			return true
		}
	}

	return false
}

func (s *Seen) observeLocked(article domain.Article) {
	for _, key := range articleKeys(article) {
		s.touchLocked(key)
	}
}

func (s *Seen) touchLocked(key string) {
	if key == "" {
		return
	}

	if elem, ok := s.entries[key]; ok {
		s.order.MoveToFront(elem)
		return
	}

	s.entries[key] = s.order.PushFront(key)

	for len(s.entries) > s.maxEntries {
		elem := s.order.Back()
		if elem == nil {
			return
		}

		if key, ok := elem.Value.(string); ok {
			delete(s.entries, key)
		}
		s.order.Remove(elem)
	}
}

func articleKeys(article domain.Article) []string {
	keys := make([]string, 0, 2)

	if article.ID != "" {
		keys = append(keys, idKeyPrefix+article.ID)
	}

	if article.HasLink() {
		keys = append(keys, urlKeyPrefix+article.URL)
	}

	return keys
}

// Registry hands out one Seen per topic id.
type Registry struct {
	mu         sync.Mutex
	sets       map[string]*Seen
	maxEntries int
}

func NewRegistry(maxEntries int) *Registry {
	return &Registry{
		sets:       make(map[string]*Seen),
		maxEntries: maxEntries,
	}
}

func (r *Registry) For(topicID string) *Seen {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sets[topicID]; ok {
		return s
	}

	s := NewSeen(r.maxEntries)
	r.sets[topicID] = s

	return s
}

// Drop forgets the topic's seen set.
func (r *Registry) Drop(topicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sets, topicID)
}
