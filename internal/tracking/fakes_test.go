package tracking_test

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"storytrack/internal/backend"
	"storytrack/internal/domain"
	"storytrack/internal/push"

	"github.com/tidwall/gjson"
)

type fetchFn func(ctx context.Context, keyword string) ([]gjson.Result, error)

type fakeBackend struct {
	mu sync.Mutex

	nextID    int
	createErr error
	deleteErr error
	fetch     fetchFn
	onGet     func()
	remote    map[string]backend.Topic

	created  []string
	deleted  []string
	started  []string
	stopped  []string
	fetches  int
	getTopic int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{remote: make(map[string]backend.Topic)}
}

func (b *fakeBackend) FetchArticles(ctx context.Context, keyword string) ([]gjson.Result, error) {
	b.mu.Lock()
	b.fetches++
	fetch := b.fetch
	b.mu.Unlock()

	if fetch == nil {
		return nil, nil
	}

	return fetch(ctx, keyword)
}

func (b *fakeBackend) CreateTopic(_ context.Context, keyword string, _ string) (backend.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createErr != nil {
		return backend.Topic{}, b.createErr
	}

	b.nextID++
	b.created = append(b.created, keyword)

	topic := backend.Topic{
		ID:        fmt.Sprintf("t%d", b.nextID),
		Keyword:   keyword,
		IsPolling: true,
	}
	b.remote[topic.ID] = topic

	return topic, nil
}

func (b *fakeBackend) ListTopics(context.Context) ([]backend.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := slices.Sorted(maps.Keys(b.remote))
	topics := make([]backend.Topic, 0, len(ids))
	for _, id := range ids {
		topics = append(topics, b.remote[id])
	}

	return topics, nil
}

func (b *fakeBackend) GetTopic(_ context.Context, topicID string) (backend.Topic, error) {
	b.mu.Lock()
	b.getTopic++
	onGet := b.onGet
	b.mu.Unlock()

	if onGet != nil {
		onGet()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.remote[topicID]
	if !ok {
		return backend.Topic{}, fmt.Errorf("topic %s: %w", topicID, backend.ErrUnexpectedStatus)
	}

	return topic, nil
}

func (b *fakeBackend) DeleteTopic(_ context.Context, topicID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleteErr != nil {
		return b.deleteErr
	}

	b.deleted = append(b.deleted, topicID)
	delete(b.remote, topicID)

	return nil
}

func (b *fakeBackend) StartPolling(_ context.Context, topicID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = append(b.started, topicID)

	return nil
}

func (b *fakeBackend) StopPolling(_ context.Context, topicID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = append(b.stopped, topicID)

	return nil
}

func (b *fakeBackend) setFetch(fn fetchFn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fetch = fn
}

func (b *fakeBackend) setOnGet(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onGet = fn
}

func (b *fakeBackend) getTopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.getTopic
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fetches
}

// manualTicker runs scheduled jobs only when fire is called.
type manualTicker struct {
	mu     sync.Mutex
	nextID int
	jobs   map[int]func()
}

func newManualTicker() *manualTicker {
	return &manualTicker{jobs: make(map[int]func())}
}

func (t *manualTicker) Every(_ time.Duration, job func()) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.jobs[id] = job

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		delete(t.jobs, id)
	}, nil
}

func (t *manualTicker) fire() {
	for _, job := range t.snapshot() {
		job()
	}
}

func (t *manualTicker) snapshot() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := make([]func(), 0, len(t.jobs))
	for _, id := range slices.Sorted(maps.Keys(t.jobs)) {
		jobs = append(jobs, t.jobs[id])
	}

	return jobs
}

func (t *manualTicker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.jobs)
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]push.Handler
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]push.Handler)}
}

func (s *fakeSubscriber) Subscribe(topicID string, handler push.Handler) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[topicID] = handler

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.handlers, topicID)

		return nil
	}, nil
}

func (s *fakeSubscriber) handler(topicID string) (push.Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handlers[topicID]

	return h, ok
}

type fakeCache struct {
	mu        sync.Mutex
	snapshots map[string]domain.TopicSnapshot
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[string]domain.TopicSnapshot)}
}

func (c *fakeCache) LoadSnapshot(_ context.Context, topicID string) (domain.TopicSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[topicID]

	return s, ok, nil
}

func (c *fakeCache) SaveSnapshot(_ context.Context, snapshot domain.TopicSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[snapshot.TopicID] = snapshot

	return nil
}

func (c *fakeCache) DeleteSnapshot(_ context.Context, topicID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.snapshots, topicID)

	return nil
}

func (c *fakeCache) get(topicID string) (domain.TopicSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[topicID]

	return s, ok
}

func records(raw string) []gjson.Result {
	return gjson.Parse(raw).Array()
}

func returning(raw string) fetchFn {
	return func(context.Context, string) ([]gjson.Result, error) {
		return records(raw), nil
	}
}

func failing(err error) fetchFn {
	return func(context.Context, string) ([]gjson.Result, error) {
		return nil, err
	}
}

func ids(articles []domain.Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.ID)
	}

	return out
}
