package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"storytrack/internal/backend"
	"storytrack/internal/clock"
	"storytrack/internal/domain"
	"storytrack/internal/merge"
	"storytrack/internal/normalize"
	"storytrack/internal/pollcoord"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval       = 3 * time.Minute
	DefaultPollMinInterval    = 2 * time.Minute
	DefaultRefreshConcurrency = 4

	cacheTimeout = 5 * time.Second
)

const (
	opStartTracking = "start tracking"
	opStopTracking  = "stop tracking"
	opToggle        = "toggle polling"
	opLoad          = "load topics"
	opRefresh       = "refresh"
)

// Cache persists topic feeds between restarts.
type Cache interface {
	LoadSnapshot(ctx context.Context, topicID string) (domain.TopicSnapshot, bool, error)
	SaveSnapshot(ctx context.Context, snapshot domain.TopicSnapshot) error
	DeleteSnapshot(ctx context.Context, topicID string) error
}

type Config struct {
	PollInterval       time.Duration
	PollMinInterval    time.Duration
	PollTimeout        time.Duration
	PollOnStart        bool
	SeenMaxEntries     int
	RefreshConcurrency int
}

// Update is delivered to listeners after a topic changes.
type Update struct {
	Topic domain.TrackedTopic
	Added []domain.Article
}

type Listener func(Update)

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithPush(p PushSubscriber) Option {
	return func(s *Store) {
		s.push = p
	}
}

func WithCache(c Cache) Option {
	return func(s *Store) {
		s.cache = c
	}
}

func WithCoordinator(c *pollcoord.Coordinator) Option {
	return func(s *Store) {
		s.coord = c
	}
}

func WithNormalizer(n *normalize.Normalizer) Option {
	return func(s *Store) {
		s.normalizer = n
	}
}

type Store struct {
	cfg        Config
	backend    Backend
	fetcher    ArticleFetcher
	ticker     Ticker
	push       PushSubscriber
	cache      Cache
	clock      clock.Clock
	coord      *pollcoord.Coordinator
	normalizer *normalize.Normalizer
	seen       *merge.Registry
	log        *slog.Logger

	creating singleflight.Group
	cacheMu  sync.Mutex

	mu        sync.RWMutex
	topics    map[string]*domain.TrackedTopic
	order     []string
	workers   map[string]*Worker
	listeners []Listener
	lastErr   *OpError
	closed    bool
}

func New(
	cfg Config,
	b Backend,
	fetcher ArticleFetcher,
	ticker Ticker,
	log *slog.Logger,
	opts ...Option,
) *Store {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollMinInterval <= 0 {
		cfg.PollMinInterval = DefaultPollMinInterval
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = DefaultRefreshConcurrency
	}

	s := &Store{
		cfg:     cfg,
		backend: b,
		fetcher: fetcher,
		ticker:  ticker,
		clock:   clock.Real{},
		log:     log,
		topics:  make(map[string]*domain.TrackedTopic),
		workers: make(map[string]*Worker),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.coord == nil {
		s.coord = pollcoord.New(s.clock)
	}
	if s.normalizer == nil {
		s.normalizer = normalize.New(s.clock, log)
	}
	s.seen = merge.NewRegistry(cfg.SeenMaxEntries)

	return s
}

// StartTracking creates a topic for keyword, or returns the one that
// already tracks it.
func (s *Store) StartTracking(ctx context.Context, keyword string, sourceArticleID string) (domain.TrackedTopic, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return domain.TrackedTopic{}, s.fail(ctx, newOpError(opStartTracking, "", "", ErrEmptyKeyword))
	}

	if topic, ok := s.TopicByKeyword(keyword); ok {
		return topic, nil
	}

	v, err, _ := s.creating.Do(keyword, func() (any, error) {
		return s.create(ctx, keyword, sourceArticleID)
	})
	if err != nil {
		return domain.TrackedTopic{}, s.fail(ctx, newOpError(opStartTracking, "", keyword, err))
	}

	return v.(domain.TrackedTopic), nil
}

func (s *Store) create(ctx context.Context, keyword string, sourceArticleID string) (domain.TrackedTopic, error) {
	if topic, ok := s.TopicByKeyword(keyword); ok {
		return topic, nil
	}
	if s.isClosed() {
		return domain.TrackedTopic{}, ErrStoreClosed
	}

	remote, err := s.backend.CreateTopic(ctx, keyword, sourceArticleID)
	if err != nil {
		return domain.TrackedTopic{}, fmt.Errorf("create topic: %w", err)
	}
	if remote.Keyword == "" {
		remote.Keyword = keyword
	}

	if !remote.IsPolling {
		if err = s.backend.StartPolling(ctx, remote.ID); err != nil {
			s.log.WarnContext(
				ctx,
				"Failed to enable remote polling",
				"topicID", remote.ID,
				"error", err,
			)
		}
		remote.IsPolling = true
	}

	topic, err := s.adopt(ctx, remote)
	if err != nil {
		return domain.TrackedTopic{}, err
	}

	s.log.InfoContext(
		ctx,
		"Topic tracked",
		"topicID", topic.ID,
		"keyword", topic.Keyword,
		"articles", len(topic.Articles),
	)

	return topic, nil
}

// adopt registers a backend topic in memory and starts its worker.
func (s *Store) adopt(ctx context.Context, remote backend.Topic) (domain.TrackedTopic, error) {
	topic := &domain.TrackedTopic{
		ID:           remote.ID,
		Keyword:      remote.Keyword,
		CreatedAt:    remote.CreatedAt,
		IsPolling:    remote.IsPolling,
		LastPolledAt: remote.LastPolledAt,
	}
	if topic.CreatedAt.IsZero() {
		topic.CreatedAt = s.clock.Now()
	}

	seen := s.seen.For(topic.ID)

	if snapshot, ok := s.loadSnapshot(ctx, topic.ID); ok {
		seen.Restore(snapshot.SeenKeys)
		topic.Articles = merge.Merge(nil, snapshot.Articles)
		seen.Observe(topic.Articles...)

		if snapshot.LastPolledAt != nil &&
			(topic.LastPolledAt == nil || snapshot.LastPolledAt.After(*topic.LastPolledAt)) {
			topic.LastPolledAt = snapshot.LastPolledAt
		}
	}

	topic.Articles = seen.Merge(topic.Articles, s.normalizer.Records(ctx, remote.Articles))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.TrackedTopic{}, ErrStoreClosed
	}
	if existing, ok := s.topics[topic.ID]; ok {
		clone := existing.Clone()
		s.mu.Unlock()
		return clone, nil
	}

	w := s.newWorker(*topic)
	s.topics[topic.ID] = topic
	s.order = append(s.order, topic.ID)
	s.workers[topic.ID] = w
	clone := topic.Clone()
	s.mu.Unlock()

	if err := w.Start(clone.IsPolling); err != nil {
		s.log.WarnContext(ctx, "Failed to start worker", "topicID", clone.ID, "error", err)
	}

	s.saveSnapshot(clone.ID)

	return clone, nil
}

func (s *Store) newWorker(topic domain.TrackedTopic) *Worker {
	w := newWorker(
		topic,
		WorkerConfig{
			Interval:    s.cfg.PollInterval,
			MinInterval: s.cfg.PollMinInterval,
			Timeout:     s.cfg.PollTimeout,
		},
		s.fetcher,
		s.coord,
		s.normalizer,
		s,
		s.log,
	)

	w.use(newPollTransport(s.ticker, s.cfg.PollInterval, s.cfg.PollOnStart))
	if s.push != nil {
		w.use(newPushTransport(s.push, s.backend))
	}

	return w
}

// StopTracking deletes the topic remotely, then forgets it and
// terminates its worker.
func (s *Store) StopTracking(ctx context.Context, topicID string) error {
	if _, ok := s.Topic(topicID); !ok {
		return s.fail(ctx, newOpError(opStopTracking, topicID, "", ErrTopicNotFound))
	}

	if err := s.backend.DeleteTopic(ctx, topicID); err != nil {
		return s.fail(ctx, newOpError(opStopTracking, topicID, "", fmt.Errorf("delete topic: %w", err)))
	}

	s.mu.Lock()
	w := s.workers[topicID]
	delete(s.workers, topicID)
	delete(s.topics, topicID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == topicID })
	s.seen.Drop(topicID)
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}

	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
		defer cancel()

		if err := s.cache.DeleteSnapshot(cacheCtx, topicID); err != nil {
			s.log.WarnContext(ctx, "Failed to delete snapshot", "topicID", topicID, "error", err)
		}
	}

	s.log.InfoContext(ctx, "Topic untracked", "topicID", topicID)

	return nil
}

// TogglePolling pauses or resumes a topic. History is kept either way.
func (s *Store) TogglePolling(ctx context.Context, topicID string, enable bool) error {
	topic, ok := s.Topic(topicID)
	if !ok {
		return s.fail(ctx, newOpError(opToggle, topicID, "", ErrTopicNotFound))
	}
	if topic.IsPolling == enable {
		return nil
	}

	var err error
	if enable {
		err = s.backend.StartPolling(ctx, topicID)
	} else {
		err = s.backend.StopPolling(ctx, topicID)
	}
	if err != nil {
		return s.fail(ctx, newOpError(opToggle, topicID, "", err))
	}

	s.mu.Lock()
	current, ok := s.topics[topicID]
	if !ok {
		s.mu.Unlock()
		return s.fail(ctx, newOpError(opToggle, topicID, "", ErrTopicNotFound))
	}
	current.IsPolling = enable
	w := s.workers[topicID]
	update := Update{Topic: current.Clone()}
	s.mu.Unlock()

	if w != nil {
		if err = w.SetPolling(enable); err != nil {
			s.log.WarnContext(ctx, "Failed to reschedule worker", "topicID", topicID, "error", err)
		}
	}

	s.notify(update)

	s.log.InfoContext(ctx, "Polling toggled", "topicID", topicID, "enabled", enable)

	return nil
}

// AddArticlesToStory merges articles into the topic feed and returns the
// ones that were new.
func (s *Store) AddArticlesToStory(topicID string, articles []domain.Article) ([]domain.Article, error) {
	s.mu.Lock()

	topic, ok := s.topics[topicID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTopicNotFound
	}

	merged := s.seen.For(topic.ID).Merge(topic.Articles, articles)
	added := newArticles(topic.Articles, merged)
	if slices.ContainsFunc(added, func(a domain.Article) bool { return !a.System }) {
		merged = slices.DeleteFunc(merged, func(a domain.Article) bool { return a.System })
	}

	now := s.clock.Now()
	topic.Articles = merged
	topic.LastPolledAt = &now
	update := Update{Topic: topic.Clone(), Added: added}

	s.mu.Unlock()

	s.notify(update)
	s.saveSnapshot(topicID)

	return added, nil
}

// reportFailure puts a single system notice into a topic that has
// nothing to show yet.
func (s *Store) reportFailure(topicID string, _ error) {
	s.mu.Lock()

	topic, ok := s.topics[topicID]
	if !ok || len(topic.Articles) > 0 {
		s.mu.Unlock()
		return
	}

	notice := systemArticle(*topic, s.clock.Now())
	topic.Articles = merge.Merge(topic.Articles, []domain.Article{notice})
	update := Update{Topic: topic.Clone(), Added: []domain.Article{notice}}

	s.mu.Unlock()

	s.notify(update)
}

// Load hydrates the store with the user's topics from the backend.
func (s *Store) Load(ctx context.Context) error {
	remote, err := s.backend.ListTopics(ctx)
	if err != nil {
		return s.fail(ctx, newOpError(opLoad, "", "", fmt.Errorf("list topics: %w", err)))
	}

	for _, r := range remote {
		if _, err = s.adopt(ctx, r); err != nil {
			return s.fail(ctx, newOpError(opLoad, r.ID, "", err))
		}
	}

	s.log.InfoContext(ctx, "Topics loaded", "count", len(remote))

	return nil
}

func (s *Store) Topics() []domain.TrackedTopic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]domain.TrackedTopic, 0, len(s.order))
	for _, id := range s.order {
		topics = append(topics, s.topics[id].Clone())
	}

	return topics
}

func (s *Store) Topic(topicID string) (domain.TrackedTopic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return domain.TrackedTopic{}, false
	}

	return topic.Clone(), true
}

func (s *Store) TopicByKeyword(keyword string) (domain.TrackedTopic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if topic := s.topics[id]; topic.Keyword == keyword {
			return topic.Clone(), true
		}
	}

	return domain.TrackedTopic{}, false
}

func (s *Store) State(topicID string) (domain.SyncState, bool) {
	s.mu.RLock()
	w, ok := s.workers[topicID]
	s.mu.RUnlock()

	if !ok {
		return domain.StateTerminated, false
	}

	return w.State(), true
}

// Refresh runs a manual poll for one topic. It is gated like a timer tick.
func (s *Store) Refresh(ctx context.Context, topicID string) (Outcome, error) {
	s.mu.RLock()
	w, ok := s.workers[topicID]
	s.mu.RUnlock()

	if !ok {
		return OutcomeTerminated, s.fail(ctx, newOpError(opRefresh, topicID, "", ErrTopicNotFound))
	}

	return w.Poll(ctx), nil
}

// RefreshAll polls every topic with bounded parallelism.
func (s *Store) RefreshAll(ctx context.Context) (map[string]Outcome, error) {
	s.mu.RLock()
	workers := make(map[string]*Worker, len(s.workers))
	for id, w := range s.workers {
		workers[id] = w
	}
	s.mu.RUnlock()

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(workers))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshConcurrency)

	for id, w := range workers {
		g.Go(func() error {
			outcome := w.Poll(gctx)

			mu.Lock()
			outcomes[id] = outcome
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, fmt.Errorf("refresh topics: %w", err)
	}

	return outcomes, nil
}

func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
}

func (s *Store) LastError() *OpError {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastErr
}

func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = nil
}

// Close terminates every worker and waits for in-flight syncs to return.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	for _, w := range workers {
		w.Wait()
	}
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

func (s *Store) fail(ctx context.Context, err *OpError) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.log.WarnContext(
		ctx,
		"Operation failed",
		"op", err.Op,
		"topicID", err.TopicID,
		"keyword", err.Keyword,
		"error", err.Err,
	)

	return err
}

func (s *Store) notify(update Update) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(update)
	}
}

func (s *Store) loadSnapshot(ctx context.Context, topicID string) (domain.TopicSnapshot, bool) {
	if s.cache == nil {
		return domain.TopicSnapshot{}, false
	}

	snapshot, ok, err := s.cache.LoadSnapshot(ctx, topicID)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to load snapshot", "topicID", topicID, "error", err)
		return domain.TopicSnapshot{}, false
	}

	return snapshot, ok
}

// saveSnapshot writes the current topic state. cacheMu keeps writes for
// the same topic in order.
func (s *Store) saveSnapshot(topicID string) {
	if s.cache == nil {
		return
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.mu.RLock()
	topic, ok := s.topics[topicID]
	if !ok {
		s.mu.RUnlock()
		return
	}
	snapshot := domain.TopicSnapshot{
		TopicID:  topic.ID,
		Keyword:  topic.Keyword,
		Articles: slices.DeleteFunc(slices.Clone(topic.Articles), func(a domain.Article) bool { return a.System }),
	}
	if topic.LastPolledAt != nil {
		lp := *topic.LastPolledAt
		snapshot.LastPolledAt = &lp
	}
	snapshot.SeenKeys = s.seen.For(topicID).Keys()
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	if err := s.cache.SaveSnapshot(ctx, snapshot); err != nil {
		s.log.WarnContext(ctx, "Failed to save snapshot", "topicID", topicID, "error", err)
	}
}

func newArticles(before, after []domain.Article) []domain.Article {
	known := make(map[string]struct{}, len(before))
	for _, a := range before {
		known[a.ID] = struct{}{}
	}

	var added []domain.Article
	for _, a := range after {
		if _, ok := known[a.ID]; !ok {
			added = append(added, a)
		}
	}

	return added
}

func systemArticle(topic domain.TrackedTopic, now time.Time) domain.Article {
	return domain.Article{
		ID:          "system-" + topic.ID,
		Title:       fmt.Sprintf("Could not fetch news for %q yet. Retrying automatically.", topic.Keyword),
		Source:      domain.SystemSource,
		PublishedAt: now,
		URL:         domain.NoLinkURL,
		System:      true,
	}
}
