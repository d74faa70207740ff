package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"storytrack/internal/backend"
	"storytrack/internal/clock"
	"storytrack/internal/domain"
	"storytrack/internal/push"
	"storytrack/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *tracking.Store
	backend *fakeBackend
	ticker  *manualTicker
	clock   *clock.Manual
}

func newHarness(t *testing.T, cfg tracking.Config, opts ...tracking.Option) *harness {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 3 * time.Minute
	}
	if cfg.PollMinInterval == 0 {
		cfg.PollMinInterval = 2 * time.Minute
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}

	h := &harness{
		backend: newFakeBackend(),
		ticker:  newManualTicker(),
		clock:   clock.NewManual(t0),
	}

	opts = append([]tracking.Option{tracking.WithClock(h.clock)}, opts...)
	h.store = tracking.New(cfg, h.backend, h.backend, h.ticker, slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(h.store.Close)

	return h
}

func (h *harness) topic(t *testing.T, id string) domain.TrackedTopic {
	t.Helper()

	topic, ok := h.store.Topic(id)
	require.True(t, ok, "topic %s is not tracked", id)

	return topic
}

func TestPollScenario(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	var updates []tracking.Update
	h.store.Subscribe(func(u tracking.Update) { updates = append(updates, u) })

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)
	assert.Equal(t, "apple", topic.Keyword)
	assert.True(t, topic.IsPolling)
	assert.Empty(t, topic.Articles)
	assert.Equal(t, 1, h.ticker.len())

	h.backend.setFetch(returning(`[
		{"id": "a1", "title": "One", "url": "https://x/1", "publishedAt": "2025-03-01T09:00:00Z"},
		{"id": "a2", "title": "Two", "url": "https://x/2", "publishedAt": "2025-03-01T11:00:00Z"},
		{"id": "a3", "title": "Three", "url": "https://x/3", "publishedAt": "2025-03-01T10:00:00Z"}
	]`))

	h.ticker.fire()

	got := h.topic(t, topic.ID)
	assert.Equal(t, []string{"a2", "a3", "a1"}, ids(got.Articles))
	require.NotNil(t, got.LastPolledAt)
	assert.Equal(t, t0, *got.LastPolledAt)
	assert.Equal(t, 1, h.backend.fetchCount())

	h.clock.Advance(time.Minute)
	h.ticker.fire()

	got = h.topic(t, topic.ID)
	assert.Equal(t, 1, h.backend.fetchCount())
	assert.Equal(t, t0, *got.LastPolledAt)
	assert.Len(t, got.Articles, 3)

	h.backend.setFetch(returning(`[
		{"id": "a3", "title": "Three", "url": "https://x/3", "publishedAt": "2025-03-01T10:00:00Z"},
		{"id": "a4", "title": "Four", "url": "https://x/4", "publishedAt": "2025-03-01T11:30:00Z"}
	]`))

	h.clock.Advance(2 * time.Minute)
	h.ticker.fire()

	got = h.topic(t, topic.ID)
	assert.Equal(t, []string{"a4", "a2", "a3", "a1"}, ids(got.Articles))
	assert.Equal(t, t0.Add(3*time.Minute), *got.LastPolledAt)
	assert.Equal(t, 2, h.backend.fetchCount())

	require.Len(t, updates, 2)
	assert.Len(t, updates[0].Added, 3)
	assert.Equal(t, []string{"a4"}, ids(updates[1].Added))
}

func TestStartTrackingValidatesAndDedupes(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	_, err := h.store.StartTracking(ctx, "   ", "")
	require.ErrorIs(t, err, tracking.ErrEmptyKeyword)

	lastErr := h.store.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, "start tracking", lastErr.Op)

	h.store.ClearError()
	assert.Nil(t, h.store.LastError())

	first, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	second, err := h.store.StartTracking(ctx, "  apple ", "art-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"apple"}, h.backend.created)
	assert.Len(t, h.store.Topics(), 1)
	assert.Equal(t, 1, h.ticker.len())
}

func TestStartTrackingConcurrentCallsCreateOnce(t *testing.T) {
	h := newHarness(t, tracking.Config{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.store.StartTracking(context.Background(), "apple", "")
		}()
	}
	wg.Wait()

	assert.Len(t, h.store.Topics(), 1)
	assert.Equal(t, 1, h.ticker.len())
}

func TestStartTrackingBackendError(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	h.backend.createErr = &backend.StatusError{
		Method:     http.MethodPost,
		Path:       "/story_tracking",
		StatusCode: http.StatusTooManyRequests,
		Message:    "Too many tracked stories.",
	}

	_, err := h.store.StartTracking(context.Background(), "apple", "")
	require.Error(t, err)

	var opErr *tracking.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "Too many tracked stories.", opErr.Message)
	assert.Equal(t, "apple", opErr.Keyword)
	require.ErrorIs(t, err, backend.ErrUnexpectedStatus)

	assert.Same(t, opErr, h.store.LastError())
	assert.Empty(t, h.store.Topics())
}

func TestStopTrackingPreventsFurtherCalls(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	pending := h.ticker.snapshot()
	require.Len(t, pending, 1)

	require.NoError(t, h.store.StopTracking(ctx, topic.ID))

	assert.Equal(t, []string{topic.ID}, h.backend.deleted)
	assert.Equal(t, 0, h.ticker.len())
	_, ok := h.store.Topic(topic.ID)
	assert.False(t, ok)

	// the timer had fired before the stop was observed
	pending[0]()
	assert.Equal(t, 0, h.backend.fetchCount())

	err = h.store.StopTracking(ctx, topic.ID)
	require.ErrorIs(t, err, tracking.ErrTopicNotFound)
}

func TestRetrackedKeywordGetsFullFeed(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	h.backend.setFetch(returning(`[
		{"id": "a1", "title": "One", "url": "https://x/1", "publishedAt": "2025-03-01T09:00:00Z"},
		{"id": "a2", "title": "Two", "url": "https://x/2", "publishedAt": "2025-03-01T10:00:00Z"}
	]`))

	first, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.ticker.fire()
	require.Len(t, h.topic(t, first.ID).Articles, 2)

	require.NoError(t, h.store.StopTracking(ctx, first.ID))

	second, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	h.clock.Advance(2 * time.Minute)
	h.ticker.fire()

	assert.Equal(t, 2, h.backend.fetchCount())
	assert.Equal(t, []string{"a2", "a1"}, ids(h.topic(t, second.ID).Articles))
}

func TestTopicsSharingKeywordKeepOwnFeeds(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	shared := `[
		{"id": "a1", "url": "https://x/1", "publishedAt": "2025-03-01T09:00:00Z"},
		{"id": "a2", "url": "https://x/2", "publishedAt": "2025-03-01T10:00:00Z"}
	]`
	h.backend.remote["t1"] = backend.Topic{ID: "t1", Keyword: "apple", IsPolling: true, Articles: records(shared)}
	h.backend.remote["t2"] = backend.Topic{ID: "t2", Keyword: "apple", IsPolling: true, Articles: records(shared)}

	require.NoError(t, h.store.Load(ctx))

	assert.Equal(t, []string{"a2", "a1"}, ids(h.topic(t, "t1").Articles))
	assert.Equal(t, []string{"a2", "a1"}, ids(h.topic(t, "t2").Articles))

	added, err := h.store.AddArticlesToStory("t2", []domain.Article{
		{ID: "a3", URL: "https://x/3", PublishedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(added))
	assert.Len(t, h.topic(t, "t1").Articles, 2)
}

func TestStopTrackingBackendErrorKeepsTopic(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.backend.deleteErr = errors.New("connection refused")

	err = h.store.StopTracking(ctx, topic.ID)
	require.Error(t, err)
	assert.NotNil(t, h.store.LastError())

	_, ok := h.store.Topic(topic.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, h.ticker.len())
}

func TestStopTrackingAbortsInFlightPoll(t *testing.T) {
	h := newHarness(t, tracking.Config{PollTimeout: 10 * time.Second})
	ctx := context.Background()

	started := make(chan struct{})
	h.backend.setFetch(func(ctx context.Context, _ string) ([]gjson.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	outcome := make(chan tracking.Outcome, 1)
	go func() {
		o, _ := h.store.Refresh(ctx, topic.ID)
		outcome <- o
	}()

	<-started
	require.NoError(t, h.store.StopTracking(ctx, topic.ID))

	select {
	case o := <-outcome:
		assert.Equal(t, tracking.OutcomeTerminated, o)
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight poll was not aborted")
	}
}

func TestFailureInjectsSingleSystemMessage(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.backend.setFetch(failing(errors.New("502 bad gateway")))

	outcome, err := h.store.Refresh(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeFailed, outcome)

	got := h.topic(t, topic.ID)
	require.Len(t, got.Articles, 1)
	notice := got.Articles[0]
	assert.True(t, notice.System)
	assert.Equal(t, domain.SystemSource, notice.Source)
	assert.Equal(t, domain.NoLinkURL, notice.URL)
	assert.Nil(t, got.LastPolledAt)

	state, ok := h.store.State(topic.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateScheduled, state)

	h.clock.Advance(2 * time.Minute)
	outcome, _ = h.store.Refresh(ctx, topic.ID)
	assert.Equal(t, tracking.OutcomeFailed, outcome)
	assert.Len(t, h.topic(t, topic.ID).Articles, 1)

	h.backend.setFetch(returning(`[{"id": "a1", "title": "Back", "url": "https://x/1"}]`))
	h.clock.Advance(2 * time.Minute)
	outcome, _ = h.store.Refresh(ctx, topic.ID)
	assert.Equal(t, tracking.OutcomeSynced, outcome)
	assert.Equal(t, []string{"a1"}, ids(h.topic(t, topic.ID).Articles))
}

func TestFailureKeepsExistingArticles(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.backend.setFetch(returning(`[{"id": "a1", "url": "https://x/1"}]`))
	_, _ = h.store.Refresh(ctx, topic.ID)

	h.backend.setFetch(failing(errors.New("boom")))
	h.clock.Advance(2 * time.Minute)
	_, _ = h.store.Refresh(ctx, topic.ID)

	assert.Equal(t, []string{"a1"}, ids(h.topic(t, topic.ID).Articles))
}

func TestPollTimeout(t *testing.T) {
	h := newHarness(t, tracking.Config{PollTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	h.backend.setFetch(func(ctx context.Context, _ string) ([]gjson.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	outcome, err := h.store.Refresh(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeFailed, outcome)
	assert.Len(t, h.topic(t, topic.ID).Articles, 1)
}

func TestConcurrentPollIsSkipped(t *testing.T) {
	h := newHarness(t, tracking.Config{PollTimeout: 10 * time.Second})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.setFetch(func(context.Context, string) ([]gjson.Result, error) {
		close(started)
		<-release
		return records(`[{"id": "a1"}]`), nil
	})

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	done := make(chan tracking.Outcome, 1)
	go func() {
		o, _ := h.store.Refresh(ctx, topic.ID)
		done <- o
	}()
	<-started

	state, _ := h.store.State(topic.ID)
	assert.Equal(t, domain.StatePolling, state)

	h.clock.Advance(time.Hour)
	outcome, _ := h.store.Refresh(ctx, topic.ID)
	assert.Equal(t, tracking.OutcomeBusy, outcome)

	close(release)
	assert.Equal(t, tracking.OutcomeSynced, <-done)
	assert.Equal(t, 1, h.backend.fetchCount())
}

func TestTogglePolling(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.backend.setFetch(returning(`[{"id": "a1", "url": "https://x/1"}]`))
	h.ticker.fire()

	require.NoError(t, h.store.TogglePolling(ctx, topic.ID, false))
	assert.Equal(t, []string{topic.ID}, h.backend.stopped)
	assert.Equal(t, 0, h.ticker.len())
	assert.False(t, h.topic(t, topic.ID).IsPolling)

	h.clock.Advance(time.Hour)
	outcome, err := h.store.Refresh(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomePaused, outcome)
	assert.Equal(t, 1, h.backend.fetchCount())

	// toggling to the current state is a no-op
	require.NoError(t, h.store.TogglePolling(ctx, topic.ID, false))
	assert.Len(t, h.backend.stopped, 1)

	require.NoError(t, h.store.TogglePolling(ctx, topic.ID, true))
	assert.Equal(t, []string{topic.ID}, h.backend.started)
	assert.Equal(t, 1, h.ticker.len())

	got := h.topic(t, topic.ID)
	assert.True(t, got.IsPolling)
	assert.Equal(t, []string{"a1"}, ids(got.Articles))

	err = h.store.TogglePolling(ctx, "missing", true)
	require.ErrorIs(t, err, tracking.ErrTopicNotFound)
}

func TestPushTransport(t *testing.T) {
	sub := newFakeSubscriber()
	h := newHarness(t, tracking.Config{}, tracking.WithPush(sub))
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	handler, ok := sub.handler(topic.ID)
	require.True(t, ok)

	h.backend.mu.Lock()
	remote := h.backend.remote[topic.ID]
	remote.Articles = records(`[{"id": "p1", "title": "Pushed", "url": "https://x/p1"}]`)
	h.backend.remote[topic.ID] = remote
	h.backend.mu.Unlock()

	handler(push.Event{Event: "phx_reply", Payload: json.RawMessage(`{"status": "ok"}`)})
	assert.Equal(t, 0, h.backend.getTopic)

	handler(push.Event{Event: "INSERT", Payload: json.RawMessage(`{"record": {"id": "p1"}}`)})

	assert.Equal(t, 1, h.backend.getTopic)
	assert.Equal(t, 0, h.backend.fetchCount())
	assert.Equal(t, []string{"p1"}, ids(h.topic(t, topic.ID).Articles))

	require.NoError(t, h.store.TogglePolling(ctx, topic.ID, false))
	_, ok = sub.handler(topic.ID)
	assert.False(t, ok)

	require.NoError(t, h.store.TogglePolling(ctx, topic.ID, true))
	_, ok = sub.handler(topic.ID)
	assert.True(t, ok)
}

func TestTickDuringPushSyncIsSkipped(t *testing.T) {
	sub := newFakeSubscriber()
	h := newHarness(t, tracking.Config{PollTimeout: 10 * time.Second}, tracking.WithPush(sub))
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	handler, ok := sub.handler(topic.ID)
	require.True(t, ok)

	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.setOnGet(func() {
		close(started)
		<-release
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler(push.Event{Event: "INSERT", Payload: json.RawMessage(`{"record": {"id": "p1"}}`)})
	}()
	<-started

	h.clock.Advance(time.Hour)
	outcome, err := h.store.Refresh(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeBusy, outcome)

	h.backend.setOnGet(nil)
	close(release)
	<-done

	assert.Equal(t, 0, h.backend.fetchCount())
	assert.Equal(t, 1, h.backend.getTopicCount())

	// the skipped tick did not use up the keyword's poll slot
	outcome, err = h.store.Refresh(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeSynced, outcome)
	assert.Equal(t, 1, h.backend.fetchCount())
}

func TestLoadMergesCacheSnapshot(t *testing.T) {
	cache := newFakeCache()
	h := newHarness(t, tracking.Config{}, tracking.WithCache(cache))
	ctx := context.Background()

	cachedAt := t0.Add(-time.Hour)
	cache.snapshots["t7"] = domain.TopicSnapshot{
		TopicID:      "t7",
		Keyword:      "pear",
		LastPolledAt: &cachedAt,
		Articles: []domain.Article{
			{ID: "c1", Title: "Cached", URL: "https://x/c1", PublishedAt: t0.Add(-2 * time.Hour)},
		},
		SeenKeys: []string{"id:c1", "url:https://x/c1"},
	}

	h.backend.remote["t7"] = backend.Topic{
		ID:        "t7",
		Keyword:   "pear",
		IsPolling: true,
		Articles: records(`[
			{"id": "c1", "url": "https://x/c1", "publishedAt": "2025-03-01T10:00:00Z"},
			{"id": "r2", "url": "https://x/r2", "publishedAt": "2025-03-01T11:00:00Z"}
		]`),
	}
	h.backend.remote["t8"] = backend.Topic{ID: "t8", Keyword: "plum", IsPolling: false}

	require.NoError(t, h.store.Load(ctx))

	topics := h.store.Topics()
	require.Len(t, topics, 2)

	got := h.topic(t, "t7")
	assert.Equal(t, []string{"r2", "c1"}, ids(got.Articles))
	require.NotNil(t, got.LastPolledAt)
	assert.Equal(t, cachedAt, *got.LastPolledAt)

	assert.False(t, h.topic(t, "t8").IsPolling)
	assert.Equal(t, 1, h.ticker.len())

	saved, ok := cache.get("t7")
	require.True(t, ok)
	assert.Equal(t, []string{"r2", "c1"}, ids(saved.Articles))
	assert.Contains(t, saved.SeenKeys, "id:r2")

	// loading again does not duplicate topics or workers
	require.NoError(t, h.store.Load(ctx))
	assert.Len(t, h.store.Topics(), 2)
	assert.Equal(t, 1, h.ticker.len())
}

func TestRefreshAll(t *testing.T) {
	h := newHarness(t, tracking.Config{RefreshConcurrency: 2})
	ctx := context.Background()

	h.backend.setFetch(func(_ context.Context, keyword string) ([]gjson.Result, error) {
		return records(`[{"id": "` + keyword + `-1"}]`), nil
	})

	apple, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)
	pear, err := h.store.StartTracking(ctx, "pear", "")
	require.NoError(t, err)

	outcomes, err := h.store.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]tracking.Outcome{
		apple.ID: tracking.OutcomeSynced,
		pear.ID:  tracking.OutcomeSynced,
	}, outcomes)

	outcomes, err = h.store.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeDenied, outcomes[apple.ID])
	assert.Equal(t, tracking.OutcomeDenied, outcomes[pear.ID])

	assert.Equal(t, []string{"apple-1"}, ids(h.topic(t, apple.ID).Articles))
	assert.Equal(t, []string{"pear-1"}, ids(h.topic(t, pear.ID).Articles))
}

func TestAddArticlesToUnknownTopic(t *testing.T) {
	h := newHarness(t, tracking.Config{})

	_, err := h.store.AddArticlesToStory("missing", []domain.Article{{ID: "a"}})
	require.ErrorIs(t, err, tracking.ErrTopicNotFound)
}

func TestCloseTerminatesWorkers(t *testing.T) {
	h := newHarness(t, tracking.Config{})
	ctx := context.Background()

	topic, err := h.store.StartTracking(ctx, "apple", "")
	require.NoError(t, err)

	h.store.Close()

	state, ok := h.store.State(topic.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateTerminated, state)

	h.ticker.fire()
	assert.Equal(t, 0, h.backend.fetchCount())

	_, err = h.store.StartTracking(ctx, "pear", "")
	require.ErrorIs(t, err, tracking.ErrStoreClosed)
}
