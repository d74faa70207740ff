package tracking

import (
	"context"
	"fmt"
	"time"

	"storytrack/internal/backend"
	"storytrack/internal/push"

	"github.com/tidwall/gjson"
)

// ArticleFetcher returns raw candidate articles for a keyword.
type ArticleFetcher interface {
	FetchArticles(ctx context.Context, keyword string) ([]gjson.Result, error)
}

// Backend is the topic CRUD side of the HTTP collaborator.
type Backend interface {
	CreateTopic(ctx context.Context, keyword string, sourceArticleID string) (backend.Topic, error)
	ListTopics(ctx context.Context) ([]backend.Topic, error)
	GetTopic(ctx context.Context, topicID string) (backend.Topic, error)
	DeleteTopic(ctx context.Context, topicID string) error
	StartPolling(ctx context.Context, topicID string) error
	StopPolling(ctx context.Context, topicID string) error
}

// Ticker runs job every interval until the returned func is called.
type Ticker interface {
	Every(interval time.Duration, job func()) (func(), error)
}

type PushSubscriber interface {
	Subscribe(topicID string, handler push.Handler) (func() error, error)
}

// Transport delivers updates to a worker. Polling and push are
// interchangeable; both end up in Worker.sync.
type Transport interface {
	Name() string
	Attach(w *Worker) error
	Detach()
}

type pollTransport struct {
	ticker      Ticker
	interval    time.Duration
	pollOnStart bool
	stop        func()
}

func newPollTransport(ticker Ticker, interval time.Duration, pollOnStart bool) *pollTransport {
	return &pollTransport{
		ticker:      ticker,
		interval:    interval,
		pollOnStart: pollOnStart,
	}
}

func (t *pollTransport) Name() string {
	return "poll"
}

func (t *pollTransport) Attach(w *Worker) error {
	if t.stop != nil {
		return nil
	}

	stop, err := t.ticker.Every(t.interval, w.tick)
	if err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	t.stop = stop

	if t.pollOnStart {
		w.goTick()
	}

	return nil
}

func (t *pollTransport) Detach() {
	if t.stop == nil {
		return
	}

	t.stop()
	t.stop = nil
}

type pushTransport struct {
	subscriber  PushSubscriber
	backend     Backend
	unsubscribe func() error
}

func newPushTransport(subscriber PushSubscriber, b Backend) *pushTransport {
	return &pushTransport{
		subscriber: subscriber,
		backend:    b,
	}
}

func (t *pushTransport) Name() string {
	return "push"
}

func (t *pushTransport) Attach(w *Worker) error {
	if t.unsubscribe != nil {
		return nil
	}

	unsubscribe, err := t.subscriber.Subscribe(w.topicID, func(ev push.Event) {
		if !ev.IsInsert() {
			return
		}

		w.pushed(ev.ReferenceID(), t.fetch)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", push.ChannelName(w.topicID), err)
	}
	t.unsubscribe = unsubscribe

	return nil
}

func (t *pushTransport) Detach() {
	if t.unsubscribe == nil {
		return
	}

	_ = t.unsubscribe()
	t.unsubscribe = nil
}

// fetch re-reads the full topic record; push events only carry a reference.
func (t *pushTransport) fetch(ctx context.Context, topicID string, _ string) ([]gjson.Result, error) {
	topic, err := t.backend.GetTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}

	return topic.Articles, nil
}
