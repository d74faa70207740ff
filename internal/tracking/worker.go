package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storytrack/internal/domain"
	"storytrack/internal/normalize"
	"storytrack/internal/pollcoord"

	"github.com/tidwall/gjson"
)

const DefaultPollTimeout = 10 * time.Second

// Outcome is the result of a single sync attempt.
type Outcome int

const (
	OutcomeSynced Outcome = iota
	OutcomeDenied
	OutcomeBusy
	OutcomePaused
	OutcomeFailed
	OutcomeTerminated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeDenied:
		return "denied"
	case OutcomeBusy:
		return "busy"
	case OutcomePaused:
		return "paused"
	case OutcomeFailed:
		return "failed"
	case OutcomeTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type WorkerConfig struct {
	Interval    time.Duration
	MinInterval time.Duration
	Timeout     time.Duration
}

type fetchFunc func(ctx context.Context, topicID string, keyword string) ([]gjson.Result, error)

type sink interface {
	AddArticlesToStory(topicID string, articles []domain.Article) ([]domain.Article, error)
	reportFailure(topicID string, err error)
}

// Worker keeps one topic in sync. Network calls happen only through
// sync, which runs at most one at a time per worker.
type Worker struct {
	topicID    string
	keyword    string
	cfg        WorkerConfig
	fetcher    ArticleFetcher
	coord      *pollcoord.Coordinator
	normalizer *normalize.Normalizer
	sink       sink
	transports []Transport
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncMu sync.Mutex

	// mu guards the fields below; inFlight counts running poll and push syncs.
	mu       sync.Mutex
	state    domain.SyncState
	polling  bool
	inFlight int
}

func newWorker(
	topic domain.TrackedTopic,
	cfg WorkerConfig,
	fetcher ArticleFetcher,
	coord *pollcoord.Coordinator,
	normalizer *normalize.Normalizer,
	s sink,
	log *slog.Logger,
) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		topicID:    topic.ID,
		keyword:    topic.Keyword,
		cfg:        cfg,
		fetcher:    fetcher,
		coord:      coord,
		normalizer: normalizer,
		sink:       s,
		log:        log.With("topicID", topic.ID, "keyword", topic.Keyword),
		ctx:        ctx,
		cancel:     cancel,
		state:      domain.StateIdle,
	}
}

func (w *Worker) use(transports ...Transport) {
	w.transports = append(w.transports, transports...)
}

// Start moves an idle worker to Scheduled. Transports are attached only
// when polling is enabled.
func (w *Worker) Start(polling bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != domain.StateIdle {
		return nil
	}

	w.state = domain.StateScheduled
	w.polling = polling

	if !polling {
		return nil
	}

	return w.attachLocked()
}

// SetPolling pauses or resumes the worker without touching its history.
func (w *Worker) SetPolling(enable bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == domain.StateTerminated || w.polling == enable {
		return nil
	}

	w.polling = enable
	if !enable {
		w.detachLocked()
		return nil
	}

	return w.attachLocked()
}

// Stop terminates the worker and aborts the in-flight request. It does
// not wait; see Wait.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == domain.StateTerminated {
		return
	}

	w.state = domain.StateTerminated
	w.detachLocked()
	w.cancel()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) State() domain.SyncState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Poll runs one gated keyword poll.
func (w *Worker) Poll(ctx context.Context) Outcome {
	w.mu.Lock()

	switch {
	case w.state == domain.StateTerminated:
		w.mu.Unlock()
		return OutcomeTerminated
	case !w.polling:
		w.mu.Unlock()
		return OutcomePaused
	case w.inFlight > 0:
		w.mu.Unlock()
		w.log.DebugContext(ctx, "Poll already in flight")
		return OutcomeBusy
	}

	if !w.coord.TryAcquire(w.keyword, w.cfg.MinInterval) {
		w.mu.Unlock()
		w.log.DebugContext(
			ctx,
			"Poll denied by coordinator",
			"remaining", w.coord.Remaining(w.keyword, w.cfg.MinInterval),
		)
		return OutcomeDenied
	}

	w.begin()
	w.mu.Unlock()

	defer w.end()

	return w.sync(ctx, "poll", w.fetchKeyword)
}

func (w *Worker) tick() {
	w.Poll(w.ctx)
}

func (w *Worker) goTick() {
	go w.tick()
}

// pushed handles an insert event from the push transport. Push refreshes
// skip the coordinator since the server already decided there is news,
// but ticks arriving meanwhile see the worker as busy.
func (w *Worker) pushed(referenceID string, fetch fetchFunc) {
	w.mu.Lock()
	if w.state == domain.StateTerminated || !w.polling {
		w.mu.Unlock()
		return
	}
	w.begin()
	w.mu.Unlock()

	defer w.end()

	w.log.DebugContext(w.ctx, "Push event received", "referenceID", referenceID)
	w.sync(w.ctx, "push", fetch)
}

// begin must be called with mu held.
func (w *Worker) begin() {
	w.inFlight++
	w.wg.Add(1)
}

func (w *Worker) end() {
	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()

	w.wg.Done()
}

func (w *Worker) fetchKeyword(ctx context.Context, _ string, keyword string) ([]gjson.Result, error) {
	return w.fetcher.FetchArticles(ctx, keyword)
}

func (w *Worker) sync(ctx context.Context, via string, fetch fetchFunc) Outcome {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	if !w.transition(domain.StatePolling) {
		return OutcomeTerminated
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	stop := context.AfterFunc(w.ctx, cancel)
	records, err := fetch(fetchCtx, w.topicID, w.keyword)
	stop()
	cancel()

	if err != nil {
		if !w.transition(domain.StateDegraded) {
			return OutcomeTerminated
		}

		if errors.Is(err, context.DeadlineExceeded) {
			w.log.WarnContext(ctx, "Sync timed out", "via", via, "timeout", w.cfg.Timeout)
		} else {
			w.log.WarnContext(ctx, "Sync failed", "via", via, "error", err)
		}

		w.sink.reportFailure(w.topicID, err)
		w.transition(domain.StateScheduled)

		return OutcomeFailed
	}

	if !w.transition(domain.StateMerging) {
		w.log.DebugContext(ctx, "Discarding result after termination", "via", via)
		return OutcomeTerminated
	}

	articles := w.normalizer.Records(ctx, records)

	added, err := w.sink.AddArticlesToStory(w.topicID, articles)
	if err != nil {
		w.log.DebugContext(ctx, "Dropping sync result", "via", via, "error", err)
	}

	w.transition(domain.StateScheduled)

	w.log.InfoContext(
		ctx,
		"Topic synced",
		"via", via,
		"received", len(articles),
		"added", len(added),
	)

	return OutcomeSynced
}

// transition reports false once the worker is terminated.
func (w *Worker) transition(to domain.SyncState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == domain.StateTerminated {
		return false
	}
	w.state = to

	return true
}

func (w *Worker) attachLocked() error {
	var errs []error
	for _, t := range w.transports {
		if err := t.Attach(w); err != nil {
			w.log.Warn("Failed to attach transport", "transport", t.Name(), "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (w *Worker) detachLocked() {
	for _, t := range w.transports {
		t.Detach()
	}
}
