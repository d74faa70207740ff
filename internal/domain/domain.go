package domain

import "time"

const (
	// NoLinkURL marks an article without an actionable link.
	NoLinkURL = "#"

	UntitledTitle = "Untitled"
	UnknownSource = "Unknown Source"

	SystemSource = "System"
)

type Article struct {
	ID          string
	Title       string
	Source      string
	PublishedAt time.Time
	URL         string
	System      bool
}

// HasLink reports whether the article URL can be opened.
func (a Article) HasLink() bool {
	return a.URL != "" && a.URL != NoLinkURL
}

type TrackedTopic struct {
	ID           string
	Keyword      string
	CreatedAt    time.Time
	IsPolling    bool
	LastPolledAt *time.Time
	Articles     []Article
}

// Clone returns a deep copy safe to hand out of the store.
func (t TrackedTopic) Clone() TrackedTopic {
	c := t
	if t.LastPolledAt != nil {
		lp := *t.LastPolledAt
		c.LastPolledAt = &lp
	}
	c.Articles = append([]Article(nil), t.Articles...)

	return c
}

type SyncState int

const (
	StateIdle SyncState = iota
	StateScheduled
	StatePolling
	StateMerging
	StateDegraded
	StateTerminated
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StatePolling:
		return "polling"
	case StateMerging:
		return "merging"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TopicSnapshot is the locally cached state of a topic feed.
type TopicSnapshot struct {
	TopicID      string
	Keyword      string
	LastPolledAt *time.Time
	Articles     []Article
	SeenKeys     []string
}
