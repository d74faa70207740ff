// Package normalize turns loosely-typed article records received from the
// network into strict domain.Article values.
package normalize

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"storytrack/internal/clock"
	"storytrack/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const unixMillisThreshold = 1e12

//nolint:gochecknoglobals // Immutable lookup tables.
var (
	publishedAtKeys = []string{"publishedAt", "published_at", "pubDate"}
	dateLayouts     = []string{
		time.RFC3339Nano,
		time.RFC3339,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		time.DateOnly,
	}
)

type Normalizer struct {
	clock clock.Clock
	newID func() string
	log   *slog.Logger
}

type Option func(*Normalizer)

// WithIDGenerator overrides how ids are synthesized for records without one.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		if fn != nil {
			n.newID = fn
		}
	}
}

func New(c clock.Clock, log *slog.Logger, opts ...Option) *Normalizer {
	if c == nil {
		c = clock.Real{}
	}

	n := &Normalizer{
		clock: c,
		newID: uuid.NewString,
		log:   log,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Payload reads the "articles" array of a JSON response body. Anything that
// is not a JSON object with an array there yields no articles.
func (n *Normalizer) Payload(ctx context.Context, body []byte) []domain.Article {
	if !gjson.ValidBytes(body) {
		n.log.WarnContext(ctx, "Skipping invalid JSON payload",
			"bodyLen", len(body))

		return nil
	}

	articles := gjson.GetBytes(body, "articles")
	if !articles.IsArray() {
		n.log.WarnContext(ctx, "Skipping payload without articles array",
			"articlesType", articles.Type.String())

		return nil
	}

	return n.Records(ctx, articles.Array())
}

func (n *Normalizer) Records(ctx context.Context, records []gjson.Result) []domain.Article {
	articles := make([]domain.Article, 0, len(records))
	dropped := 0

	for _, record := range records {
		article, ok := n.Record(record)
		if !ok {
			dropped++
			continue
		}

		articles = append(articles, article)
	}

	if dropped > 0 {
		n.log.DebugContext(ctx, "Dropped malformed article records",
			"dropped", dropped,
			"kept", len(articles))
	}

	return articles
}

// Record normalizes a single record. It returns false for non-objects and
// for objects with neither an id nor an http link.
func (n *Normalizer) Record(record gjson.Result) (domain.Article, bool) {
	if !record.IsObject() {
		return domain.Article{}, false
	}

	id, hasID := recordID(record.Get("id"))
	articleURL := normalizeURL(record.Get("url"))

	if !hasID && articleURL == domain.NoLinkURL {
		return domain.Article{}, false
	}

	if !hasID {
		id = n.newID()
	}

	return domain.Article{
		ID:          id,
		Title:       textOr(record.Get("title"), domain.UntitledTitle),
		Source:      sourceName(record.Get("source")),
		PublishedAt: n.publishedAt(record),
		URL:         articleURL,
	}, true
}

func (n *Normalizer) publishedAt(record gjson.Result) time.Time {
	for _, key := range publishedAtKeys {
		v := record.Get(key)
		if !v.Exists() {
			continue
		}

		if t, ok := ParseTime(v); ok {
			return t
		}
	}

	return n.clock.Now()
}

// ParseTime accepts date strings in common layouts and unix timestamps in
// seconds or milliseconds.
func ParseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, false
		}

		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}

		return time.Time{}, false
	case gjson.Number:
		if v.Num <= 0 || math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
			return time.Time{}, false
		}

		if v.Num >= unixMillisThreshold {
			return time.UnixMilli(int64(v.Num)).UTC(), true
		}

		return time.Unix(int64(v.Num), 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func recordID(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		id := strings.TrimSpace(v.Str)
		return id, id != ""
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return strconv.FormatFloat(v.Num, 'f', -1, 64), true
		}
		return v.Raw, true
	default:
		return "", false
	}
}

func normalizeURL(v gjson.Result) string {
	if v.Type != gjson.String {
		return domain.NoLinkURL
	}

	u := strings.TrimSpace(v.Str)
	if !strings.HasPrefix(u, "http") {
		return domain.NoLinkURL
	}

	return u
}

func sourceName(v gjson.Result) string {
	if v.IsObject() {
		return textOr(v.Get("name"), domain.UnknownSource)
	}

	return textOr(v, domain.UnknownSource)
}

func textOr(v gjson.Result, fallback string) string {
	if v.Type != gjson.String {
		return fallback
	}

	text := PlainText(v.Str)
	if text == "" {
		return fallback
	}

	return text
}

// PlainText strips HTML markup and collapses whitespace.
func PlainText(s string) string {
	s = strings.TrimSpace(s)

	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			s = doc.Text()
		}
	}

	return strings.Join(strings.Fields(s), " ")
}
