package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"mvdan.cc/xurls/v2"
)

const (
	KeywordPlaceholder = "{keyword}"

	searchClientTimeout = 20 * time.Second
)

var httpLinkPattern = mustMatchScheme("https?://")

func mustMatchScheme(scheme string) *regexp.Regexp {
	re, err := xurls.StrictMatchingScheme(scheme)
	if err != nil {
		panic(fmt.Sprintf("compile link pattern (scheme = %s): %v", scheme, err))
	}

	return re
}

// Search fetches candidate articles for a keyword from an RSS or Atom
// search feed. It produces the same raw records as the backend poll
// endpoint so both go through one normalizer.
type Search struct {
	template  string
	libParser *gofeed.Parser
	log       *slog.Logger
}

func NewSearch(template string, client *http.Client, log *slog.Logger) (*Search, error) {
	template = strings.TrimSpace(template)
	if !strings.Contains(template, KeywordPlaceholder) {
		return nil, fmt.Errorf("search URL must contain %s", KeywordPlaceholder)
	}

	u, err := url.Parse(strings.ReplaceAll(template, KeywordPlaceholder, "x"))
	if err != nil {
		return nil, fmt.Errorf("parse search URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported search URL scheme %q", u.Scheme)
	}

	if client == nil {
		client = &http.Client{Timeout: searchClientTimeout}
	}

	libParser := gofeed.NewParser()
	libParser.Client = client

	return &Search{
		template:  template,
		libParser: libParser,
		log:       log,
	}, nil
}

// URL returns the search feed URL for keyword.
func (s *Search) URL(keyword string) string {
	return strings.ReplaceAll(s.template, KeywordPlaceholder, url.QueryEscape(strings.TrimSpace(keyword)))
}

func (s *Search) FetchArticles(ctx context.Context, keyword string) ([]gjson.Result, error) {
	feedURL := s.URL(keyword)

	parsed, err := s.libParser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed (URL = %s): %w", feedURL, err)
	}

	feedTitle := strings.TrimSpace(parsed.Title)

	records := make([]gjson.Result, 0, len(parsed.Items))
	var errs []error

	for _, item := range parsed.Items {
		raw, ok, buildErr := s.record(ctx, feedURL, feedTitle, item)
		if buildErr != nil {
			errs = append(errs, buildErr)
			continue
		}
		if !ok {
			continue
		}

		records = append(records, gjson.Parse(raw))
	}

	if len(errs) > 0 {
		s.log.WarnContext(ctx, "Failed to build feed records",
			"error", errors.Join(errs...),
			"feedURL", feedURL)
	}

	return records, nil
}

func (s *Search) record(
	ctx context.Context,
	feedURL string,
	feedTitle string,
	item *gofeed.Item,
) (string, bool, error) {
	itemTitle := strings.TrimSpace(item.Title)
	itemURL := strings.TrimSpace(item.Link)
	if itemURL == "" {
		itemURL = salvageURL(item.Description)
	}

	if itemURL == "" && strings.TrimSpace(item.GUID) == "" {
		s.log.WarnContext(ctx, "Skipping feed item with empty URL",
			"feedURL", feedURL,
			"itemTitle", itemTitle)

		return "", false, nil
	}

	source := feedTitle
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		source = strings.TrimSpace(item.Author.Name)
	}

	raw := `{}`
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		raw, err = sjson.Set(raw, path, value)
	}

	set("id", itemID(item.GUID, itemURL))
	set("title", itemTitle)
	set("url", itemURL)
	if source != "" {
		set("source.name", source)
	}
	if published := itemPublished(item); published != nil {
		set("publishedAt", published.UTC().Format(time.RFC3339))
	}

	if err != nil {
		return "", false, fmt.Errorf("build record (itemTitle = %s): %w", itemTitle, err)
	}

	return raw, true, nil
}

// itemID prefers the feed GUID. Items without one get a stable id derived
// from their link so repeated searches dedupe.
func itemID(guid string, itemURL string) string {
	if guid = strings.TrimSpace(guid); guid != "" {
		return guid
	}

	hash := sha256.Sum256([]byte(itemURL))

	return "feed-" + hex.EncodeToString(hash[:12])
}

func itemPublished(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}

	return item.UpdatedParsed
}

// salvageURL returns the first http(s) link found in text.
func salvageURL(text string) string {
	return strings.TrimSpace(httpLinkPattern.FindString(text))
}
