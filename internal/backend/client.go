// Package backend is the HTTP client for the story tracking API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storytrack/internal/normalize"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultPath    = "/story_tracking"
	DefaultTimeout = 30 * time.Second

	DefaultMaxResponseBytes = 10 << 20

	successStatus = "success"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrPayloadStatus    = errors.New("payload status is not success")
	ErrResponseTooLarge = errors.New("response is too large")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Topic is a tracked topic as the API returns it. Articles are left raw
// for the normalizer.
type Topic struct {
	ID           string
	Keyword      string
	CreatedAt    time.Time
	IsPolling    bool
	LastPolledAt *time.Time
	Articles     []gjson.Result
}

type Config struct {
	BaseURL          string
	Path             string
	Token            string
	Timeout          time.Duration
	RatePerSecond    float64
	HTTPClient       *http.Client
	MaxResponseBytes int64
}

type Client struct {
	baseURL    string
	path       string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxBody    int64
	log        *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base URL is empty")
	}

	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}

	return &Client{
		baseURL:    baseURL,
		path:       strings.TrimSuffix(path, "/"),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		maxBody:    maxBody,
		log:        log,
	}, nil
}

// FetchArticles returns the raw candidate articles for keyword.
func (c *Client) FetchArticles(ctx context.Context, keyword string) ([]gjson.Result, error) {
	query := url.Values{"keyword": []string{keyword}}

	body, err := c.do(ctx, http.MethodGet, c.path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	if status := gjson.GetBytes(body, "status"); status.Exists() && status.String() != successStatus {
		return nil, fmt.Errorf("%w (status = %s)", ErrPayloadStatus, status.String())
	}

	articles := gjson.GetBytes(body, "articles")
	if !articles.IsArray() {
		c.log.WarnContext(ctx, "Articles payload is not an array",
			"keyword", keyword,
			"articlesType", articles.Type.String())

		return nil, nil
	}

	return articles.Array(), nil
}

func (c *Client) CreateTopic(ctx context.Context, keyword string, sourceArticleID string) (Topic, error) {
	payload := struct {
		Keyword         string `json:"keyword"`
		SourceArticleID string `json:"sourceArticleId,omitempty"`
	}{
		Keyword:         keyword,
		SourceArticleID: sourceArticleID,
	}

	body, err := c.do(ctx, http.MethodPost, c.path, payload)
	if err != nil {
		return Topic{}, err
	}

	topic, ok := parseTopic(gjson.GetBytes(body, "data"))
	if !ok {
		return Topic{}, errors.New("response has no topic data")
	}

	return topic, nil
}

func (c *Client) ListTopics(ctx context.Context) ([]Topic, error) {
	body, err := c.do(ctx, http.MethodGet, c.path+"/user", nil)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, errors.New("response data is not an array")
	}

	var topics []Topic
	for _, raw := range data.Array() {
		topic, ok := parseTopic(raw)
		if !ok {
			c.log.WarnContext(ctx, "Skipping malformed topic",
				"raw", truncate(raw.Raw, 200))

			continue
		}

		topics = append(topics, topic)
	}

	return topics, nil
}

func (c *Client) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	body, err := c.do(ctx, http.MethodGet, c.path+"/"+url.PathEscape(topicID), nil)
	if err != nil {
		return Topic{}, err
	}

	topic, ok := parseTopic(gjson.GetBytes(body, "data"))
	if !ok {
		return Topic{}, errors.New("response has no topic data")
	}

	return topic, nil
}

func (c *Client) DeleteTopic(ctx context.Context, topicID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.path+"/"+url.PathEscape(topicID), nil)

	return err
}

func (c *Client) StartPolling(ctx context.Context, topicID string) error {
	return c.togglePolling(ctx, "/start", topicID)
}

func (c *Client) StopPolling(ctx context.Context, topicID string) error {
	return c.togglePolling(ctx, "/stop", topicID)
}

func (c *Client) togglePolling(ctx context.Context, suffix string, topicID string) error {
	payload := struct {
		StoryID string `json:"story_id"`
	}{
		StoryID: topicID,
	}

	_, err := c.do(ctx, http.MethodPost, c.path+suffix, payload)

	return err
}

func (c *Client) do(ctx context.Context, method string, pathAndQuery string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WarnContext(ctx, "Failed to close response body",
				"error", closeErr,
				"method", method)
		}
	}()

	// One byte past the limit tells a full body from a cut one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%s %s: %w (limit = %d bytes)", method, req.URL.Path, ErrResponseTooLarge, c.maxBody)
	}

	return body, nil
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return truncate(strings.TrimSpace(string(body)), 200)
	}

	for _, key := range []string{"message", "error", "error.message"} {
		if v := gjson.GetBytes(body, key); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}

	return ""
}

func parseTopic(raw gjson.Result) (Topic, bool) {
	if !raw.IsObject() {
		return Topic{}, false
	}

	id := raw.Get("id")
	if id.Type != gjson.String && id.Type != gjson.Number {
		return Topic{}, false
	}

	topicID := strings.TrimSpace(id.String())
	if topicID == "" {
		return Topic{}, false
	}

	topic := Topic{
		ID:        topicID,
		Keyword:   strings.TrimSpace(raw.Get("keyword").String()),
		IsPolling: raw.Get("is_polling").Bool(),
	}

	if t, ok := normalize.ParseTime(raw.Get("created_at")); ok {
		topic.CreatedAt = t
	}

	if t, ok := normalize.ParseTime(raw.Get("last_polled_at")); ok {
		topic.LastPolledAt = &t
	}

	if articles := raw.Get("articles"); articles.IsArray() {
		topic.Articles = articles.Array()
	}

	return topic, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
