// Package push subscribes to per-topic update channels on a Supabase
// Realtime (Phoenix protocol) websocket.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTable             = "story_articles"
	DefaultFilterColumn      = "story_id"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	initialBackoff      = 3 * time.Second
	maxBackoff          = 60 * time.Second
	backoffGrowthFactor = 2

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventHeartbeat = "heartbeat"
	eventInsert    = "INSERT"
	phoenixTopic   = "phoenix"
)

var ErrNotConnected = errors.New("push client is not connected")

// ChannelName is the channel carrying updates for a tracked topic.
func ChannelName(topicID string) string {
	return "story_updates_" + topicID
}

type Event struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// IsInsert reports whether the event announces a newly inserted row.
func (e Event) IsInsert() bool {
	if strings.EqualFold(e.Event, eventInsert) {
		return true
	}

	for _, path := range []string{"type", "data.type", "eventType"} {
		if strings.EqualFold(gjson.GetBytes(e.Payload, path).String(), eventInsert) {
			return true
		}
	}

	return false
}

// ReferenceID returns the id of the inserted row, if the payload carries one.
func (e Event) ReferenceID() string {
	for _, path := range []string{"record.id", "data.record.id", "new.id", "id"} {
		v := gjson.GetBytes(e.Payload, path)
		if v.Type == gjson.String || v.Type == gjson.Number {
			if id := strings.TrimSpace(v.String()); id != "" {
				return id
			}
		}
	}

	return ""
}

type Handler func(Event)

type Config struct {
	URL               string
	APIKey            string
	Table             string
	FilterColumn      string
	HeartbeatInterval time.Duration
}

type channel struct {
	topic    string
	filter   string
	handlers []subscription
	joinRef  string
}

type subscription struct {
	id      int
	handler Handler
}

type Client struct {
	url               string
	table             string
	filterColumn      string
	heartbeatInterval time.Duration
	dialer            *websocket.Dialer
	log               *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*channel
	ref      int
	subID    int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	wsURL, err := websocketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}

	filterColumn := strings.TrimSpace(cfg.FilterColumn)
	if filterColumn == "" {
		filterColumn = DefaultFilterColumn
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &Client{
		url:               wsURL,
		table:             table,
		filterColumn:      filterColumn,
		heartbeatInterval: heartbeat,
		dialer:            &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:               log,
		channels:          make(map[string]*channel),
	}, nil
}

func websocketURL(rawURL string, apiKey string) (string, error) {
	rawURL = strings.TrimSuffix(strings.TrimSpace(rawURL), "/")
	if rawURL == "" {
		return "", errors.New("push URL is empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse push URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported push URL scheme (scheme = %s)", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path += "/realtime/v1/websocket"
	}

	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect dials the websocket and keeps it alive, reconnecting and
// rejoining channels until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.run(runCtx, conn)
	go c.heartbeat(runCtx)

	return nil
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil

	if cancel == nil {
		c.mu.Unlock()
		return nil
	}

	cancel()

	var err error
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		writeErr := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		if writeErr != nil {
			err = fmt.Errorf("send close message: %w", writeErr)
		}
	}
	c.mu.Unlock()

	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close connection: %w", closeErr)
		}
	}

	c.wg.Wait()

	return err
}

// Subscribe joins the update channel of a tracked topic and calls handler
// for every event on it. The returned func removes handler; the channel is
// left once its last handler is gone.
func (c *Client) Subscribe(topicID string, handler Handler) (func() error, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	topic := "realtime:" + ChannelName(topicID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	c.subID++
	sub := subscription{id: c.subID, handler: handler}
	unsubscribe := func() error { return c.leave(topic, sub.id) }

	ch, ok := c.channels[topic]
	if ok {
		ch.handlers = append(ch.handlers, sub)
		return unsubscribe, nil
	}

	ch = &channel{
		topic:    topic,
		filter:   c.filterColumn + "=eq." + topicID,
		handlers: []subscription{sub},
	}

	if err := c.joinLocked(ch); err != nil {
		return nil, err
	}

	c.channels[topic] = ch

	return unsubscribe, nil
}

func (c *Client) leave(topic string, subID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[topic]
	if !ok {
		return nil
	}

	ch.handlers = slices.DeleteFunc(ch.handlers, func(s subscription) bool { return s.id == subID })
	if len(ch.handlers) > 0 {
		return nil
	}

	delete(c.channels, topic)

	if c.conn == nil {
		return nil
	}

	msg := map[string]any{
		"topic":    ch.topic,
		"event":    eventLeave,
		"payload":  map[string]any{},
		"ref":      c.nextRefLocked(),
		"join_ref": ch.joinRef,
	}

	if err := c.writeLocked(msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}

	return nil
}

func (c *Client) joinLocked(ch *channel) error {
	ref := c.nextRefLocked()
	ch.joinRef = ref

	msg := map[string]any{
		"topic": ch.topic,
		"event": eventJoin,
		"payload": map[string]any{
			"config": map[string]any{
				"postgres_changes": []map[string]any{{
					"event":  eventInsert,
					"schema": "public",
					"table":  c.table,
					"filter": ch.filter,
				}},
			},
		},
		"ref":      ref,
		"join_ref": ref,
	}

	if err := c.writeLocked(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	return nil
}

func (c *Client) nextRefLocked() string {
	c.ref++

	return strconv.Itoa(c.ref)
}

func (c *Client) writeLocked(msg any) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	return c.conn.WriteJSON(msg)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	backoff := initialBackoff

	for {
		if conn != nil {
			c.readLoop(ctx, conn)
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			return
		}

		c.log.WarnContext(ctx, "Push connection is closed, reconnecting...",
			"backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		newConn, err := c.dial(ctx)
		if err != nil {
			c.log.WarnContext(ctx, "Failed to reconnect push client",
				"error", err,
				"backoff", backoff)

			conn = nil
			backoff = nextBackoff(backoff)

			continue
		}

		if err = c.replaceConn(ctx, newConn); err != nil {
			if ctx.Err() != nil {
				return
			}

			c.log.WarnContext(ctx, "Failed to rejoin push channels",
				"error", err)
		}

		conn = newConn
		backoff = initialBackoff

		c.log.InfoContext(ctx, "Push client is reconnected",
			"channels", c.channelCount())
	}
}

func (c *Client) replaceConn(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		_ = conn.Close()
		return ctx.Err()
	}

	c.conn = conn

	var errs []error
	for _, ch := range c.channels {
		if err := c.joinLocked(ch); err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", ch.topic, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Client) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.channels)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.DebugContext(ctx, "Push read failed",
					"error", err)
			}

			return
		}

		var event Event
		if err = json.Unmarshal(message, &event); err != nil {
			c.log.DebugContext(ctx, "Skipping malformed push message",
				"error", err,
				"messageLen", len(message))

			continue
		}

		c.dispatch(event)
	}
}

func (c *Client) dispatch(event Event) {
	c.mu.Lock()
	ch, ok := c.channels[event.Topic]
	var handlers []Handler
	if ok {
		for _, sub := range ch.handlers {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			msg := map[string]any{
				"topic":   phoenixTopic,
				"event":   eventHeartbeat,
				"payload": map[string]any{},
				"ref":     c.nextRefLocked(),
			}
			err := c.writeLocked(msg)
			c.mu.Unlock()

			if err != nil {
				c.log.DebugContext(ctx, "Failed to send heartbeat",
					"error", err)
			}
		}
	}
}

func nextBackoff(backoff time.Duration) time.Duration {
	return min(backoff*backoffGrowthFactor, maxBackoff)
}
