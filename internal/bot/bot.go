package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"storytrack/internal/domain"
	"storytrack/internal/ratelimiter"
	"storytrack/internal/tracking"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	updateProcessingTimeout = 60 * time.Second
	notifyTimeout           = 2 * time.Minute
)

// Tracker is the story tracking surface the bot drives.
type Tracker interface {
	StartTracking(ctx context.Context, keyword string, sourceArticleID string) (domain.TrackedTopic, error)
	StopTracking(ctx context.Context, topicID string) error
	TogglePolling(ctx context.Context, topicID string, enable bool) error
	Topics() []domain.TrackedTopic
	Topic(topicID string) (domain.TrackedTopic, bool)
	RefreshAll(ctx context.Context) (map[string]tracking.Outcome, error)
	Subscribe(l tracking.Listener)
}

type sender interface {
	Send(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

type Bot struct {
	api          *tgbot.Bot
	rateLimiter  *ratelimiter.RateLimiter
	sender       sender
	tracker      Tracker
	allowedUsers []int64
	log          *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	pending sync.WaitGroup
}

func New(
	token string,
	tracker Tracker,
	allowedUsers []int64,
	log *slog.Logger,
) (*Bot, error) {
	b := &Bot{
		tracker:      tracker,
		allowedUsers: allowedUsers,
		log:          log,
		ctx:          context.Background(),
	}

	api, err := tgbot.New(
		strings.TrimSpace(token),
		tgbot.WithDefaultHandler(b.handleUpdate),
	)
	if err != nil {
		return nil, fmt.Errorf("create bot API: %w", err)
	}

	b.api = api
	b.rateLimiter = ratelimiter.New(api, log)
	b.sender = b.rateLimiter

	return b, nil
}

// Start subscribes to topic updates and processes Telegram updates until
// ctx is done.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.tracker.Subscribe(b.handleTopicUpdate)

	b.log.InfoContext(ctx, "Bot is started",
		"allowedUsers", len(b.allowedUsers))

	b.api.Start(ctx)

	b.log.InfoContext(ctx, "Bot context is done",
		"error", ctx.Err())
}

func (b *Bot) Stop() {
	b.pending.Wait()

	if b.rateLimiter != nil {
		b.rateLimiter.Stop()
	}
}

func (b *Bot) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	updateCtx, cancel := context.WithTimeout(ctx, updateProcessingTimeout)
	defer cancel()

	message := update.Message
	chatID := message.Chat.ID

	if message.From == nil || !b.userAllowed(message.From.ID) {
		var userID int64
		var username string
		if message.From != nil {
			userID = message.From.ID
			username = message.From.Username
		}

		b.log.DebugContext(updateCtx, "User is not allowed",
			"userID", userID,
			"chatID", chatID,
			"username", username,
			"chatType", message.Chat.Type)

		return
	}

	if err := b.handleMessage(updateCtx, chatID, message.Text); err != nil {
		b.log.ErrorContext(updateCtx, "Failed to handle message",
			"error", err,
			"chatID", chatID,
			"userID", message.From.ID,
			"messageID", message.ID)
	}
}

func (b *Bot) handleMessage(ctx context.Context, chatID int64, text string) error {
	var errs []error

	for _, reply := range b.respond(ctx, text) {
		if err := b.sendMessage(ctx, chatID, reply); err != nil {
			errs = append(errs, fmt.Errorf("send message: %w", err))
		}
	}

	return errors.Join(errs...)
}

// handleTopicUpdate forwards fresh articles to every allowed chat. It runs
// on the syncing goroutine, so delivery happens in the background.
func (b *Bot) handleTopicUpdate(update tracking.Update) {
	messages := formatNewArticles(update.Topic.Keyword, update.Added)
	if len(messages) == 0 {
		return
	}

	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()

	b.pending.Add(1)
	go func() {
		defer b.pending.Done()

		ctx, cancel := context.WithTimeout(parent, notifyTimeout)
		defer cancel()

		if err := b.SendNewArticles(ctx, messages); err != nil {
			b.log.ErrorContext(ctx, "Failed to send new articles",
				"error", err,
				"topicID", update.Topic.ID,
				"added", len(update.Added))
		}
	}()
}

func (b *Bot) SendNewArticles(ctx context.Context, messages []string) error {
	var errs []error

	for _, chatID := range b.allowedUsers {
		for _, message := range messages {
			if err := b.sendMessage(ctx, chatID, message); err != nil {
				errs = append(errs, fmt.Errorf("send message (chatID = %d): %w", chatID, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) error {
	normalizedText := strings.ToValidUTF8(text, "?")
	if normalizedText != text {
		b.log.WarnContext(ctx, "Message text had invalid UTF-8 and was normalized",
			"chatID", chatID,
			"originalLen", len(text),
			"normalizedLen", len(normalizedText))
	}

	// See https://core.telegram.org/bots/api#markdownv2-style.
	params := &tgbot.SendMessageParams{
		ChatID:    chatID,
		Text:      normalizedText,
		ParseMode: models.ParseModeMarkdown,
	}

	disablePreview := true
	params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: &disablePreview}

	_, err := b.sender.Send(ctx, params)

	return err
}

func (b *Bot) userAllowed(userID int64) bool {
	return slices.Contains(b.allowedUsers, userID)
}
