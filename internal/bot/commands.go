package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storytrack/internal/markdown"
	"storytrack/internal/tracking"
)

const helpText = `🤖 *Story tracker*

Send a keyword or use the commands below:

– /track _keyword_ – start tracking a story
– /untrack _id_ – stop tracking and forget it
– /pause _id_ and /resume _id_ – pause or resume updates
– /list – tracked stories
– /feed _id_ – latest articles of a story
– /refresh – check every story for news now`

// respond maps one incoming text to the replies it produces.
func (b *Bot) respond(ctx context.Context, text string) []string {
	command, args := parseCommand(text)

	switch command {
	case "":
		if args == "" {
			return []string{helpText}
		}
		return b.handleTrackCommand(ctx, args)
	case "start", "help":
		return []string{helpText}
	case "track":
		return b.handleTrackCommand(ctx, args)
	case "untrack":
		return b.handleUntrackCommand(ctx, args)
	case "pause":
		return b.handleToggleCommand(ctx, args, false)
	case "resume":
		return b.handleToggleCommand(ctx, args, true)
	case "list":
		return []string{formatTopicList(b.tracker.Topics())}
	case "feed":
		return b.handleFeedCommand(args)
	case "refresh":
		return b.handleRefreshCommand(ctx)
	default:
		return []string{"✖️ Unknown command\\.\n\n" + helpText}
	}
}

// parseCommand splits "/cmd@bot args" into its lowercased command and the
// trimmed arguments. Plain text yields an empty command.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	head, args, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(strings.TrimPrefix(head, "/"), "@")

	return strings.ToLower(head), strings.TrimSpace(args)
}

func (b *Bot) handleTrackCommand(ctx context.Context, keyword string) []string {
	if strings.TrimSpace(keyword) == "" {
		return []string{"✖️ Usage: /track _keyword_"}
	}

	topic, err := b.tracker.StartTracking(ctx, keyword, "")
	if err != nil {
		return []string{failureText(err)}
	}

	return []string{fmt.Sprintf(
		"✅ Tracking *%s* \\(id `%s`\\)\\.",
		markdown.EscapeV2(topic.Keyword),
		markdown.EscapeCode(topic.ID),
	)}
}

func (b *Bot) handleUntrackCommand(ctx context.Context, topicID string) []string {
	if topicID == "" {
		return []string{"✖️ Usage: /untrack _id_"}
	}

	if err := b.tracker.StopTracking(ctx, topicID); err != nil {
		return []string{failureText(err)}
	}

	return []string{"✅ Story is no longer tracked\\."}
}

func (b *Bot) handleToggleCommand(ctx context.Context, topicID string, enable bool) []string {
	if topicID == "" {
		if enable {
			return []string{"✖️ Usage: /resume _id_"}
		}
		return []string{"✖️ Usage: /pause _id_"}
	}

	if err := b.tracker.TogglePolling(ctx, topicID, enable); err != nil {
		return []string{failureText(err)}
	}

	if enable {
		return []string{"▶️ Updates resumed\\."}
	}

	return []string{"⏸ Updates paused\\. History is kept\\."}
}

func (b *Bot) handleFeedCommand(topicID string) []string {
	if topicID == "" {
		return []string{"✖️ Usage: /feed _id_"}
	}

	topic, ok := b.tracker.Topic(topicID)
	if !ok {
		return []string{failureText(tracking.ErrTopicNotFound)}
	}

	if len(topic.Articles) == 0 {
		return []string{fmt.Sprintf("✖️ No articles for *%s* yet\\.", markdown.EscapeV2(topic.Keyword))}
	}

	return formatArticlesAsMessages(
		fmt.Sprintf("🗞 *%s*\n\n", markdown.EscapeV2(topic.Keyword)),
		fmt.Sprintf("🗞 *%s \\(continue\\)*\n\n", markdown.EscapeV2(topic.Keyword)),
		topic.Articles,
	)
}

func (b *Bot) handleRefreshCommand(ctx context.Context) []string {
	outcomes, err := b.tracker.RefreshAll(ctx)
	if err != nil && len(outcomes) == 0 {
		return []string{failureText(err)}
	}

	return []string{formatOutcomes(outcomes)}
}

func failureText(err error) string {
	var opErr *tracking.OpError
	if errors.As(err, &opErr) {
		return "❌ " + markdown.EscapeV2(opErr.Message)
	}

	if errors.Is(err, tracking.ErrTopicNotFound) {
		return "❌ Story is not tracked\\."
	}

	return "❌ Failed\\."
}
