package bot

import (
	"fmt"
	"slices"
	"strings"

	"storytrack/internal/domain"
	"storytrack/internal/markdown"
	"storytrack/internal/tracking"
)

const (
	telegramMessageMaxLength = 4096
	articleTimeLayout        = "2 Jan 15:04 MST"
)

// formatNewArticles renders a notification for articles that just arrived.
// System notices are not news and are left out.
func formatNewArticles(keyword string, added []domain.Article) []string {
	articles := slices.DeleteFunc(slices.Clone(added), func(a domain.Article) bool { return a.System })
	if len(articles) == 0 {
		return nil
	}

	return formatArticlesAsMessages(
		fmt.Sprintf("📰 *New articles: %s*\n\n", markdown.EscapeV2(keyword)),
		fmt.Sprintf("📰 *New articles: %s \\(continue\\)*\n\n", markdown.EscapeV2(keyword)),
		articles,
	)
}

// formatArticlesAsMessages splits articles into messages that fit
// Telegram's length limit.
func formatArticlesAsMessages(header string, continuation string, articles []domain.Article) []string {
	var messages []string
	var currentMessage strings.Builder

	currentMessage.WriteString(header)
	headerLength := currentMessage.Len()

	for _, article := range articles {
		bulletPoint := formatArticle(article)

		if currentMessage.Len()+len(bulletPoint) > telegramMessageMaxLength &&
			currentMessage.Len() > headerLength {
			messages = append(messages, currentMessage.String())
			currentMessage.Reset()
			currentMessage.WriteString(continuation)
			headerLength = currentMessage.Len()
		}

		currentMessage.WriteString(bulletPoint)
	}

	if currentMessage.Len() > headerLength {
		messages = append(messages, currentMessage.String())
	}

	return messages
}

func formatArticle(article domain.Article) string {
	title := markdown.EscapeV2(article.Title)
	meta := markdown.EscapeV2(fmt.Sprintf(
		"%s · %s",
		article.Source,
		article.PublishedAt.UTC().Format(articleTimeLayout),
	))

	if !article.HasLink() {
		return fmt.Sprintf("– %s\n_%s_\n\n", title, meta)
	}

	return fmt.Sprintf("– [%s](%s)\n_%s_\n\n", title, markdown.EscapeLinkURL(article.URL), meta)
}

func formatTopicList(topics []domain.TrackedTopic) string {
	if len(topics) == 0 {
		return "✖️ No stories are tracked\\. Send a keyword to start\\."
	}

	var message strings.Builder
	message.WriteString(fmt.Sprintf("🔍 *Tracking %d stories:*\n\n", len(topics)))

	for i, topic := range topics {
		status := "▶️"
		if !topic.IsPolling {
			status = "⏸"
		}

		lastPolled := "never"
		if topic.LastPolledAt != nil {
			lastPolled = topic.LastPolledAt.UTC().Format(articleTimeLayout)
		}

		message.WriteString(fmt.Sprintf(
			"%d\\. %s *%s* `%s`\n%s\n",
			i+1,
			status,
			markdown.EscapeV2(topic.Keyword),
			markdown.EscapeCode(topic.ID),
			markdown.EscapeV2(fmt.Sprintf("%d articles, last update %s", len(topic.Articles), lastPolled)),
		))
	}

	return message.String()
}

func formatOutcomes(outcomes map[string]tracking.Outcome) string {
	if len(outcomes) == 0 {
		return "✖️ No stories are tracked\\."
	}

	counts := make(map[tracking.Outcome]int)
	for _, outcome := range outcomes {
		counts[outcome]++
	}

	var parts []string
	for _, outcome := range []tracking.Outcome{
		tracking.OutcomeSynced,
		tracking.OutcomeDenied,
		tracking.OutcomeBusy,
		tracking.OutcomePaused,
		tracking.OutcomeFailed,
		tracking.OutcomeTerminated,
	} {
		if counts[outcome] > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", outcome, counts[outcome]))
		}
	}

	return "🔄 " + markdown.EscapeV2(fmt.Sprintf("Refreshed %d stories (%s).", len(outcomes), strings.Join(parts, ", ")))
}
