// Package merge combines new article batches into a topic's ordered feed.
package merge

import (
	"slices"

	"storytrack/internal/domain"
)

// Merge concatenates existing and incoming, keeps the first article for
// every id and sorts the result by publication time, newest first.
func Merge(existing, incoming []domain.Article) []domain.Article {
	merged := make([]domain.Article, 0, len(existing)+len(incoming))
	seenIDs := make(map[string]struct{}, len(existing)+len(incoming))

	for _, batch := range [][]domain.Article{existing, incoming} {
		for _, article := range batch {
			if _, ok := seenIDs[article.ID]; ok {
				continue
			}

			seenIDs[article.ID] = struct{}{}
			merged = append(merged, article)
		}
	}

	slices.SortStableFunc(merged, func(a, b domain.Article) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})

	return merged
}
