package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storytrack/internal/domain"
)

const timeLayout = time.RFC3339Nano

func (d *Database) SaveSnapshot(ctx context.Context, snapshot domain.TopicSnapshot) (err error) {
	topicID := strings.TrimSpace(snapshot.TopicID)
	if topicID == "" {
		return errors.New("topic ID is empty")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.log.ErrorContext(ctx, "Failed to roll back",
					"error", rbErr,
					"topicID", topicID,
					"operation", "SaveSnapshot")
			}
		}
	}()

	query := `insert into topics (id, keyword, last_polled_at, updated_at)
	values (?, ?, ?, ?)
	on conflict (id) do update
	set keyword = excluded.keyword,
	last_polled_at = excluded.last_polled_at,
	updated_at = excluded.updated_at`

	if _, err = tx.ExecContext(
		ctx,
		query,
		topicID,
		snapshot.Keyword,
		formatTime(snapshot.LastPolledAt),
		time.Now().UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("upsert topic: %w", err)
	}

	if err = deleteTopicRows(ctx, tx, topicID, "articles", "seen_keys"); err != nil {
		return err
	}

	for i, a := range snapshot.Articles {
		if _, err = tx.ExecContext(
			ctx,
			`insert or ignore into articles
			(topic_id, id, position, title, source, url, published_at)
			values (?, ?, ?, ?, ?, ?, ?)`,
			topicID,
			a.ID,
			i,
			a.Title,
			a.Source,
			a.URL,
			a.PublishedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert article: %w", err)
		}
	}

	for i, key := range snapshot.SeenKeys {
		if _, err = tx.ExecContext(
			ctx,
			"insert or ignore into seen_keys (topic_id, key, position) values (?, ?, ?)",
			topicID,
			key,
			i,
		); err != nil {
			return fmt.Errorf("insert seen key: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (d *Database) LoadSnapshot(ctx context.Context, topicID string) (domain.TopicSnapshot, bool, error) {
	snapshot := domain.TopicSnapshot{TopicID: topicID}

	var lastPolledAt sql.NullString
	err := d.db.QueryRowContext(
		ctx,
		"select keyword, last_polled_at from topics where id = ?",
		topicID,
	).Scan(&snapshot.Keyword, &lastPolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TopicSnapshot{}, false, nil
	}
	if err != nil {
		return domain.TopicSnapshot{}, false, fmt.Errorf("failed to scan topic: %w", err)
	}

	if lastPolledAt.Valid {
		t, parseErr := time.Parse(timeLayout, lastPolledAt.String)
		if parseErr != nil {
			return domain.TopicSnapshot{}, false, fmt.Errorf("parse last polled at: %w", parseErr)
		}
		snapshot.LastPolledAt = &t
	}

	if snapshot.Articles, err = d.articles(ctx, topicID); err != nil {
		return domain.TopicSnapshot{}, false, err
	}

	if snapshot.SeenKeys, err = d.seenKeys(ctx, topicID); err != nil {
		return domain.TopicSnapshot{}, false, err
	}

	return snapshot, true, nil
}

func (d *Database) DeleteSnapshot(ctx context.Context, topicID string) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = deleteTopicRows(ctx, tx, topicID, "articles", "seen_keys"); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "delete from topics where id = ?", topicID); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (d *Database) articles(ctx context.Context, topicID string) ([]domain.Article, error) {
	query := `select id, title, source, url, published_at
	from articles
	where topic_id = ?
	order by position`

	rows, err := d.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"topicID", topicID,
				"operation", "articles")
		}
	}()

	var articles []domain.Article
	for rows.Next() {
		var (
			a           domain.Article
			publishedAt string
		)
		if err = rows.Scan(&a.ID, &a.Title, &a.Source, &a.URL, &publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if a.PublishedAt, err = time.Parse(timeLayout, publishedAt); err != nil {
			return nil, fmt.Errorf("parse published at: %w", err)
		}

		articles = append(articles, a)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return articles, nil
}

func (d *Database) seenKeys(ctx context.Context, topicID string) ([]string, error) {
	rows, err := d.db.QueryContext(
		ctx,
		"select key from seen_keys where topic_id = ? order by position",
		topicID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"topicID", topicID,
				"operation", "seenKeys")
		}
	}()

	var keys []string
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		keys = append(keys, key)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return keys, nil
}

func deleteTopicRows(ctx context.Context, tx *sql.Tx, topicID string, tables ...string) error {
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "delete from "+table+" where topic_id = ?", topicID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC().Format(timeLayout)
}
