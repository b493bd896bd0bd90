// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	chat_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	translation_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	language TEXT NOT NULL DEFAULT 'en'
);
CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	channel_id TEXT NOT NULL,
	channel_title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	name TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_channel_url
	ON subscriptions (channel_id, url) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_channel_name
	ON subscriptions (channel_id, name) WHERE deleted_at IS NULL;
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	item JSONB NOT NULL,
	run_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to the database and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// EnsureUser implements [Store].
func (s *PostgresStore) EnsureUser(ctx context.Context, id, chatID int64) (User, error) {
	var u User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO users (id, chat_id, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET chat_id = CASE WHEN $4 THEN excluded.chat_id ELSE users.chat_id END
			RETURNING id, chat_id, created_at;
		`, id, cmp.Or(chatID, id), s.now().UTC(), chatID != 0).Scan(&u.ID, &u.ChatID, &u.CreatedAt); err != nil {
			return err
		}
		def := DefaultSettings()
		_, err := tx.Exec(ctx, `
			INSERT INTO settings (user_id, translation_enabled, language) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING;
		`, id, def.TranslationEnabled, def.Language)
		return err
	})
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// User implements [Store].
func (s *PostgresStore) User(ctx context.Context, id int64) (User, error) {
	var u User
	if err := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, created_at FROM users WHERE id = $1;
	`, id).Scan(&u.ID, &u.ChatID, &u.CreatedAt); err != nil {
		return User{}, notFound(err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Settings implements [Store].
func (s *PostgresStore) Settings(ctx context.Context, userID int64) (Settings, error) {
	var set Settings
	if err := s.pool.QueryRow(ctx, `
		SELECT translation_enabled, language FROM settings WHERE user_id = $1;
	`, userID).Scan(&set.TranslationEnabled, &set.Language); err != nil {
		return Settings{}, notFound(err)
	}
	return set, nil
}

// UpdateSettings implements [Store].
func (s *PostgresStore) UpdateSettings(ctx context.Context, userID int64, set Settings) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settings SET translation_enabled = $1, language = $2 WHERE user_id = $3;
	`, set.TranslationEnabled, set.Language, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresSubscription(row pgx.Row) (Subscription, error) {
	var sub Subscription
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ChannelID, &sub.ChannelTitle, &sub.URL, &sub.Name,
		&sub.LastSeen, &sub.CreatedAt, &sub.UpdatedAt, &sub.DeletedAt,
	); err != nil {
		return Subscription{}, notFound(err)
	}
	sub.LastSeen = sub.LastSeen.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.DeletedAt != nil {
		t := sub.DeletedAt.UTC()
		sub.DeletedAt = &t
	}
	return sub, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanPostgresSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AddSubscription implements [Store].
func (s *PostgresStore) AddSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	var stored Subscription
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize additions per channel so uniqueness checks don't race.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, sub.ChannelID); err != nil {
			return err
		}

		var urlTaken bool
		err := tx.QueryRow(ctx, `
			SELECT url = $1 FROM subscriptions
			WHERE channel_id = $2 AND deleted_at IS NULL AND (url = $1 OR name = $3)
			ORDER BY url = $1 DESC LIMIT 1;
		`, sub.URL, sub.ChannelID, sub.Name).Scan(&urlTaken)
		switch {
		case err == nil && urlTaken:
			return ErrURLExists
		case err == nil:
			return ErrNameExists
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		now := s.now().UTC()
		var prevID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM subscriptions
			WHERE user_id = $1 AND channel_id = $2 AND url = $3 AND deleted_at IS NOT NULL
			ORDER BY last_seen DESC LIMIT 1;
		`, sub.UserID, sub.ChannelID, sub.URL).Scan(&prevID)
		switch {
		case err == nil:
			stored, err = scanPostgresSubscription(tx.QueryRow(ctx, `
				UPDATE subscriptions
				SET name = $1, channel_title = $2, last_seen = GREATEST(last_seen, $3), updated_at = $4, deleted_at = NULL
				WHERE id = $5
				RETURNING `+subscriptionColumns+`;
			`, sub.Name, sub.ChannelTitle, sub.LastSeen.UTC(), now, prevID))
			return err
		case errors.Is(err, pgx.ErrNoRows):
			if sub.ID == "" {
				sub.ID = newID()
			}
			stored, err = scanPostgresSubscription(tx.QueryRow(ctx, `
				INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, NULL)
				RETURNING `+subscriptionColumns+`;
			`, sub.ID, sub.UserID, sub.ChannelID, sub.ChannelTitle, sub.URL, sub.Name, sub.LastSeen.UTC(), now))
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Subscription{}, err
	}
	return stored, nil
}

// Subscription implements [Store].
func (s *PostgresStore) Subscription(ctx context.Context, id string) (Subscription, error) {
	return scanPostgresSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1;`, id))
}

// SubscriptionByName implements [Store].
func (s *PostgresStore) SubscriptionByName(ctx context.Context, userID int64, name string) (Subscription, error) {
	return scanPostgresSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND name = $2 AND deleted_at IS NULL
		ORDER BY created_at LIMIT 1;
	`, userID, name))
}

// ActiveSubscriptions implements [Store].
func (s *PostgresStore) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE deleted_at IS NULL ORDER BY created_at, id;
	`)
}

// UserSubscriptions implements [Store].
func (s *PostgresStore) UserSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at, id;
	`, userID)
}

// RenameSubscription implements [Store].
func (s *PostgresStore) RenameSubscription(ctx context.Context, id, name string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM subscriptions AS other, subscriptions AS sub
				WHERE sub.id = $1 AND other.id != sub.id AND other.channel_id = sub.channel_id
					AND other.name = $2 AND other.deleted_at IS NULL
			);
		`, id, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrNameExists
		}
		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions SET name = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL;
		`, name, s.now().UTC(), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSubscription implements [Store].
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL;
	`, s.now().UTC(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceWatermark implements [Store].
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, id string, t time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET last_seen = $1, updated_at = $2 WHERE id = $3 AND last_seen < $1;
	`, t.UTC(), s.now().UTC(), id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Subscription(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetChannelTitle implements [Store].
func (s *PostgresStore) SetChannelTitle(ctx context.Context, channelID, title string) error {
	_, err := s.pool.Exec(ctx, `UPDATE subscriptions SET channel_title = $1 WHERE channel_id = $2;`, title, channelID)
	return err
}

// SaveTask implements [Store].
func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, subscription_id, item, run_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET item = excluded.item, run_at = excluded.run_at;
	`, task.ID, task.SubscriptionID, task.Item, task.RunAt.UTC())
	return err
}

// DeleteTask implements [Store].
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1;`, id)
	return err
}

// PendingTasks implements [Store].
func (s *PostgresStore) PendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, subscription_id, item, run_at FROM tasks ORDER BY run_at, id;`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		var task Task
		if err := row.Scan(&task.ID, &task.SubscriptionID, &task.Item, &task.RunAt); err != nil {
			return Task{}, err
		}
		task.RunAt = task.RunAt.UTC()
		return task, nil
	})
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
