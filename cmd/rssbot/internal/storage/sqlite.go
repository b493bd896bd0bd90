// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package storage

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	chat_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	translation_enabled INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT 'en'
);
CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	channel_id TEXT NOT NULL,
	channel_title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	name TEXT NOT NULL,
	last_seen INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_channel_url
	ON subscriptions (channel_id, url) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_channel_name
	ON subscriptions (channel_id, name) WHERE deleted_at IS NULL;
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	item TEXT NOT NULL,
	run_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens the SQLite database at dsn and creates the schema if
// needed.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; serializing connections keeps
	// transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// EnsureUser implements [Store].
func (s *SQLiteStore) EnsureUser(ctx context.Context, id, chatID int64) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, chat_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET chat_id = CASE WHEN ? THEN excluded.chat_id ELSE users.chat_id END;
	`, id, cmp.Or(chatID, id), toUnix(s.now()), chatID != 0); err != nil {
		return User{}, err
	}
	def := DefaultSettings()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settings (user_id, translation_enabled, language) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING;
	`, id, def.TranslationEnabled, def.Language); err != nil {
		return User{}, err
	}

	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT id, chat_id, created_at FROM users WHERE id = ?;`, id))
	if err != nil {
		return User{}, err
	}
	return u, tx.Commit()
}

type scanner interface{ Scan(dest ...any) error }

func scanUser(row scanner) (User, error) {
	var (
		u         User
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.ChatID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.CreatedAt = fromUnix(createdAt)
	return u, nil
}

// User implements [Store].
func (s *SQLiteStore) User(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT id, chat_id, created_at FROM users WHERE id = ?;`, id))
}

// Settings implements [Store].
func (s *SQLiteStore) Settings(ctx context.Context, userID int64) (Settings, error) {
	var set Settings
	if err := s.db.QueryRowContext(ctx, `
		SELECT translation_enabled, language FROM settings WHERE user_id = ?;
	`, userID).Scan(&set.TranslationEnabled, &set.Language); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, err
	}
	return set, nil
}

// UpdateSettings implements [Store].
func (s *SQLiteStore) UpdateSettings(ctx context.Context, userID int64, set Settings) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settings SET translation_enabled = ?, language = ? WHERE user_id = ?;
	`, set.TranslationEnabled, set.Language, userID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const subscriptionColumns = `id, user_id, channel_id, channel_title, url, name, last_seen, created_at, updated_at, deleted_at`

func scanSubscription(row scanner) (Subscription, error) {
	var (
		sub                            Subscription
		lastSeen, createdAt, updatedAt int64
		deletedAt                      sql.NullInt64
	)
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ChannelID, &sub.ChannelTitle, &sub.URL, &sub.Name,
		&lastSeen, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, err
	}
	sub.LastSeen = fromUnix(lastSeen)
	sub.CreatedAt = fromUnix(createdAt)
	sub.UpdatedAt = fromUnix(updatedAt)
	if deletedAt.Valid {
		t := fromUnix(deletedAt.Int64)
		sub.DeletedAt = &t
	}
	return sub, nil
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AddSubscription implements [Store].
func (s *SQLiteStore) AddSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subscription{}, err
	}
	defer tx.Rollback()

	var taken string
	err = tx.QueryRowContext(ctx, `
		SELECT CASE WHEN url = ? THEN 'url' ELSE 'name' END FROM subscriptions
		WHERE channel_id = ? AND deleted_at IS NULL AND (url = ? OR name = ?)
		ORDER BY url = ? DESC LIMIT 1;
	`, sub.URL, sub.ChannelID, sub.URL, sub.Name, sub.URL).Scan(&taken)
	switch {
	case err == nil && taken == "url":
		return Subscription{}, ErrURLExists
	case err == nil:
		return Subscription{}, ErrNameExists
	case !errors.Is(err, sql.ErrNoRows):
		return Subscription{}, err
	}

	now := toUnix(s.now())
	prev, err := scanSubscription(tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND channel_id = ? AND url = ? AND deleted_at IS NOT NULL
		ORDER BY last_seen DESC LIMIT 1;
	`, sub.UserID, sub.ChannelID, sub.URL))
	switch {
	case err == nil:
		sub.ID = prev.ID
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET name = ?, channel_title = ?, last_seen = MAX(last_seen, ?), updated_at = ?, deleted_at = NULL
			WHERE id = ?;
		`, sub.Name, sub.ChannelTitle, toUnix(sub.LastSeen), now, sub.ID); err != nil {
			return Subscription{}, err
		}
	case errors.Is(err, ErrNotFound):
		if sub.ID == "" {
			sub.ID = newID()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);
		`, sub.ID, sub.UserID, sub.ChannelID, sub.ChannelTitle, sub.URL, sub.Name, toUnix(sub.LastSeen), now, now); err != nil {
			return Subscription{}, err
		}
	default:
		return Subscription{}, err
	}

	stored, err := scanSubscription(tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?;`, sub.ID))
	if err != nil {
		return Subscription{}, err
	}
	return stored, tx.Commit()
}

// Subscription implements [Store].
func (s *SQLiteStore) Subscription(ctx context.Context, id string) (Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?;`, id))
}

// SubscriptionByName implements [Store].
func (s *SQLiteStore) SubscriptionByName(ctx context.Context, userID int64, name string) (Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND name = ? AND deleted_at IS NULL
		ORDER BY created_at LIMIT 1;
	`, userID, name))
}

// ActiveSubscriptions implements [Store].
func (s *SQLiteStore) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE deleted_at IS NULL ORDER BY created_at, id;
	`)
}

// UserSubscriptions implements [Store].
func (s *SQLiteStore) UserSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at, id;
	`, userID)
}

// RenameSubscription implements [Store].
func (s *SQLiteStore) RenameSubscription(ctx context.Context, id, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions AS other, subscriptions AS sub
			WHERE sub.id = ? AND other.id != sub.id AND other.channel_id = sub.channel_id
				AND other.name = ? AND other.deleted_at IS NULL
		);
	`, id, name).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrNameExists
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET name = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;
	`, name, toUnix(s.now()), id)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteSubscription implements [Store].
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	now := toUnix(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;
	`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AdvanceWatermark implements [Store].
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, id string, t time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_seen = ?, updated_at = ? WHERE id = ? AND last_seen < ?;
	`, toUnix(t), toUnix(s.now()), id, toUnix(t))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Subscription(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// SetChannelTitle implements [Store].
func (s *SQLiteStore) SetChannelTitle(ctx context.Context, channelID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET channel_title = ? WHERE channel_id = ?;
	`, title, channelID)
	return err
}

// SaveTask implements [Store].
func (s *SQLiteStore) SaveTask(ctx context.Context, task Task) error {
	item, err := json.Marshal(task.Item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, subscription_id, item, run_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET item = excluded.item, run_at = excluded.run_at;
	`, task.ID, task.SubscriptionID, string(item), toUnix(task.RunAt))
	return err
}

// DeleteTask implements [Store].
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	return err
}

// PendingTasks implements [Store].
func (s *SQLiteStore) PendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscription_id, item, run_at FROM tasks ORDER BY run_at, id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			task  Task
			item  string
			runAt int64
		)
		if err := rows.Scan(&task.ID, &task.SubscriptionID, &item, &runAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(item), &task.Item); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
		task.RunAt = fromUnix(runAt)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
