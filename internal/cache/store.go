// Package cache is the durable local store: normalized entities, feed
// membership cross-references and pagination bookkeeping, all in sqlite.
// It is the single place concurrent mediators rendezvous; every multi-row
// write runs inside one transaction.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/config"
	"github.com/sandwichfarm/strfeed/internal/entities"
	"github.com/sandwichfarm/strfeed/internal/ops"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database and the change notifier.
type Store struct {
	db       *sqlx.DB
	notifier *Notifier
	log      *ops.Logger
}

// Open opens (creating if needed) the cache database and runs migrations.
func Open(ctx context.Context, cfg *config.Cache, logger *ops.Logger) (*Store, error) {
	if logger == nil {
		logger = ops.Default()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=off",
		cfg.Path, cfg.BusyTimeoutMs)

	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// churn between concurrent mediators.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		notifier: newNotifier(50 * time.Millisecond),
		log:      logger.WithComponent("cache"),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		pubkey     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind       INTEGER NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		content    TEXT NOT NULL DEFAULT '',
		sig        TEXT NOT NULL DEFAULT '',
		raw        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind)`,
	`CREATE TABLE IF NOT EXISTS posts (
		event_id    TEXT PRIMARY KEY,
		author_id   TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		reply_to_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS reposts (
		event_id   TEXT PRIMARY KEY,
		author_id  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		post_id    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		pubkey       TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		about        TEXT NOT NULL DEFAULT '',
		picture      TEXT NOT NULL DEFAULT '',
		nip05        TEXT NOT NULL DEFAULT '',
		lud16        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS event_stats (
		event_id    TEXT PRIMARY KEY,
		replies     INTEGER NOT NULL DEFAULT 0,
		reposts     INTEGER NOT NULL DEFAULT 0,
		likes       INTEGER NOT NULL DEFAULT 0,
		zaps        INTEGER NOT NULL DEFAULT 0,
		sats_zapped INTEGER NOT NULL DEFAULT 0,
		score       REAL NOT NULL DEFAULT 0,
		score24h    REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS event_user_stats (
		event_id  TEXT NOT NULL,
		viewer_id TEXT NOT NULL,
		liked     INTEGER NOT NULL DEFAULT 0,
		replied   INTEGER NOT NULL DEFAULT 0,
		reposted  INTEGER NOT NULL DEFAULT 0,
		zapped    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, viewer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS feed_items (
		owner_id  TEXT NOT NULL,
		feed_spec TEXT NOT NULL,
		event_id  TEXT NOT NULL,
		position  INTEGER NOT NULL,
		UNIQUE (owner_id, feed_spec, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_items_pos ON feed_items(owner_id, feed_spec, position)`,
	`CREATE TABLE IF NOT EXISTS remote_keys (
		owner_id     TEXT NOT NULL,
		feed_spec    TEXT NOT NULL,
		oldest_at    INTEGER NOT NULL DEFAULT 0,
		oldest_id    TEXT NOT NULL DEFAULT '',
		newest_at    INTEGER NOT NULL DEFAULT 0,
		newest_id    TEXT NOT NULL DEFAULT '',
		last_request TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (owner_id, feed_spec)
	)`,
	`CREATE TABLE IF NOT EXISTS muted_users (
		owner_id     TEXT NOT NULL,
		muted_pubkey TEXT NOT NULL,
		PRIMARY KEY (owner_id, muted_pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications_seen (
		owner_id TEXT PRIMARY KEY,
		seen_at  INTEGER NOT NULL DEFAULT 0
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Notifier returns the change notifier for reactive consumers.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// Observe subscribes to committed changes for one (feed spec, owner) pair.
func (s *Store) Observe(ownerID, feedSpec string) (<-chan struct{}, func()) {
	return s.notifier.Subscribe(ownerID, feedSpec)
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}

// Tx is one cache write transaction. Feed-level writes record which
// (owner, feed spec) pairs they touched so the notifier can fire after
// commit, and only after commit.
type Tx struct {
	tx      *sqlx.Tx
	touched map[[2]string]struct{}
}

func (t *Tx) markTouched(ownerID, feedSpec string) {
	t.touched[[2]string{ownerID, feedSpec}] = struct{}{}
}

// InTx runs fn inside a single transaction. On any error the transaction
// rolls back and no notification fires; on commit, touched feed keys are
// notified.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Tx{tx: sqlTx, touched: make(map[[2]string]struct{})}

	if err := fn(t); err != nil {
		sqlTx.Rollback()
		s.log.LogCacheWrite("tx", 0, time.Since(start), err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		s.log.LogCacheWrite("tx", 0, time.Since(start), err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.LogCacheWrite("tx", len(t.touched), time.Since(start), nil)
	for key := range t.touched {
		s.notifier.notify(key[0], key[1])
	}
	return nil
}

// UpsertEvent stores the immutable event row. Events are content-addressed;
// re-inserting the same id is a no-op.
func (t *Tx) UpsertEvent(ctx context.Context, evt *nostr.Event) error {
	tags, err := json.Marshal(evt.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, pubkey, created_at, kind, tags, content, sig, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, string(tags), evt.Content, evt.Sig, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", evt.ID, err)
	}
	return nil
}

// UpsertPost stores a post projection.
func (t *Tx) UpsertPost(ctx context.Context, p *entities.Post) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO posts (event_id, author_id, created_at, content, reply_to_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			author_id = excluded.author_id,
			created_at = excluded.created_at,
			content = excluded.content,
			reply_to_id = excluded.reply_to_id`,
		p.EventID, p.AuthorID, p.CreatedAt, p.Content, p.ReplyToID)
	if err != nil {
		return fmt.Errorf("failed to upsert post %s: %w", p.EventID, err)
	}
	return nil
}

// UpsertRepost stores a repost projection.
func (t *Tx) UpsertRepost(ctx context.Context, r *entities.Repost) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reposts (event_id, author_id, created_at, post_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			author_id = excluded.author_id,
			created_at = excluded.created_at,
			post_id = excluded.post_id`,
		r.EventID, r.AuthorID, r.CreatedAt, r.PostID)
	if err != nil {
		return fmt.Errorf("failed to upsert repost %s: %w", r.EventID, err)
	}
	return nil
}

// UpsertProfile applies latest-wins by declared creation time: an older
// profile never overwrites a newer one, regardless of arrival order.
func (t *Tx) UpsertProfile(ctx context.Context, p *entities.Profile) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO profiles (pubkey, name, display_name, about, picture, nip05, lud16, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			about = excluded.about,
			picture = excluded.picture,
			nip05 = excluded.nip05,
			lud16 = excluded.lud16,
			created_at = excluded.created_at
		WHERE excluded.created_at >= profiles.created_at`,
		p.Pubkey, p.Name, p.DisplayName, p.About, p.Picture, p.Nip05, p.Lud16, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.Pubkey, err)
	}
	return nil
}

// UpsertEventStats replaces the server-supplied aggregate counters.
// Replacement (not accumulation) is what keeps re-ingestion idempotent.
func (t *Tx) UpsertEventStats(ctx context.Context, st *entities.EventStats) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_stats (event_id, replies, reposts, likes, zaps, sats_zapped, score, score24h)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			replies = excluded.replies,
			reposts = excluded.reposts,
			likes = excluded.likes,
			zaps = excluded.zaps,
			sats_zapped = excluded.sats_zapped,
			score = excluded.score,
			score24h = excluded.score24h`,
		st.EventID, st.Replies, st.Reposts, st.Likes, st.Zaps, st.SatsZapped, st.Score, st.Score24h)
	if err != nil {
		return fmt.Errorf("failed to upsert event stats %s: %w", st.EventID, err)
	}
	return nil
}

// UpsertEventUserStats replaces the per-viewer interaction flags.
func (t *Tx) UpsertEventUserStats(ctx context.Context, st *entities.EventUserStats) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_user_stats (event_id, viewer_id, liked, replied, reposted, zapped)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, viewer_id) DO UPDATE SET
			liked = excluded.liked,
			replied = excluded.replied,
			reposted = excluded.reposted,
			zapped = excluded.zapped`,
		st.EventID, st.ViewerID, st.Liked, st.Replied, st.Reposted, st.Zapped)
	if err != nil {
		return fmt.Errorf("failed to upsert event user stats %s/%s: %w", st.EventID, st.ViewerID, err)
	}
	return nil
}

// ReplaceMutedUsers swaps an owner's whole suppression list.
func (t *Tx) ReplaceMutedUsers(ctx context.Context, ownerID string, mutedPubkeys []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM muted_users WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("failed to clear mute list for %s: %w", ownerID, err)
	}
	for _, pk := range mutedPubkeys {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO muted_users (owner_id, muted_pubkey) VALUES (?, ?)`,
			ownerID, pk); err != nil {
			return fmt.Errorf("failed to insert mute for %s: %w", ownerID, err)
		}
	}
	return nil
}

// ClearFeed removes all membership rows for one feed. Events stay.
func (t *Tx) ClearFeed(ctx context.Context, ownerID, feedSpec string) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM feed_items WHERE owner_id = ? AND feed_spec = ?`,
		ownerID, feedSpec); err != nil {
		return fmt.Errorf("failed to clear feed %s: %w", feedSpec, err)
	}
	t.markTouched(ownerID, feedSpec)
	return nil
}

// AppendFeedItems extends the feed at the back, in the given order.
// Duplicate memberships are ignored, which is what makes page replays safe.
func (t *Tx) AppendFeedItems(ctx context.Context, ownerID, feedSpec string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	var next int64
	if err := t.tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(position), -1) + 1 FROM feed_items
		WHERE owner_id = ? AND feed_spec = ?`, ownerID, feedSpec); err != nil {
		return fmt.Errorf("failed to resolve feed tail: %w", err)
	}

	for _, id := range eventIDs {
		res, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO feed_items (owner_id, feed_spec, event_id, position)
			VALUES (?, ?, ?, ?)`, ownerID, feedSpec, id, next)
		if err != nil {
			return fmt.Errorf("failed to append feed item %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}

	t.markTouched(ownerID, feedSpec)
	return nil
}

// PrependFeedItems extends the feed at the front. eventIDs are given
// newest-first, so they are assigned descending positions below the
// current minimum, preserving server-declared order.
func (t *Tx) PrependFeedItems(ctx context.Context, ownerID, feedSpec string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	var prev int64
	if err := t.tx.GetContext(ctx, &prev, `
		SELECT COALESCE(MIN(position), 1) - 1 FROM feed_items
		WHERE owner_id = ? AND feed_spec = ?`, ownerID, feedSpec); err != nil {
		return fmt.Errorf("failed to resolve feed head: %w", err)
	}

	// Insert in reverse so the first (newest) id ends up frontmost.
	pos := prev
	for i := len(eventIDs) - 1; i >= 0; i-- {
		res, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO feed_items (owner_id, feed_spec, event_id, position)
			VALUES (?, ?, ?, ?)`, ownerID, feedSpec, eventIDs[i], pos)
		if err != nil {
			return fmt.Errorf("failed to prepend feed item %s: %w", eventIDs[i], err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			pos--
		}
	}

	t.markTouched(ownerID, feedSpec)
	return nil
}

// SaveRemoteKey writes the pagination bookkeeping for one feed.
func (t *Tx) SaveRemoteKey(ctx context.Context, rk *entities.RemoteKey) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO remote_keys (owner_id, feed_spec, oldest_at, oldest_id, newest_at, newest_id, last_request)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, feed_spec) DO UPDATE SET
			oldest_at = excluded.oldest_at,
			oldest_id = excluded.oldest_id,
			newest_at = excluded.newest_at,
			newest_id = excluded.newest_id,
			last_request = excluded.last_request`,
		rk.OwnerID, rk.FeedSpec, rk.OldestAt, rk.OldestID, rk.NewestAt, rk.NewestID, rk.LastRequest)
	if err != nil {
		return fmt.Errorf("failed to save remote key %s: %w", rk.FeedSpec, err)
	}
	t.markTouched(rk.OwnerID, rk.FeedSpec)
	return nil
}

// DeleteRemoteKey drops the bookkeeping row for one feed.
func (t *Tx) DeleteRemoteKey(ctx context.Context, ownerID, feedSpec string) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM remote_keys WHERE owner_id = ? AND feed_spec = ?`,
		ownerID, feedSpec); err != nil {
		return fmt.Errorf("failed to delete remote key %s: %w", feedSpec, err)
	}
	return nil
}

// SetLastSeen records the notification read mark for an owner.
func (t *Tx) SetLastSeen(ctx context.Context, ownerID string, seenAt int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications_seen (owner_id, seen_at) VALUES (?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET seen_at = excluded.seen_at`,
		ownerID, seenAt)
	if err != nil {
		return fmt.Errorf("failed to set last seen for %s: %w", ownerID, err)
	}
	return nil
}
