package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sandwichfarm/strfeed/internal/entities"
)

// FeedRow is one rendered feed entry: the membership row joined with its
// post content (following the repost reference when the entry is a kind-6),
// aggregate counters and the owner's own interaction flags.
type FeedRow struct {
	EventID    string `db:"event_id"`
	Position   int64  `db:"position"`
	Kind       int    `db:"kind"`
	AuthorID   string `db:"author_id"`
	CreatedAt  int64  `db:"created_at"`
	Content    string `db:"content"`
	RepostedBy string `db:"reposted_by"`

	Replies    int64 `db:"replies"`
	Reposts    int64 `db:"reposts"`
	Likes      int64 `db:"likes"`
	Zaps       int64 `db:"zaps"`
	SatsZapped int64 `db:"sats_zapped"`

	Liked    bool `db:"liked"`
	Replied  bool `db:"replied"`
	Reposted bool `db:"reposted"`
	Zapped   bool `db:"zapped"`
}

const feedPageQuery = `
	SELECT
		fi.event_id,
		fi.position,
		e.kind,
		COALESCE(p.author_id, op.author_id, e.pubkey) AS author_id,
		COALESCE(p.created_at, op.created_at, e.created_at) AS created_at,
		COALESCE(p.content, op.content, '') AS content,
		COALESCE(rp.author_id, '') AS reposted_by,
		COALESCE(st.replies, 0) AS replies,
		COALESCE(st.reposts, 0) AS reposts,
		COALESCE(st.likes, 0) AS likes,
		COALESCE(st.zaps, 0) AS zaps,
		COALESCE(st.sats_zapped, 0) AS sats_zapped,
		COALESCE(us.liked, 0) AS liked,
		COALESCE(us.replied, 0) AS replied,
		COALESCE(us.reposted, 0) AS reposted,
		COALESCE(us.zapped, 0) AS zapped
	FROM feed_items fi
	JOIN events e ON e.id = fi.event_id
	LEFT JOIN posts p ON p.event_id = fi.event_id
	LEFT JOIN reposts rp ON rp.event_id = fi.event_id
	LEFT JOIN posts op ON op.event_id = rp.post_id
	LEFT JOIN event_stats st ON st.event_id = COALESCE(rp.post_id, fi.event_id)
	LEFT JOIN event_user_stats us ON us.event_id = COALESCE(rp.post_id, fi.event_id) AND us.viewer_id = fi.owner_id
	WHERE fi.owner_id = ? AND fi.feed_spec = ?
	  AND fi.position > ?
	  AND NOT EXISTS (
		SELECT 1 FROM muted_users mu
		WHERE mu.owner_id = fi.owner_id
		  AND mu.muted_pubkey IN (e.pubkey, COALESCE(op.author_id, e.pubkey))
	  )
	ORDER BY fi.position ASC
	LIMIT ?`

// FeedPage returns up to limit feed rows after the given position (use
// FeedStart for the first page). Rows by muted authors are filtered here,
// at query time; the underlying data is untouched, so unmuting restores them.
func (s *Store) FeedPage(ctx context.Context, ownerID, feedSpec string, afterPosition int64, limit int) ([]FeedRow, error) {
	var rows []FeedRow
	if err := s.db.SelectContext(ctx, &rows, feedPageQuery, ownerID, feedSpec, afterPosition, limit); err != nil {
		return nil, fmt.Errorf("failed to load feed page %s: %w", feedSpec, err)
	}
	return rows, nil
}

// FeedStart is the afterPosition value for the first page. Prepends assign
// negative positions, so the start sits below any assignable position.
const FeedStart = int64(-1) << 62

// FeedSize returns the number of membership rows (mutes included).
func (s *Store) FeedSize(ctx context.Context, ownerID, feedSpec string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM feed_items WHERE owner_id = ? AND feed_spec = ?`,
		ownerID, feedSpec); err != nil {
		return 0, fmt.Errorf("failed to count feed %s: %w", feedSpec, err)
	}
	return n, nil
}

// RemoteKey loads the pagination bookkeeping for one feed. Returns
// ErrNotFound when the feed has never been synchronized.
func (s *Store) RemoteKey(ctx context.Context, ownerID, feedSpec string) (*entities.RemoteKey, error) {
	var rk entities.RemoteKey
	err := s.db.GetContext(ctx, &rk, `
		SELECT owner_id, feed_spec, oldest_at, oldest_id, newest_at, newest_id, last_request
		FROM remote_keys WHERE owner_id = ? AND feed_spec = ?`,
		ownerID, feedSpec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load remote key %s: %w", feedSpec, err)
	}
	return &rk, nil
}

// Profile loads one author profile.
func (s *Store) Profile(ctx context.Context, pubkey string) (*entities.Profile, error) {
	var p entities.Profile
	err := s.db.GetContext(ctx, &p, `
		SELECT pubkey, name, display_name, about, picture, nip05, lud16, created_at
		FROM profiles WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", pubkey, err)
	}
	return &p, nil
}

// Post loads one post projection.
func (s *Store) Post(ctx context.Context, eventID string) (*entities.Post, error) {
	var p entities.Post
	err := s.db.GetContext(ctx, &p, `
		SELECT event_id, author_id, created_at, content, reply_to_id
		FROM posts WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post %s: %w", eventID, err)
	}
	return &p, nil
}

// EventStats loads aggregate counters for one event, zero-valued when the
// server never supplied any.
func (s *Store) EventStats(ctx context.Context, eventID string) (*entities.EventStats, error) {
	var st entities.EventStats
	err := s.db.GetContext(ctx, &st, `
		SELECT event_id, replies, reposts, likes, zaps, sats_zapped, score, score24h
		FROM event_stats WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return &entities.EventStats{EventID: eventID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event stats %s: %w", eventID, err)
	}
	return &st, nil
}

// MutedUsers returns the owner's suppression list.
func (s *Store) MutedUsers(ctx context.Context, ownerID string) ([]string, error) {
	var pks []string
	if err := s.db.SelectContext(ctx, &pks, `
		SELECT muted_pubkey FROM muted_users WHERE owner_id = ? ORDER BY muted_pubkey`,
		ownerID); err != nil {
		return nil, fmt.Errorf("failed to load mute list for %s: %w", ownerID, err)
	}
	return pks, nil
}

// IsMuted reports whether the owner suppresses the given author.
func (s *Store) IsMuted(ctx context.Context, ownerID, pubkey string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM muted_users WHERE owner_id = ? AND muted_pubkey = ?`,
		ownerID, pubkey); err != nil {
		return false, fmt.Errorf("failed to check mute: %w", err)
	}
	return n > 0, nil
}

// LastSeen returns the notification read mark, zero when never set.
func (s *Store) LastSeen(ctx context.Context, ownerID string) (int64, error) {
	var at int64
	err := s.db.GetContext(ctx, &at, `
		SELECT seen_at FROM notifications_seen WHERE owner_id = ?`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load last seen for %s: %w", ownerID, err)
	}
	return at, nil
}

// RemoveFromFeed deletes one membership row for a locally-initiated
// removal. The event itself stays cached. When the removed item was a
// cursor boundary, the bookkeeping is recomputed from the remaining
// members (and cleared when the feed is now empty).
func (s *Store) RemoveFromFeed(ctx context.Context, ownerID, feedSpec, eventID string) error {
	return s.InTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			DELETE FROM feed_items WHERE owner_id = ? AND feed_spec = ? AND event_id = ?`,
			ownerID, feedSpec, eventID)
		if err != nil {
			return fmt.Errorf("failed to remove %s from feed %s: %w", eventID, feedSpec, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		t.markTouched(ownerID, feedSpec)

		var rk entities.RemoteKey
		err = t.tx.GetContext(ctx, &rk, `
			SELECT owner_id, feed_spec, oldest_at, oldest_id, newest_at, newest_id, last_request
			FROM remote_keys WHERE owner_id = ? AND feed_spec = ?`,
			ownerID, feedSpec)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load remote key %s: %w", feedSpec, err)
		}
		if rk.OldestID != eventID && rk.NewestID != eventID {
			return nil
		}

		var n int
		if err := t.tx.GetContext(ctx, &n, `
			SELECT COUNT(*) FROM feed_items WHERE owner_id = ? AND feed_spec = ?`,
			ownerID, feedSpec); err != nil {
			return fmt.Errorf("failed to count feed %s: %w", feedSpec, err)
		}
		if n == 0 {
			return t.DeleteRemoteKey(ctx, ownerID, feedSpec)
		}

		var bounds struct {
			OldestAt int64  `db:"oldest_at"`
			OldestID string `db:"oldest_id"`
			NewestAt int64  `db:"newest_at"`
			NewestID string `db:"newest_id"`
		}
		if err := t.tx.GetContext(ctx, &bounds, `
			WITH members AS (
				SELECT e.id, e.created_at
				FROM feed_items fi JOIN events e ON e.id = fi.event_id
				WHERE fi.owner_id = ? AND fi.feed_spec = ?
			)
			SELECT
				(SELECT created_at FROM members ORDER BY created_at ASC LIMIT 1) AS oldest_at,
				(SELECT id FROM members ORDER BY created_at ASC LIMIT 1) AS oldest_id,
				(SELECT created_at FROM members ORDER BY created_at DESC LIMIT 1) AS newest_at,
				(SELECT id FROM members ORDER BY created_at DESC LIMIT 1) AS newest_id`,
			ownerID, feedSpec); err != nil {
			return fmt.Errorf("failed to recompute bounds for %s: %w", feedSpec, err)
		}

		rk.OldestAt, rk.OldestID = bounds.OldestAt, bounds.OldestID
		rk.NewestAt, rk.NewestID = bounds.NewestAt, bounds.NewestID
		// The old request identity referenced the removed boundary.
		rk.LastRequest = ""
		return t.SaveRemoteKey(ctx, &rk)
	})
}
