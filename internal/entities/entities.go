package entities

// Post is the normalized projection of a kind-1 text note.
type Post struct {
	EventID   string `db:"event_id"`
	AuthorID  string `db:"author_id"`
	CreatedAt int64  `db:"created_at"`
	Content   string `db:"content"`
	ReplyToID string `db:"reply_to_id"`
}

// Repost is the normalized projection of a kind-6 repost. It references the
// original post by ID and carries its own identity, author and timestamp.
type Repost struct {
	EventID   string `db:"event_id"`
	AuthorID  string `db:"author_id"`
	CreatedAt int64  `db:"created_at"`
	PostID    string `db:"post_id"`
}

// Profile is the latest-wins projection of an author's kind-0 metadata,
// ordered by declared creation time.
type Profile struct {
	Pubkey      string `db:"pubkey" json:"-"`
	Name        string `db:"name" json:"name"`
	DisplayName string `db:"display_name" json:"display_name"`
	About       string `db:"about" json:"about"`
	Picture     string `db:"picture" json:"picture"`
	Nip05       string `db:"nip05" json:"nip05"`
	Lud16       string `db:"lud16" json:"lud16"`
	CreatedAt   int64  `db:"created_at" json:"-"`
}

// EventStats holds server-supplied aggregate counters for one event,
// independent of any viewer.
type EventStats struct {
	EventID    string  `db:"event_id" json:"event_id"`
	Replies    int64   `db:"replies" json:"replies"`
	Reposts    int64   `db:"reposts" json:"reposts"`
	Likes      int64   `db:"likes" json:"likes"`
	Zaps       int64   `db:"zaps" json:"zaps"`
	SatsZapped int64   `db:"sats_zapped" json:"satszapped"`
	Score      float64 `db:"score" json:"score"`
	Score24h   float64 `db:"score24h" json:"score24h"`
}

// EventUserStats holds per-viewer interaction flags for one event. The
// primary key is the (event, viewer) pair.
type EventUserStats struct {
	EventID  string `db:"event_id" json:"event_id"`
	ViewerID string `db:"viewer_id" json:"-"`
	Liked    bool   `db:"liked" json:"liked"`
	Replied  bool   `db:"replied" json:"replied"`
	Reposted bool   `db:"reposted" json:"reposted"`
	Zapped   bool   `db:"zapped" json:"zapped"`
}

// FeedItem binds an event to a named feed spec and an owning account with a
// monotonic position. (owner, feed spec, event) is unique, which is what
// makes a feed a view over shared event storage rather than a copy.
type FeedItem struct {
	OwnerID  string `db:"owner_id"`
	FeedSpec string `db:"feed_spec"`
	EventID  string `db:"event_id"`
	Position int64  `db:"position"`
}

// RemoteKey is the per (owner, feed spec) pagination bookkeeping: the
// timestamp/identifier boundary of the oldest and newest fetched item and
// the last request issued.
type RemoteKey struct {
	OwnerID     string `db:"owner_id"`
	FeedSpec    string `db:"feed_spec"`
	OldestAt    int64  `db:"oldest_at"`
	OldestID    string `db:"oldest_id"`
	NewestAt    int64  `db:"newest_at"`
	NewestID    string `db:"newest_id"`
	LastRequest string `db:"last_request"`
}

// MutedUser is one row of an owner's suppression list. Muted authors are
// excluded from feed queries, never deleted from storage.
type MutedUser struct {
	OwnerID     string `db:"owner_id"`
	MutedPubkey string `db:"muted_pubkey"`
}
