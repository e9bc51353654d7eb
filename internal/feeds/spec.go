// Package feeds implements the sync mediators: the incremental-load
// contract between cached feed state and the remote caching server.
package feeds

// Order selects how a feed paginates. Time-ordered feeds page by the
// created-at boundary of the oldest/newest cached item; server-ranked
// feeds page by offset, because rank scores are not derivable from
// locally-cached fields.
type Order int

const (
	OrderChronoDesc Order = iota
	OrderChronoAsc
	OrderServerRank
)

// Spec identifies one feed: the cache key under which its membership and
// cursors live, the server verb that fetches it, and its base options.
// Two mediators with the same Key and owner share cursors; everything
// else about them is independent.
type Spec struct {
	Key     string
	Verb    string
	Options map[string]any
	Order   Order
}

func copyOptions(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	return out
}

// LatestFeed is the chronological home feed of the accounts the owner
// follows.
func LatestFeed(pubkey string) Spec {
	return Spec{
		Key:     "latest;" + pubkey,
		Verb:    "feed",
		Options: map[string]any{"pubkey": pubkey},
		Order:   OrderChronoDesc,
	}
}

// TrendingFeed is a server-ranked global feed. Order is whatever the
// server scored, preserved via fetch-order positions.
func TrendingFeed(pubkey string) Spec {
	return Spec{
		Key:     "global;trending",
		Verb:    "explore",
		Options: map[string]any{"timeframe": "trending", "scope": "global", "user_pubkey": pubkey},
		Order:   OrderServerRank,
	}
}

// MostZappedFeed is a server-ranked feed ordered by zapped sats.
func MostZappedFeed(pubkey string) Spec {
	return Spec{
		Key:     "global;mostzapped",
		Verb:    "explore",
		Options: map[string]any{"timeframe": "mostzapped", "scope": "global", "user_pubkey": pubkey},
		Order:   OrderServerRank,
	}
}

// AuthoredFeed is one author's own notes, newest first.
func AuthoredFeed(pubkey string) Spec {
	return Spec{
		Key:     "authored;" + pubkey,
		Verb:    "feed",
		Options: map[string]any{"pubkey": pubkey, "notes": "authored"},
		Order:   OrderChronoDesc,
	}
}

// ThreadFeed is the reply tree under one note, oldest first.
func ThreadFeed(eventID string) Spec {
	return Spec{
		Key:     "thread;" + eventID,
		Verb:    "thread_view",
		Options: map[string]any{"event_id": eventID},
		Order:   OrderChronoAsc,
	}
}

// NotificationsFeed is the owner's mention/reaction stream.
func NotificationsFeed(pubkey string) Spec {
	return Spec{
		Key:     "notifications;" + pubkey,
		Verb:    "get_notifications",
		Options: map[string]any{"pubkey": pubkey},
		Order:   OrderChronoDesc,
	}
}

// ConversationFeed is the message history between the owner and one peer,
// oldest first.
func ConversationFeed(pubkey, peer string) Spec {
	return Spec{
		Key:     "conversation;" + pubkey + ";" + peer,
		Verb:    "get_directmsgs",
		Options: map[string]any{"receiver": pubkey, "sender": peer},
		Order:   OrderChronoAsc,
	}
}
