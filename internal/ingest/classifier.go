// Package ingest routes decoded events into the cache. The Classifier is
// the seam between "things a relay sent us" and "rows in the database": a
// closed table from kind to persister, with unknown kinds counted and
// dropped. All persisters for one batch run against one cache transaction,
// so a batch lands fully or not at all.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/cache"
	"github.com/sandwichfarm/strfeed/internal/entities"
	"github.com/sandwichfarm/strfeed/internal/ops"
)

// Result reports what happened to one batch.
type Result struct {
	Persisted int
	Unknown   int
	Invalid   int
}

type persister func(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error

// Classifier dispatches events by kind. Standard kinds and server-computed
// aggregate kinds live in separate tables; aggregate kinds are authored by
// the caching server and carry no verifiable signature, so verification
// only ever applies to the standard table.
type Classifier struct {
	viewerID  string
	verify    bool
	log       *ops.Logger
	standard  map[int]persister
	aggregate map[int]persister
}

// NewClassifier builds a classifier scoped to one viewing account. The
// viewer identity keys per-viewer stats and mute-list ownership.
func NewClassifier(viewerID string, verifySignatures bool, logger *ops.Logger) *Classifier {
	if logger == nil {
		logger = ops.Default()
	}
	c := &Classifier{
		viewerID: viewerID,
		verify:   verifySignatures,
		log:      logger.WithComponent("ingest"),
	}
	c.standard = map[int]persister{
		entities.KindMetadata:   c.persistProfile,
		entities.KindTextNote:   c.persistPost,
		entities.KindContacts:   c.persistBare,
		entities.KindDirectMsg:  c.persistBare,
		entities.KindRepost:     c.persistRepost,
		entities.KindReaction:   c.persistBare,
		entities.KindZapReceipt: c.persistZapReceipt,
		entities.KindMuteList:   c.persistMuteList,
	}
	c.aggregate = map[int]persister{
		entities.KindEventStats:     c.persistEventStats,
		entities.KindEventUserStats: c.persistEventUserStats,
	}
	return c
}

// Run classifies and persists one batch against the given transaction.
// Unknown kinds and signature failures are counted, never errors; a
// persister error aborts the batch so the caller's transaction rolls back.
func (c *Classifier) Run(ctx context.Context, tx *cache.Tx, events []*nostr.Event) (*Result, error) {
	res := &Result{}

	for _, evt := range events {
		var p persister
		var ok bool
		if entities.IsAggregateKind(evt.Kind) {
			p, ok = c.aggregate[evt.Kind]
		} else {
			p, ok = c.standard[evt.Kind]
			if ok && c.verify {
				if valid, err := evt.CheckSignature(); err != nil || !valid {
					c.log.Debug("dropping event with invalid signature",
						"event_id", evt.ID, "kind", evt.Kind)
					res.Invalid++
					continue
				}
			}
		}
		if !ok {
			res.Unknown++
			continue
		}
		if err := p(ctx, tx, evt); err != nil {
			return nil, fmt.Errorf("failed to persist kind %d event %s: %w", evt.Kind, evt.ID, err)
		}
		res.Persisted++
	}

	if res.Unknown > 0 || res.Invalid > 0 {
		c.log.Debug("batch classified",
			"persisted", res.Persisted, "unknown", res.Unknown, "invalid", res.Invalid)
	}
	return res, nil
}

// persistBare stores the raw event with no projection. Contact lists and
// reactions are kept for reference but have no normalized table.
func (c *Classifier) persistBare(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	return tx.UpsertEvent(ctx, evt)
}

func (c *Classifier) persistPost(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	if err := tx.UpsertEvent(ctx, evt); err != nil {
		return err
	}
	return tx.UpsertPost(ctx, &entities.Post{
		EventID:   evt.ID,
		AuthorID:  evt.PubKey,
		CreatedAt: int64(evt.CreatedAt),
		Content:   evt.Content,
		ReplyToID: replyTarget(evt),
	})
}

// replyTarget resolves the replied-to event: the e-tag marked "reply"
// wins, otherwise the last e-tag. A root-only note is not a reply.
func replyTarget(evt *nostr.Event) string {
	var last string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		if len(tag) >= 4 && tag[3] == "reply" {
			return tag[1]
		}
		last = tag[1]
	}
	return last
}

// persistRepost stores the kind-6 wrapper and, when the content carries the
// embedded original event, the original as a regular post. The wrapper
// references the original by id either way.
func (c *Classifier) persistRepost(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	if err := tx.UpsertEvent(ctx, evt); err != nil {
		return err
	}

	postID := firstTagValue(evt, "e")

	if evt.Content != "" {
		var orig nostr.Event
		if err := json.Unmarshal([]byte(evt.Content), &orig); err == nil && orig.ID != "" {
			if err := c.persistPost(ctx, tx, &orig); err != nil {
				return err
			}
			postID = orig.ID
		}
	}

	if postID == "" {
		c.log.Debug("repost without target", "event_id", evt.ID)
		return nil
	}

	return tx.UpsertRepost(ctx, &entities.Repost{
		EventID:   evt.ID,
		AuthorID:  evt.PubKey,
		CreatedAt: int64(evt.CreatedAt),
		PostID:    postID,
	})
}

func (c *Classifier) persistProfile(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	if err := tx.UpsertEvent(ctx, evt); err != nil {
		return err
	}

	var p entities.Profile
	if err := json.Unmarshal([]byte(evt.Content), &p); err != nil {
		c.log.Debug("unparseable profile content", "pubkey", evt.PubKey)
		return nil
	}
	p.Pubkey = evt.PubKey
	p.CreatedAt = int64(evt.CreatedAt)
	return tx.UpsertProfile(ctx, &p)
}

// persistMuteList replaces the viewer's suppression list with the p-tags
// of the mute-list event. Only the viewer's own list is honored.
func (c *Classifier) persistMuteList(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	if err := tx.UpsertEvent(ctx, evt); err != nil {
		return err
	}
	if evt.PubKey != c.viewerID {
		return nil
	}

	var muted []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			muted = append(muted, tag[1])
		}
	}
	return tx.ReplaceMutedUsers(ctx, c.viewerID, muted)
}

func (c *Classifier) persistEventStats(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	var st entities.EventStats
	if err := json.Unmarshal([]byte(evt.Content), &st); err != nil {
		c.log.Debug("unparseable event stats", "event_id", evt.ID)
		return nil
	}
	if st.EventID == "" {
		return nil
	}
	return tx.UpsertEventStats(ctx, &st)
}

func (c *Classifier) persistEventUserStats(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	var st entities.EventUserStats
	if err := json.Unmarshal([]byte(evt.Content), &st); err != nil {
		c.log.Debug("unparseable event user stats", "event_id", evt.ID)
		return nil
	}
	if st.EventID == "" {
		return nil
	}
	st.ViewerID = c.viewerID
	return tx.UpsertEventUserStats(ctx, &st)
}

func firstTagValue(evt *nostr.Event, name string) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
