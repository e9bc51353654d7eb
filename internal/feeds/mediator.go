package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/cache"
	"github.com/sandwichfarm/strfeed/internal/entities"
	"github.com/sandwichfarm/strfeed/internal/ingest"
	"github.com/sandwichfarm/strfeed/internal/ops"
	"github.com/sandwichfarm/strfeed/internal/relay"
)

// Direction is the shape of one load request, modeled explicitly rather
// than inferred from UI gestures.
type Direction int

const (
	// Refresh replaces the front of the feed; first load and pull-to-refresh.
	Refresh Direction = iota
	// Prepend fetches items newer than the newest known boundary.
	Prepend
	// Append fetches items older than the oldest known boundary.
	Append
)

func (d Direction) String() string {
	switch d {
	case Refresh:
		return "refresh"
	case Prepend:
		return "prepend"
	case Append:
		return "append"
	}
	return "unknown"
}

// ErrRemoteKeyNotFound means the feed has cached items but no cursor row.
// That is a bookkeeping bug, not a transient condition, so it is not
// retryable.
var ErrRemoteKeyNotFound = errors.New("remote key not found for non-empty feed")

// LoadResult reports one completed load.
type LoadResult struct {
	Fetched    int
	NoMoreData bool
}

// Querier is the slice of the relay layer a mediator needs.
type Querier interface {
	Query(ctx context.Context, req relay.Request) ([]*nostr.Event, error)
}

// Mediator drives incremental synchronization for one (owner, feed spec)
// pair. All cache writes for a load happen in one transaction after the
// remote request fully completes; a failed or cancelled load writes
// nothing.
type Mediator struct {
	ownerID    string
	spec       Spec
	store      *cache.Store
	relays     Querier
	classifier *ingest.Classifier
	pageSize   int
	log        *ops.Logger

	mu sync.Mutex
	// In-memory probe, the fallback boundary when the cursor row is
	// missing but this process already loaded something.
	memOldest int64
	memNewest int64
}

// NewMediator builds a mediator. pageSize bounds every remote request.
func NewMediator(ownerID string, spec Spec, store *cache.Store, relays Querier, classifier *ingest.Classifier, pageSize int, logger *ops.Logger) *Mediator {
	if logger == nil {
		logger = ops.Default()
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Mediator{
		ownerID:    ownerID,
		spec:       spec,
		store:      store,
		relays:     relays,
		classifier: classifier,
		pageSize:   pageSize,
		log:        logger.WithComponent("feeds").WithFields("feed", spec.Key),
	}
}

// Load runs one synchronization pass in the given direction. An absent
// boundary and a suppressed duplicate request both complete with
// NoMoreData rather than erroring; network failures return retryable
// errors with the cache untouched. One load runs at a time per mediator.
func (m *Mediator) Load(ctx context.Context, dir Direction) (*LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk, err := m.store.RemoteKey(ctx, m.ownerID, m.spec.Key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	body, reqKey, ok, err := m.buildRequest(ctx, dir, rk)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.log.LogFeedLoad(m.spec.Key, dir.String(), 0, true, nil)
		return &LoadResult{NoMoreData: true}, nil
	}

	// A request identical to the last one issued would return the same
	// page again; short-circuit instead of hammering the relay.
	if dir != Refresh && rk != nil && rk.LastRequest == reqKey {
		m.log.LogFeedLoad(m.spec.Key, dir.String(), 0, true, nil)
		return &LoadResult{NoMoreData: true}, nil
	}

	events, err := m.relays.Query(ctx, relay.Request{Verb: m.spec.Verb, Payload: body})
	if err != nil {
		m.log.LogFeedLoad(m.spec.Key, dir.String(), 0, false, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, bounds := membership(events)

	err = m.store.InTx(ctx, func(tx *cache.Tx) error {
		if _, err := m.classifier.Run(ctx, tx, events); err != nil {
			return err
		}
		if err := m.applyMembership(ctx, tx, dir, ids); err != nil {
			return err
		}
		return m.advanceCursor(ctx, tx, dir, rk, reqKey, bounds)
	})
	if err != nil {
		m.log.LogFeedLoad(m.spec.Key, dir.String(), 0, false, err)
		return nil, err
	}

	if dir == Refresh {
		// The feed was replaced; boundaries from the discarded items
		// must not survive.
		m.memOldest, m.memNewest = bounds.oldestAt, bounds.newestAt
	} else {
		if bounds.oldestAt > 0 && (m.memOldest == 0 || bounds.oldestAt < m.memOldest) {
			m.memOldest = bounds.oldestAt
		}
		if bounds.newestAt > m.memNewest {
			m.memNewest = bounds.newestAt
		}
	}

	m.log.LogFeedLoad(m.spec.Key, dir.String(), len(ids), len(ids) == 0, nil)
	return &LoadResult{Fetched: len(ids), NoMoreData: len(ids) == 0}, nil
}

// buildRequest resolves the boundary for the direction and produces the
// request body plus its identity key. ok=false means the boundary this
// direction needs does not exist, which is a clean "no more data".
func (m *Mediator) buildRequest(ctx context.Context, dir Direction, rk *entities.RemoteKey) (map[string]any, string, bool, error) {
	body := copyOptions(m.spec.Options)
	body["limit"] = m.pageSize

	switch {
	case dir == Refresh:
		// No boundary; replaces the front.

	case m.spec.Order == OrderServerRank:
		if dir == Prepend {
			// Rank feeds have no "newer than" notion; refresh instead.
			return nil, "", false, nil
		}
		size, err := m.store.FeedSize(ctx, m.ownerID, m.spec.Key)
		if err != nil {
			return nil, "", false, err
		}
		if size == 0 {
			return nil, "", false, nil
		}
		body["offset"] = size

	default:
		boundary, err := m.resolveBoundary(ctx, dir, rk)
		if err != nil {
			return nil, "", false, err
		}
		if boundary == 0 {
			return nil, "", false, nil
		}
		if dir == Append {
			body["until"] = boundary
		} else {
			body["since"] = boundary
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to encode request body: %w", err)
	}
	return body, dir.String() + ":" + string(encoded), true, nil
}

func (m *Mediator) resolveBoundary(ctx context.Context, dir Direction, rk *entities.RemoteKey) (int64, error) {
	var boundary int64
	if rk != nil {
		if dir == Append {
			boundary = rk.OldestAt
		} else {
			boundary = rk.NewestAt
		}
	}
	if boundary == 0 {
		if dir == Append {
			boundary = m.memOldest
		} else {
			boundary = m.memNewest
		}
	}
	if boundary == 0 {
		// No cursor anywhere. An empty feed just has nothing to page;
		// a non-empty one lost its bookkeeping.
		size, err := m.store.FeedSize(ctx, m.ownerID, m.spec.Key)
		if err != nil {
			return 0, err
		}
		if size > 0 {
			return 0, fmt.Errorf("%w: %s", ErrRemoteKeyNotFound, m.spec.Key)
		}
	}
	return boundary, nil
}

// applyMembership extends the cross-reference rows in server-declared
// order. For ascending feeds the front/back sense of Prepend and Append
// flips: newer items live at the back.
func (m *Mediator) applyMembership(ctx context.Context, tx *cache.Tx, dir Direction, ids []string) error {
	if dir == Refresh {
		if err := tx.ClearFeed(ctx, m.ownerID, m.spec.Key); err != nil {
			return err
		}
		return tx.AppendFeedItems(ctx, m.ownerID, m.spec.Key, ids)
	}

	front := dir == Prepend
	if m.spec.Order == OrderChronoAsc {
		front = !front
	}
	if front {
		return tx.PrependFeedItems(ctx, m.ownerID, m.spec.Key, ids)
	}
	return tx.AppendFeedItems(ctx, m.ownerID, m.spec.Key, ids)
}

// batchBounds are the timestamp/identifier extremes of one fetched page.
type batchBounds struct {
	oldestAt int64
	oldestID string
	newestAt int64
	newestID string
}

// advanceCursor persists the remote key after a committed page. A
// refresh replaced the feed's contents, so its cursor is rebuilt from
// the fetched page alone; merging with the prior row would keep a
// boundary pointing at items no longer in the feed.
func (m *Mediator) advanceCursor(ctx context.Context, tx *cache.Tx, dir Direction, rk *entities.RemoteKey, reqKey string, bounds batchBounds) error {
	next := entities.RemoteKey{OwnerID: m.ownerID, FeedSpec: m.spec.Key}
	if dir != Refresh && rk != nil {
		next = *rk
	}
	if bounds.oldestAt > 0 && (next.OldestAt == 0 || bounds.oldestAt < next.OldestAt) {
		next.OldestAt = bounds.oldestAt
		next.OldestID = bounds.oldestID
	}
	if bounds.newestAt > next.NewestAt {
		next.NewestAt = bounds.newestAt
		next.NewestID = bounds.newestID
	}
	next.LastRequest = reqKey
	return tx.SaveRemoteKey(ctx, &next)
}

// membership extracts, in server order, the event ids that belong in the
// feed (notes, reposts and direct messages) along with the batch's
// timestamp extremes. Profiles, stats and other companion payloads ride
// along in the batch but never occupy feed positions.
func membership(events []*nostr.Event) ([]string, batchBounds) {
	var ids []string
	var b batchBounds
	for _, evt := range events {
		switch evt.Kind {
		case entities.KindTextNote, entities.KindRepost, entities.KindDirectMsg:
		default:
			continue
		}
		ids = append(ids, evt.ID)
		at := int64(evt.CreatedAt)
		if b.oldestAt == 0 || at < b.oldestAt {
			b.oldestAt = at
			b.oldestID = evt.ID
		}
		if at > b.newestAt {
			b.newestAt = at
			b.newestID = evt.ID
		}
	}
	return ids, b
}

// Page reads one page of the mediated feed from the cache.
func (m *Mediator) Page(ctx context.Context, afterPosition int64, limit int) ([]cache.FeedRow, error) {
	if limit <= 0 {
		limit = m.pageSize
	}
	return m.store.FeedPage(ctx, m.ownerID, m.spec.Key, afterPosition, limit)
}

// Observe subscribes to committed cache changes for this feed.
func (m *Mediator) Observe() (<-chan struct{}, func()) {
	return m.store.Observe(m.ownerID, m.spec.Key)
}

// Remove drops one item from this feed locally. The event stays cached.
func (m *Mediator) Remove(ctx context.Context, eventID string) error {
	return m.store.RemoveFromFeed(ctx, m.ownerID, m.spec.Key, eventID)
}

// MarkSeen records the notification read mark. Meaningful for
// notification feeds; harmless elsewhere.
func (m *Mediator) MarkSeen(ctx context.Context, at int64) error {
	return m.store.InTx(ctx, func(tx *cache.Tx) error {
		return tx.SetLastSeen(ctx, m.ownerID, at)
	})
}

// LastSeen returns the notification read mark, zero when never set.
func (m *Mediator) LastSeen(ctx context.Context) (int64, error) {
	return m.store.LastSeen(ctx, m.ownerID)
}
