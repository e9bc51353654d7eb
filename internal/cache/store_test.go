package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/config"
	"github.com/sandwichfarm/strfeed/internal/entities"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := &config.Cache{
		Path:          filepath.Join(t.TempDir(), "cache.db"),
		BusyTimeoutMs: 1000,
	}

	s, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id, pubkey string, createdAt int64, kind int, content string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   content,
	}
}

func insertPost(t *testing.T, s *Store, owner, spec, id, author string, createdAt int64) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *Tx) error {
		ctx := context.Background()
		if err := tx.UpsertEvent(ctx, testEvent(id, author, createdAt, 1, "note "+id)); err != nil {
			return err
		}
		if err := tx.UpsertPost(ctx, &entities.Post{
			EventID: id, AuthorID: author, CreatedAt: createdAt, Content: "note " + id,
		}); err != nil {
			return err
		}
		return tx.AppendFeedItems(ctx, owner, spec, []string{id})
	})
	if err != nil {
		t.Fatalf("failed to insert post %s: %v", id, err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}

func TestFeedOrderingPreserved(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Content timestamps deliberately out of order; feed position wins.
	insertPost(t, s, "alice", "latest", "ev1", "bob", 300)
	insertPost(t, s, "alice", "latest", "ev2", "carol", 500)
	insertPost(t, s, "alice", "latest", "ev3", "bob", 100)

	rows, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to load feed page: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, want := range []string{"ev1", "ev2", "ev3"} {
		if rows[i].EventID != want {
			t.Errorf("row %d: expected %s, got %s", i, want, rows[i].EventID)
		}
	}
}

func TestFeedMembershipUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	insertPost(t, s, "alice", "latest", "ev1", "bob", 100)
	// Replaying the same page must not duplicate the membership row.
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.AppendFeedItems(ctx, "alice", "latest", []string{"ev1"})
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	n, err := s.FeedSize(ctx, "alice", "latest")
	if err != nil {
		t.Fatalf("failed to count feed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 membership row, got %d", n)
	}
}

func TestPrependAssignsFrontPositions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	insertPost(t, s, "alice", "latest", "old1", "bob", 100)
	insertPost(t, s, "alice", "latest", "old2", "bob", 90)

	for _, id := range []string{"new1", "new2"} {
		err := s.InTx(ctx, func(tx *Tx) error {
			return tx.UpsertEvent(ctx, testEvent(id, "carol", 200, 1, ""))
		})
		if err != nil {
			t.Fatalf("failed to store %s: %v", id, err)
		}
	}

	// new1 is newest and must end up frontmost.
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.PrependFeedItems(ctx, "alice", "latest", []string{"new1", "new2"})
	})
	if err != nil {
		t.Fatalf("prepend failed: %v", err)
	}

	rows, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to load feed page: %v", err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.EventID)
	}
	want := []string{"new1", "new2", "old1", "old2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFeedPagePagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		insertPost(t, s, "alice", "latest", id, "bob", 100)
	}

	first, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 2)
	if err != nil {
		t.Fatalf("failed to load first page: %v", err)
	}
	if len(first) != 2 || first[0].EventID != "a" || first[1].EventID != "b" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	second, err := s.FeedPage(ctx, "alice", "latest", first[1].Position, 2)
	if err != nil {
		t.Fatalf("failed to load second page: %v", err)
	}
	if len(second) != 2 || second[0].EventID != "c" || second[1].EventID != "d" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestRepostRowCarriesOriginalContent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertEvent(ctx, testEvent("orig", "bob", 100, 1, "hello")); err != nil {
			return err
		}
		if err := tx.UpsertPost(ctx, &entities.Post{
			EventID: "orig", AuthorID: "bob", CreatedAt: 100, Content: "hello",
		}); err != nil {
			return err
		}
		if err := tx.UpsertEvent(ctx, testEvent("rp", "carol", 200, 6, "")); err != nil {
			return err
		}
		if err := tx.UpsertRepost(ctx, &entities.Repost{
			EventID: "rp", AuthorID: "carol", CreatedAt: 200, PostID: "orig",
		}); err != nil {
			return err
		}
		if err := tx.UpsertEventStats(ctx, &entities.EventStats{EventID: "orig", Likes: 7}); err != nil {
			return err
		}
		return tx.AppendFeedItems(ctx, "alice", "latest", []string{"rp"})
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	rows, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to load feed page: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.Content != "hello" || r.AuthorID != "bob" || r.RepostedBy != "carol" {
		t.Errorf("unexpected repost row: %+v", r)
	}
	if r.Likes != 7 {
		t.Errorf("expected stats of the original post, got likes=%d", r.Likes)
	}
}

func TestMutedAuthorsFilteredAtQueryTime(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	insertPost(t, s, "alice", "latest", "ev1", "bob", 100)
	insertPost(t, s, "alice", "latest", "ev2", "mallory", 200)

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.ReplaceMutedUsers(ctx, "alice", []string{"mallory"})
	})
	if err != nil {
		t.Fatalf("failed to mute: %v", err)
	}

	rows, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to load feed page: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "ev1" {
		t.Fatalf("expected only ev1, got %+v", rows)
	}

	// Unmuting restores the row without any re-sync.
	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.ReplaceMutedUsers(ctx, "alice", nil)
	})
	if err != nil {
		t.Fatalf("failed to unmute: %v", err)
	}
	rows, err = s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to reload feed page: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after unmute, got %d", len(rows))
	}
}

func TestProfileLatestWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	newer := &entities.Profile{Pubkey: "bob", Name: "newer", CreatedAt: 200}
	older := &entities.Profile{Pubkey: "bob", Name: "older", CreatedAt: 100}

	for _, p := range []*entities.Profile{newer, older} {
		err := s.InTx(ctx, func(tx *Tx) error { return tx.UpsertProfile(ctx, p) })
		if err != nil {
			t.Fatalf("failed to upsert profile: %v", err)
		}
	}

	got, err := s.Profile(ctx, "bob")
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if got.Name != "newer" {
		t.Errorf("expected newer profile to win, got %q", got.Name)
	}
}

func TestEventStatsReplacedNotAccumulated(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.InTx(ctx, func(tx *Tx) error {
			return tx.UpsertEventStats(ctx, &entities.EventStats{EventID: "ev1", Likes: 5})
		})
		if err != nil {
			t.Fatalf("failed to upsert stats: %v", err)
		}
	}

	st, err := s.EventStats(ctx, "ev1")
	if err != nil {
		t.Fatalf("failed to load stats: %v", err)
	}
	if st.Likes != 5 {
		t.Errorf("expected likes=5 after replays, got %d", st.Likes)
	}
}

func TestRemoteKeyRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.RemoteKey(ctx, "alice", "latest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	rk := &entities.RemoteKey{
		OwnerID: "alice", FeedSpec: "latest",
		OldestAt: 100, OldestID: "old", NewestAt: 200, NewestID: "new",
		LastRequest: `{"limit":20}`,
	}
	err := s.InTx(ctx, func(tx *Tx) error { return tx.SaveRemoteKey(ctx, rk) })
	if err != nil {
		t.Fatalf("failed to save remote key: %v", err)
	}

	got, err := s.RemoteKey(ctx, "alice", "latest")
	if err != nil {
		t.Fatalf("failed to load remote key: %v", err)
	}
	if got.OldestAt != 100 || got.NewestID != "new" || got.LastRequest != `{"limit":20}` {
		t.Errorf("unexpected remote key: %+v", got)
	}
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertEvent(ctx, testEvent("ev1", "bob", 100, 1, "")); err != nil {
			return err
		}
		if err := tx.AppendFeedItems(ctx, "alice", "latest", []string{"ev1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	n, err := s.FeedSize(ctx, "alice", "latest")
	if err != nil {
		t.Fatalf("failed to count feed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty feed after rollback, got %d rows", n)
	}
}

func TestRemoveFromFeed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	insertPost(t, s, "alice", "latest", "ev1", "bob", 100)
	insertPost(t, s, "alice", "latest", "ev2", "bob", 200)

	if err := s.RemoveFromFeed(ctx, "alice", "latest", "ev1"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	rows, err := s.FeedPage(ctx, "alice", "latest", FeedStart, 10)
	if err != nil {
		t.Fatalf("failed to load feed page: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "ev2" {
		t.Fatalf("expected only ev2, got %+v", rows)
	}

	// The post itself survives; only the membership row is gone.
	if _, err := s.Post(ctx, "ev1"); err != nil {
		t.Fatalf("expected post to survive removal: %v", err)
	}
}

func TestRemoveFromFeedRecomputesBoundary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	insertPost(t, s, "alice", "latest", "ev1", "bob", 100)
	insertPost(t, s, "alice", "latest", "ev2", "bob", 200)

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.SaveRemoteKey(ctx, &entities.RemoteKey{
			OwnerID: "alice", FeedSpec: "latest",
			OldestAt: 100, OldestID: "ev1",
			NewestAt: 200, NewestID: "ev2",
			LastRequest: "append:{}",
		})
	})
	if err != nil {
		t.Fatalf("failed to save remote key: %v", err)
	}

	// Removing the oldest boundary item must move the cursor to the
	// remaining extreme and invalidate the request identity.
	if err := s.RemoveFromFeed(ctx, "alice", "latest", "ev1"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	rk, err := s.RemoteKey(ctx, "alice", "latest")
	if err != nil {
		t.Fatalf("failed to load remote key: %v", err)
	}
	if rk.OldestAt != 200 || rk.OldestID != "ev2" {
		t.Errorf("expected recomputed oldest boundary, got %+v", rk)
	}
	if rk.LastRequest != "" {
		t.Errorf("expected cleared last request, got %q", rk.LastRequest)
	}

	// Removing the last item drops the bookkeeping row entirely.
	if err := s.RemoveFromFeed(ctx, "alice", "latest", "ev2"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if _, err := s.RemoteKey(ctx, "alice", "latest"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected remote key deleted for empty feed, got %v", err)
	}
}

func TestLastSeenRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	at, err := s.LastSeen(ctx, "alice")
	if err != nil || at != 0 {
		t.Fatalf("expected zero last seen, got %d, %v", at, err)
	}

	err = s.InTx(ctx, func(tx *Tx) error { return tx.SetLastSeen(ctx, "alice", 12345) })
	if err != nil {
		t.Fatalf("failed to set last seen: %v", err)
	}

	at, err = s.LastSeen(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to load last seen: %v", err)
	}
	if at != 12345 {
		t.Errorf("expected 12345, got %d", at)
	}
}

func TestObserveFiresAfterCommit(t *testing.T) {
	s := setupTestStore(t)

	ch, cancel := s.Observe("alice", "latest")
	defer cancel()

	insertPost(t, s, "alice", "latest", "ev1", "bob", 100)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after commit")
	}
}
