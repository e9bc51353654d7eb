package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func testOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   2 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

func connectTestClient(t *testing.T, fr *fakeRelay, opts Options) *Client {
	t.Helper()
	client, err := Connect(context.Background(), fr.URL(), opts)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestQueryAccumulatesUntilEOSE(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label != "REQ" {
			return
		}
		subID := frame.Args[0].Str
		fc.Reply(eventFrame(subID, "e1", 300))
		fc.Reply(eventFrame(subID, "e2", 200))
		fc.Reply(eventFrame(subID, "e3", 100))
		fc.Reply(`["EOSE","` + subID + `"]`)
	})

	client := connectTestClient(t, fr, testOptions())

	events, err := client.Query(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if events[i].ID != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].ID)
		}
	}
}

func TestQueryTimeout(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		// Never send EOSE.
	})

	opts := testOptions()
	opts.QueryTimeout = 200 * time.Millisecond
	client := connectTestClient(t, fr, opts)

	_, err := client.Query(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestQueryConnectionLost(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label == "REQ" {
			fc.Reply(eventFrame(frame.Args[0].Str, "e1", 100))
			fc.Drop()
		}
	})

	client := connectTestClient(t, fr, testOptions())

	_, err := client.Query(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestSubscribeStreamsPastEOSE(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label != "REQ" {
			return
		}
		subID := frame.Args[0].Str
		fc.Reply(eventFrame(subID, "stored-1", 100))
		fc.Reply(`["EOSE","` + subID + `"]`)
		fc.Reply(eventFrame(subID, "live-1", 200))
	})

	client := connectTestClient(t, fr, testOptions())

	sub, err := client.Subscribe(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	deadline := time.After(2 * time.Second)

	var got []string
	eoseSeen := false
	eoseCh := sub.EndOfStored
	for len(got) < 2 {
		select {
		case evt := <-sub.Events:
			got = append(got, evt.ID)
		case <-eoseCh:
			eoseSeen = true
			// EOSE is a marker, not a terminator; keep reading.
			eoseCh = nil
		case <-deadline:
			t.Fatalf("timed out; got %v", got)
		}
	}

	if !eoseSeen {
		t.Error("expected EndOfStored marker")
	}
	if got[0] != "stored-1" || got[1] != "live-1" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	fr := newFakeRelay(t, nil)
	client := connectTestClient(t, fr, testOptions())

	sub, err := client.Subscribe(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sub.Close()
	sub.Close()
	sub.Close()

	if sub.State() != subCancelled {
		t.Errorf("expected cancelled state, got %d", sub.State())
	}

	// A CLOSE frame went out exactly once.
	waitFor(t, func() bool { return fr.CountFrames("CLOSE") >= 1 })
	if n := fr.CountFrames("CLOSE"); n != 1 {
		t.Errorf("expected 1 CLOSE frame, got %d", n)
	}
}

func TestPublishAcknowledged(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label == "EVENT" {
			id := frame.Args[0].Get("id").Str
			fc.Reply(`["OK","` + id + `",true,""]`)
		}
	})

	client := connectTestClient(t, fr, testOptions())

	evt := &nostr.Event{ID: strings.Repeat("e", 64), Kind: 1, Content: "hi"}
	if err := client.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestPublishRejected(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label == "EVENT" {
			id := frame.Args[0].Get("id").Str
			fc.Reply(`["OK","` + id + `",false,"blocked: spam"]`)
		}
	})

	client := connectTestClient(t, fr, testOptions())

	evt := &nostr.Event{ID: strings.Repeat("e", 64), Kind: 1, Content: "hi"}
	err := client.Publish(context.Background(), evt)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "blocked: spam") {
		t.Errorf("expected reason in error, got %v", err)
	}
}

func TestUnknownSubscriptionFrameDropped(t *testing.T) {
	fr := newFakeRelay(t, func(fc *fakeConn, frame fakeFrame) {
		if frame.Label != "REQ" {
			return
		}
		subID := frame.Args[0].Str
		// Frames for an id nobody owns must be dropped, not crash the client.
		fc.Reply(eventFrame("no-such-sub", "stray", 50))
		fc.Reply(`["EOSE","no-such-sub"]`)
		fc.Reply(eventFrame(subID, "e1", 100))
		fc.Reply(`["EOSE","` + subID + `"]`)
	})

	client := connectTestClient(t, fr, testOptions())

	events, err := client.Query(context.Background(), FilterRequest(nostr.Filter{Kinds: []int{1}}))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("expected only e1, got %v", events)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
