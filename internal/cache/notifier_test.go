package cache

import (
	"testing"
	"time"
)

func TestNotifierCoalescesBursts(t *testing.T) {
	n := newNotifier(20 * time.Millisecond)
	ch, cancel := n.Subscribe("alice", "latest")
	defer cancel()

	for i := 0; i < 10; i++ {
		n.notify("alice", "latest")
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected one coalesced signal")
	}

	// The burst produced at most one pending tick.
	select {
	case <-ch:
		t.Fatal("expected burst to coalesce into a single signal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierKeysIndependent(t *testing.T) {
	n := newNotifier(time.Millisecond)
	chA, cancelA := n.Subscribe("alice", "latest")
	defer cancelA()
	chB, cancelB := n.Subscribe("alice", "trending")
	defer cancelB()

	n.notify("alice", "latest")

	select {
	case <-chA:
	case <-time.After(2 * time.Second):
		t.Fatal("expected signal on the touched feed")
	}
	select {
	case <-chB:
		t.Fatal("unexpected signal on an untouched feed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierCancelledSubscriberIgnored(t *testing.T) {
	n := newNotifier(time.Millisecond)
	ch, cancel := n.Subscribe("alice", "latest")
	cancel()
	cancel() // safe twice

	n.notify("alice", "latest")

	select {
	case <-ch:
		t.Fatal("cancelled subscriber received a signal")
	case <-time.After(50 * time.Millisecond):
	}
}
