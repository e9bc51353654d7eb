package cache

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Notifier fans out committed-change signals per (owner, feed spec) key.
// Bursts of writes within the debounce window coalesce into one signal,
// and slow subscribers never block a commit: the channel carries at most
// one pending tick.
type Notifier struct {
	mu         sync.Mutex
	interval   time.Duration
	nextID     int
	subs       map[string]map[int]chan struct{}
	debouncers map[string]func(func())
}

func newNotifier(interval time.Duration) *Notifier {
	return &Notifier{
		interval:   interval,
		subs:       make(map[string]map[int]chan struct{}),
		debouncers: make(map[string]func(func())),
	}
}

func notifierKey(ownerID, feedSpec string) string {
	return ownerID + "\x00" + feedSpec
}

// Subscribe registers for change signals on one feed. The returned cancel
// func must be called when done; it is safe to call more than once.
func (n *Notifier) Subscribe(ownerID, feedSpec string) (<-chan struct{}, func()) {
	key := notifierKey(ownerID, feedSpec)
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]chan struct{})
	}
	n.subs[key][id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[key], id)
			if len(n.subs[key]) == 0 {
				delete(n.subs, key)
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

func (n *Notifier) notify(ownerID, feedSpec string) {
	key := notifierKey(ownerID, feedSpec)

	n.mu.Lock()
	d, ok := n.debouncers[key]
	if !ok {
		d = debounce.New(n.interval)
		n.debouncers[key] = d
	}
	n.mu.Unlock()

	d(func() { n.fire(key) })
}

func (n *Notifier) fire(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
