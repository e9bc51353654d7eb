package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/ops"
)

// Manager maintains one live Client per valid relay URL for a named relay
// set, reconnecting with backoff. Invalid URLs are dropped at construction;
// transient per-relay disconnects are not surfaced to callers still served
// by other relays.
type Manager struct {
	name string
	opts Options
	log  *ops.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	urls    []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures map[string]int
}

// RelayStatus is a point-in-time view of one relay in the set.
type RelayStatus = ops.RelayStatus

// NewManager validates the relay set and starts a connection maintainer per
// surviving URL. Construction never fails on bad URLs; they are logged and
// excluded.
func NewManager(ctx context.Context, name string, urls []string, opts Options) *Manager {
	opts = opts.withDefaults()
	mctx, cancel := context.WithCancel(ctx)

	m := &Manager{
		name:     name,
		opts:     opts,
		log:      opts.Logger.WithComponent("relay-manager").WithFields("set", name),
		clients:  make(map[string]*Client),
		failures: make(map[string]int),
		ctx:      mctx,
		cancel:   cancel,
	}

	m.urls = filterRelayURLs(urls, func(url string, err error) {
		m.log.Warn("excluding invalid relay url", "url", url, "error", err)
	})

	for _, url := range m.urls {
		m.wg.Add(1)
		go m.maintain(url)
	}

	return m
}

// maintain keeps one relay connected, redialing with exponential backoff
// after each loss. Backoff resets on a successful connect.
func (m *Manager) maintain(url string) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.BackoffInitial
	bo.MaxInterval = m.opts.BackoffMax
	bo.MaxElapsedTime = 0

	for {
		client, err := Connect(m.ctx, url, m.opts)
		if err != nil {
			m.log.LogRelayConnection(url, false, err)
			m.mu.Lock()
			m.failures[url]++
			m.mu.Unlock()

			select {
			case <-m.ctx.Done():
				return
			case <-backoffTimer(bo.NextBackOff()):
				continue
			}
		}

		bo.Reset()
		m.log.LogRelayConnection(url, true, nil)
		m.mu.Lock()
		m.clients[url] = client
		m.mu.Unlock()

		select {
		case <-client.Done():
			m.log.LogRelayConnection(url, false, nil)
		case <-m.ctx.Done():
			client.Close()
			return
		}

		m.mu.Lock()
		delete(m.clients, url)
		m.failures[url]++
		m.mu.Unlock()
	}
}

// Size reports how many valid relay URLs the set holds.
func (m *Manager) Size() int {
	return len(m.urls)
}

// URLs returns the validated relay set.
func (m *Manager) URLs() []string {
	out := make([]string, len(m.urls))
	copy(out, m.urls)
	return out
}

// live snapshots the currently-connected clients.
func (m *Manager) live() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// Query runs a one-shot query against the connected relays and returns the
// first successful result set. Fails only when every reachable relay fails.
func (m *Manager) Query(ctx context.Context, req Request) ([]*nostr.Event, error) {
	clients := m.live()
	if len(clients) == 0 {
		return nil, fmt.Errorf("%w: no connected relays in set %s", ErrConnectionLost, m.name)
	}

	type result struct {
		events []*nostr.Event
		err    error
	}

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(clients))
	for _, c := range clients {
		go func(c *Client) {
			events, err := c.Query(qctx, req)
			results <- result{events: events, err: err}
		}(c)
	}

	var lastErr error
	for range clients {
		select {
		case r := <-results:
			if r.err == nil {
				return r.events, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("query failed on all relays in set %s: %w", m.name, lastErr)
}

// Publish attempts a publish against every connected relay concurrently.
// The first acceptance wins; it fails only when all attempts fail, carrying
// the last error.
func (m *Manager) Publish(ctx context.Context, event *nostr.Event) error {
	clients := m.live()
	if len(clients) == 0 {
		return fmt.Errorf("%w: no connected relays in set %s", ErrAllRelaysFailed, m.name)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(clients))
	for _, c := range clients {
		go func(c *Client) {
			results <- c.Publish(pctx, event)
		}(c)
	}

	succeeded := 0
	var lastErr error
	for i := 0; i < len(clients); i++ {
		select {
		case err := <-results:
			if err == nil {
				succeeded++
				m.log.LogPublish(m.name, event.ID, succeeded, len(clients))
				return nil
			}
			lastErr = err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.log.LogPublish(m.name, event.ID, 0, len(clients))
	return fmt.Errorf("%w: %v", ErrAllRelaysFailed, lastErr)
}

// Diagnostics reports connection state per relay in the set.
func (m *Manager) Diagnostics() []RelayStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RelayStatus, 0, len(m.urls))
	for _, url := range m.urls {
		_, connected := m.clients[url]
		out = append(out, RelayStatus{
			URL:       url,
			Connected: connected,
			Failures:  m.failures[url],
		})
	}
	return out
}

// Close disconnects the whole set and stops the maintainers.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func backoffTimer(d time.Duration) <-chan time.Time {
	if d < 0 {
		d = time.Minute
	}
	return time.After(d)
}
