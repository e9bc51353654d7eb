package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Acquire after the pool is shut down.
var ErrPoolClosed = errors.New("session pool closed")

// SessionPool shares a small fixed number of persistent sessions to one
// server (upload connections). Sessions move through a blocking handoff
// channel: a session is never held by two callers at once, and callers
// suspend until one is returned rather than opening new connections.
type SessionPool struct {
	url      string
	sessions chan *Client

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSessionPool validates the URL, dials size sessions and hands them to
// the pool. Fails if the URL is invalid or any session cannot be opened.
func NewSessionPool(ctx context.Context, rawURL string, size int, opts Options) (*SessionPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}

	p := &SessionPool{
		url:      url,
		sessions: make(chan *Client, size),
		closed:   make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		client, err := Connect(ctx, url, opts)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to open session %d/%d: %w", i+1, size, err)
		}
		p.sessions <- client
	}

	return p, nil
}

// Acquire blocks until a session is available or the context ends. A dead
// session coming off the channel is redialed here; if the dial fails it
// goes back as a placeholder so the pool never shrinks below its fixed
// size, and the error is returned to the caller.
func (p *SessionPool) Acquire(ctx context.Context) (*Client, error) {
	select {
	case c := <-p.sessions:
		select {
		case <-c.Done():
		default:
			return c, nil
		}
		fresh, err := Connect(ctx, p.url, c.opts)
		if err != nil {
			p.put(c)
			return nil, err
		}
		return fresh, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool, redialing first if the session
// died while held. A failed redial returns the dead session as a
// placeholder for Acquire to retry.
func (p *SessionPool) Release(ctx context.Context, c *Client) {
	select {
	case <-p.closed:
		c.Close()
		return
	default:
	}

	select {
	case <-c.Done():
		if fresh, err := Connect(ctx, p.url, c.opts); err == nil {
			c = fresh
		}
	default:
	}

	p.put(c)
}

func (p *SessionPool) put(c *Client) {
	select {
	case p.sessions <- c:
	default:
		// Pool already full; caller returned a session twice.
		c.Close()
	}
}

// Close shuts the pool down and closes any idle sessions.
func (p *SessionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		for {
			select {
			case c := <-p.sessions:
				c.Close()
			default:
				return
			}
		}
	})
}
