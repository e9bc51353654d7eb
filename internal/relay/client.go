// Package relay implements the protocol client and connection management
// for long-lived relay websockets: one Client per socket, a Manager per
// named relay set, and a fixed-size SessionPool for shared upload sessions.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/sandwichfarm/strfeed/internal/ops"
	"github.com/sandwichfarm/strfeed/internal/wire"
)

// Options holds per-connection policy. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout   time.Duration
	QueryTimeout     time.Duration
	PublishTimeout   time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	QueriesPerSecond float64
	QueryBurst       int
	Logger           *ops.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = 15 * time.Second
	}
	if o.PublishTimeout == 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = time.Minute
	}
	if o.QueriesPerSecond == 0 {
		o.QueriesPerSecond = 10
	}
	if o.QueryBurst == 0 {
		o.QueryBurst = 20
	}
	if o.Logger == nil {
		o.Logger = ops.Default()
	}
	return o
}

// Request is one outgoing command: a caching-server verb with its payload,
// or a plain relay filter when Verb is empty.
type Request struct {
	Verb    string
	Payload any
}

// FilterRequest wraps a plain relay filter into a Request.
func FilterRequest(f nostr.Filter) Request {
	return Request{Payload: f}
}

// Client owns one websocket connection to one relay. Writes are serialized
// through a single writer goroutine; the reader fans incoming frames out to
// pending subscriptions by subscription id.
type Client struct {
	URL string

	opts    Options
	log     *ops.Logger
	conn    *websocket.Conn
	writes  chan []byte
	subs    *xsync.MapOf[string, *Subscription]
	acks    *xsync.MapOf[string, chan wire.OKMessage]
	limiter *rate.Limiter

	counter atomic.Int64

	done     chan struct{}
	failOnce sync.Once
	connErr  error
}

// Connect dials a relay and starts the read and write loops. The URL must
// already be normalized.
func Connect(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	c := &Client{
		URL:     url,
		opts:    opts,
		log:     opts.Logger.WithComponent("relay-client").WithFields("relay", url),
		conn:    conn,
		writes:  make(chan []byte, 64),
		subs:    xsync.NewMapOf[string, *Subscription](),
		acks:    xsync.NewMapOf[string, chan wire.OKMessage](),
		limiter: rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), opts.QueryBurst),
		done:    make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. Valid after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.connErr
	default:
		return nil
	}
}

// Close tears the connection down and errors all pending subscriptions.
func (c *Client) Close() {
	c.fail(nil)
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.connErr = err
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "closing")

		c.subs.Range(func(id string, sub *Subscription) bool {
			sub.terminate(subErrored)
			c.subs.Delete(id)
			return true
		})
	})
}

func (c *Client) writeLoop() {
	ctx := context.Background()
	for {
		select {
		case frame := <-c.writes:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		c.dispatch(wire.Decode(data))
	}
}

// dispatch routes one decoded frame. A lookup miss is logged and dropped,
// never fatal: a late frame for a released id must not crash the client.
func (c *Client) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.EventMessage:
		sub, ok := c.subs.Load(m.SubID)
		if !ok {
			c.log.LogFrameDropped(c.URL, "event for unknown subscription "+m.SubID)
			return
		}
		sub.deliver(m.Event)

	case wire.EOSEMessage:
		sub, ok := c.subs.Load(m.SubID)
		if !ok {
			c.log.LogFrameDropped(c.URL, "eose for unknown subscription "+m.SubID)
			return
		}
		sub.markEndOfStored()

	case wire.NoticeMessage:
		c.log.Debug("relay notice", "sub_id", m.SubID, "text", m.Text)

	case wire.OKMessage:
		if ch, ok := c.acks.LoadAndDelete(m.EventID); ok {
			ch <- m
			return
		}
		c.log.LogFrameDropped(c.URL, "ok for unknown event "+m.EventID)

	case wire.UnrecognizedMessage:
		c.log.LogFrameDropped(c.URL, "unrecognized frame")
	}
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	select {
	case c.writes <- frame:
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) nextSubID() string {
	return fmt.Sprintf("sub-%d", c.counter.Add(1))
}

// Subscribe sends a request under a fresh subscription id and returns a
// long-lived subscription. End-of-stored-events is surfaced as a lifecycle
// marker on the subscription, not a terminator.
func (c *Client) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	id := c.nextSubID()
	sub := newSubscription(c, id)
	c.subs.Store(id, sub)

	frame, err := wire.EncodeRequest(id, req.Verb, req.Payload)
	if err != nil {
		c.subs.Delete(id)
		return nil, err
	}
	if err := c.send(ctx, frame); err != nil {
		c.subs.Delete(id)
		return nil, err
	}

	return sub, nil
}

// Query sends a request and accumulates events until end-of-stored-events,
// then returns the accumulated set. It fails with ErrTimeout if no terminal
// frame arrives within the query window, or ErrConnectionLost if the socket
// dies first.
func (c *Client) Query(ctx context.Context, req Request) ([]*nostr.Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	sub, err := c.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	queryCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	var events []*nostr.Event
	for {
		select {
		case evt := <-sub.Events:
			events = append(events, evt)

		case <-sub.EndOfStored:
			// Drain anything buffered ahead of the EOSE.
			for {
				select {
				case evt := <-sub.Events:
					events = append(events, evt)
				default:
					sub.terminate(subCompleted)
					c.log.LogQuery(c.URL, sub.ID, len(events), time.Since(start), nil)
					return events, nil
				}
			}

		case <-c.done:
			c.log.LogQuery(c.URL, sub.ID, len(events), time.Since(start), ErrConnectionLost)
			return nil, ErrConnectionLost

		case <-queryCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.LogQuery(c.URL, sub.ID, len(events), time.Since(start), ErrTimeout)
			return nil, ErrTimeout
		}
	}
}

// Publish sends an event and awaits the relay's acknowledgement, with the
// same timeout and connection-loss semantics as Query.
func (c *Client) Publish(ctx context.Context, event *nostr.Event) error {
	frame, err := wire.EncodeEvent(event)
	if err != nil {
		return err
	}

	ack := make(chan wire.OKMessage, 1)
	c.acks.Store(event.ID, ack)
	defer c.acks.Delete(event.ID)

	if err := c.send(ctx, frame); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	select {
	case ok := <-ack:
		if !ok.Accepted {
			return fmt.Errorf("relay rejected event %s: %s", event.ID, ok.Reason)
		}
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-pubCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

// closeSubscription sends a best-effort CLOSE frame and releases the id.
// Idempotent; never fails the caller.
func (c *Client) closeSubscription(id string) {
	if _, ok := c.subs.LoadAndDelete(id); !ok {
		return
	}
	frame, err := wire.EncodeClose(id)
	if err != nil {
		return
	}
	select {
	case c.writes <- frame:
	case <-c.done:
	default:
	}
}
