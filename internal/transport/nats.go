package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultRequestTimeout = 15 * time.Second

// NATS is a Transport carrying messages as NATS request/reply pairs. The
// peer address has the form nats://host:port/subject; every message for the
// peer is published on that subject and the reply is its acknowledgment.
//
// NATS-level reconnection is disabled: the replicator owns the retry state
// machine, so a broken connection is reported through Events and the
// replicator decides whether and when to dial again.
type NATS struct{}

type natsConn struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration

	mu      sync.Mutex
	lastErr error
	events  chan Event
	once    sync.Once
}

func (NATS) Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, NewError(ClassProtocol, fmt.Errorf("bad peer address %q: %w", addr, err))
	}
	subject := strings.Trim(u.Path, "/")
	if subject == "" {
		return nil, NewError(ClassProtocol, fmt.Errorf("peer address %q has no subject", addr))
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	c := &natsConn{
		subject: subject,
		timeout: timeout,
		events:  make(chan Event, 1),
	}
	nc, err := nats.Connect(u.Scheme+"://"+u.Host,
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.mu.Lock()
			err := c.lastErr
			c.mu.Unlock()
			c.emitClosed(err)
		}),
	)
	if err != nil {
		return nil, &Error{Class: Classify(err), Err: err}
	}
	c.nc = nc
	return c, nil
}

func (c *natsConn) Send(msg *Message, onReply func(*Message, error)) {
	go func() {
		reply, err := c.roundTrip(context.Background(), msg)
		onReply(reply, err)
	}()
}

func (c *natsConn) Call(ctx context.Context, msg *Message) (*Message, error) {
	return c.roundTrip(ctx, msg)
}

func (c *natsConn) roundTrip(ctx context.Context, msg *Message) (*Message, error) {
	data, err := EncodeWire(msg)
	if err != nil {
		return nil, NewError(ClassProtocol, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, &Error{Class: Classify(err), Err: err}
	}
	return DecodeWire(resp.Data)
}

func (c *natsConn) Events() <-chan Event { return c.events }

func (c *natsConn) Close(ctx context.Context) error {
	// Drain lets in-flight requests finish; the ClosedHandler reports the
	// closure through Events.
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		c.emitClosed(nil)
	}
	return nil
}

func (c *natsConn) emitClosed(err error) {
	c.once.Do(func() {
		if err != nil {
			err = &Error{Class: Classify(err), Err: err}
		}
		c.events <- Event{Type: EventClosed, Err: err}
		close(c.events)
	})
}
