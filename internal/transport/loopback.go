package transport

import (
	"context"
	"errors"
	"sync"
)

// Responder is the receiving side of a connection: it handles one request
// and returns the acknowledging reply. The passive peer implements it.
type Responder interface {
	Handle(ctx context.Context, msg *Message) *Message
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, msg *Message) *Message

func (f ResponderFunc) Handle(ctx context.Context, msg *Message) *Message { return f(ctx, msg) }

var errConnClosed = errors.New("loopback connection is closed")

// Loopback is an in-process Transport wired directly to a Responder. It
// backs local-to-local replications and tests; SetDialError and
// Conn.AbortWithError inject faults.
type Loopback struct {
	mu        sync.Mutex
	responder Responder
	dialErr   error
	dials     int
}

func NewLoopback(r Responder) *Loopback {
	return &Loopback{responder: r}
}

// SetDialError makes subsequent Dial calls fail with err until cleared.
func (l *Loopback) SetDialError(err error) {
	l.mu.Lock()
	l.dialErr = err
	l.mu.Unlock()
}

// Dials reports how many times Dial has been called.
func (l *Loopback) Dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

func (l *Loopback) Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dials++
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	return &LoopbackConn{
		responder: l.responder,
		events:    make(chan Event, 1),
	}, nil
}

// LoopbackConn dispatches each message to the Responder on a fresh
// goroutine, mirroring the asynchrony of a real transport.
type LoopbackConn struct {
	responder Responder

	mu     sync.Mutex
	closed bool
	events chan Event
	once   sync.Once
}

func (c *LoopbackConn) Send(msg *Message, onReply func(*Message, error)) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		go onReply(nil, NewError(ClassReset, errConnClosed))
		return
	}
	go func() {
		onReply(c.responder.Handle(context.Background(), msg), nil)
	}()
}

func (c *LoopbackConn) Call(ctx context.Context, msg *Message) (*Message, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, NewError(ClassReset, errConnClosed)
	}
	return c.responder.Handle(ctx, msg), nil
}

func (c *LoopbackConn) Events() <-chan Event { return c.events }

func (c *LoopbackConn) Close(ctx context.Context) error {
	c.shutdown(nil)
	return nil
}

// AbortWithError simulates the network dropping the connection.
func (c *LoopbackConn) AbortWithError(err error) {
	c.shutdown(err)
}

func (c *LoopbackConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.events <- Event{Type: EventClosed, Err: err}
		close(c.events)
	})
}
