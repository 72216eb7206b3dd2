// Package transport abstracts the message connection between replication
// peers: dialing, acknowledged sends, close notification, and a structured
// error classification the replicator's retry logic keys off.
package transport

import (
	"context"
	"time"
)

// Options configures a dialed connection.
type Options struct {
	// AuthToken is presented to the peer during the hello exchange.
	AuthToken string

	// Timeout bounds each request/reply round trip. Zero means the
	// transport default.
	Timeout time.Duration
}

// Transport dials connections to peers. Implementations: nats, loopback.
type Transport interface {
	// Dial opens a connection to the peer at addr. It blocks until the
	// connection is established or ctx expires; failures are classified
	// (see Classify) so the caller can decide whether to retry.
	Dial(ctx context.Context, addr string, opts Options) (Conn, error)
}

// EventType distinguishes connection lifecycle events.
type EventType int

const (
	// EventClosed reports the connection has terminated. Err carries the
	// cause, or nil for an orderly close.
	EventClosed EventType = iota
)

// Event is an asynchronous connection notification.
type Event struct {
	Type EventType
	Err  error
}

// Conn is one established connection to a peer.
type Conn interface {
	// Send transmits msg and invokes onReply exactly once with the peer's
	// acknowledging reply or a delivery error. onReply runs on a transport
	// goroutine; callers must not block in it.
	Send(msg *Message, onReply func(*Message, error))

	// Call is the synchronous form of Send.
	Call(ctx context.Context, msg *Message) (*Message, error)

	// Events delivers lifecycle notifications. The channel is closed after
	// EventClosed is delivered.
	Events() <-chan Event

	// Close tears the connection down. Closure is reported asynchronously
	// through Events; callers must not assume the connection is gone when
	// Close returns.
	Close(ctx context.Context) error
}
