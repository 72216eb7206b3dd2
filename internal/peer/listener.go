package peer

import (
	"context"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/codetrek/replix/internal/transport"
)

// Listener serves a Peer over NATS: every request on the subject is decoded,
// handled, and answered on its reply inbox.
type Listener struct {
	peer    *Peer
	subject string
	sub     *nats.Subscription
}

func NewListener(p *Peer, subject string) *Listener {
	return &Listener{peer: p, subject: subject}
}

// Start subscribes and begins answering requests. It returns once the
// subscription is established; message handling runs on NATS goroutines
// until Stop.
func (l *Listener) Start(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.Subscribe(l.subject, func(m *nats.Msg) {
		reply := l.handle(ctx, m.Data)
		data, err := transport.EncodeWire(reply)
		if err != nil {
			log.Printf("[Peer] Failed to encode reply: %v", err)
			return
		}
		if err := m.Respond(data); err != nil {
			log.Printf("[Peer] Failed to respond: %v", err)
		}
	})
	if err != nil {
		return err
	}
	l.sub = sub
	log.Printf("[Peer] Listening on subject %q", l.subject)
	return nil
}

func (l *Listener) handle(ctx context.Context, data []byte) *transport.Message {
	msg, err := transport.DecodeWire(data)
	if err != nil {
		return transport.NewErrorMessage("bad_request", err.Error(), false)
	}
	return l.peer.Handle(ctx, msg)
}

// Stop drains the subscription, letting in-flight requests finish.
func (l *Listener) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Drain()
}
