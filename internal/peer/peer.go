// Package peer implements the passive side of a replication: it accepts
// hello/checkpoint/rev messages, applies pushed revisions to its backend,
// and stores peer-side checkpoint copies. It never initiates anything.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/codetrek/replix/internal/auth"
	"github.com/codetrek/replix/internal/delta"
	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/internal/transport"
	"github.com/codetrek/replix/pkg/model"
)

// checkpointKeyPrefix namespaces checkpoint copies held on behalf of
// pushing peers in the local metadata store.
const checkpointKeyPrefix = "peer-checkpoint/"

type Options struct {
	// AuthSecret, when set, requires every session to open with a valid
	// push token minted from the same secret.
	AuthSecret string

	// DisableDeltas stops advertising delta support in hello responses.
	DisableDeltas bool
}

type Peer struct {
	db   storage.Backend
	opts Options
}

func New(db storage.Backend, opts Options) *Peer {
	return &Peer{db: db, opts: opts}
}

// Handle processes one request message and returns its acknowledging reply.
// Per-revision failures produce error replies; they never tear down the
// session.
func (p *Peer) Handle(ctx context.Context, msg *transport.Message) *transport.Message {
	switch msg.Type {
	case transport.TypeHello:
		return p.handleHello(msg)
	case transport.TypeGetCheckpoint:
		return p.handleGetCheckpoint(ctx, msg)
	case transport.TypeSetCheckpoint:
		return p.handleSetCheckpoint(ctx, msg)
	case transport.TypeRev:
		return p.handleRev(ctx, msg)
	default:
		return transport.NewErrorMessage("bad_request", fmt.Sprintf("unknown message type %q", msg.Type), false)
	}
}

func (p *Peer) handleHello(msg *transport.Message) *transport.Message {
	var req transport.HelloRequest
	if err := transport.DecodePayload(msg, &req); err != nil {
		return transport.NewErrorMessage("bad_request", err.Error(), false)
	}
	if p.opts.AuthSecret != "" {
		dbUUID, err := auth.Verify(p.opts.AuthSecret, req.AuthToken)
		if err != nil {
			log.Printf("[Peer] Rejected hello: %v", err)
			return transport.NewErrorMessage("unauthorized", "invalid push token", false)
		}
		if dbUUID != req.DatabaseUUID {
			return transport.NewErrorMessage("unauthorized", "token subject mismatch", false)
		}
	}
	reply, err := transport.NewMessage(transport.TypeHello, transport.HelloResponse{
		PeerUUID: p.db.UUID(),
		DeltasOK: !p.opts.DisableDeltas,
	})
	if err != nil {
		return transport.NewErrorMessage("internal", err.Error(), false)
	}
	return reply
}

func (p *Peer) handleGetCheckpoint(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.CheckpointRequest
	if err := transport.DecodePayload(msg, &req); err != nil {
		return transport.NewErrorMessage("bad_request", err.Error(), false)
	}
	body, err := p.db.GetLocal(ctx, checkpointKeyPrefix+req.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return transport.NewErrorMessage("storage", err.Error(), true)
	}
	reply, err := transport.NewMessage(transport.TypeGetCheckpoint, transport.CheckpointResponse{Body: body})
	if err != nil {
		return transport.NewErrorMessage("internal", err.Error(), false)
	}
	return reply
}

func (p *Peer) handleSetCheckpoint(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.CheckpointRequest
	if err := transport.DecodePayload(msg, &req); err != nil {
		return transport.NewErrorMessage("bad_request", err.Error(), false)
	}
	if err := p.db.PutLocal(ctx, checkpointKeyPrefix+req.ID, req.Body); err != nil {
		return transport.NewErrorMessage("storage", err.Error(), true)
	}
	return &transport.Message{Type: transport.TypeOK}
}

func (p *Peer) handleRev(ctx context.Context, msg *transport.Message) *transport.Message {
	var rev transport.RevMessage
	if err := transport.DecodePayload(msg, &rev); err != nil {
		return transport.NewErrorMessage("bad_request", err.Error(), false)
	}

	doc := &storage.Document{
		ID:          rev.DocID,
		RevID:       rev.RevID,
		ParentRevID: rev.ParentRevID,
		Deleted:     rev.Deleted,
	}
	switch {
	case rev.IsDelta:
		ancestor, err := p.db.GetRevision(ctx, rev.DocID, rev.ParentRevID)
		if errors.Is(err, model.ErrNotFound) {
			// The sender falls back to a full-body send on this reply.
			return transport.NewErrorMessage("missing_ancestor",
				fmt.Sprintf("no revision %s of %s for delta", rev.ParentRevID, rev.DocID), false)
		}
		if err != nil {
			return transport.NewErrorMessage("storage", err.Error(), true)
		}
		body, err := delta.Apply(ancestor.Body, rev.Body)
		if err != nil {
			return transport.NewErrorMessage("bad_delta", err.Error(), false)
		}
		doc.Body = body
	case len(rev.Body) > 0:
		if err := json.Unmarshal(rev.Body, &doc.Body); err != nil {
			return transport.NewErrorMessage("bad_request", fmt.Sprintf("bad rev body: %v", err), false)
		}
	}

	if err := p.db.PutRevision(ctx, doc); err != nil {
		switch {
		case errors.Is(err, model.ErrConflict):
			return transport.NewErrorMessage("conflict", err.Error(), false)
		default:
			return transport.NewErrorMessage("storage", err.Error(), true)
		}
	}
	return &transport.Message{Type: transport.TypeOK}
}
