package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

// pendingScanBatchSize limits each changes-since scan performed by the
// pending-document queries.
const pendingScanBatchSize = 200

// Options identifies one replication pairing. The checkpoint document ID is
// a digest of these values plus the database identity, so two replications
// with different filters keep independent progress.
type Options struct {
	// PeerURL is the address of the remote peer.
	PeerURL string

	// DocIDs, when non-empty, is the allow-list of documents replicated.
	DocIDs []string
}

// SaveCallback receives a serialized checkpoint snapshot to persist. The
// owner must call SaveCompleted once the snapshot is durably stored (or the
// attempt has failed), which releases the next queued save if any.
type SaveCallback func(body []byte)

// Checkpointer owns the durable progress record for one replication
// pairing: the in-memory Checkpoint, its storage documents, and the
// debounced autosave policy. It has no knowledge of the network; the
// replicator supplies a SaveCallback that talks to the peer.
//
// All fields are guarded by a single internal mutex. The save callback is
// always invoked outside it.
type Checkpointer struct {
	opts   Options
	docIDs map[string]bool // allow-list lookup, nil when unrestricted

	mu         sync.Mutex
	checkpoint *Checkpoint

	// Document IDs. initialDocID differs from docID exactly once: a copied
	// database reads the original owner's checkpoint on its first run but
	// writes under its own identity from then on.
	docID        string
	initialDocID string
	lastRead     []byte // last body read or written, to skip redundant rereads

	// Autosave state.
	changed      bool
	saving       bool
	overdue      bool
	stopped      bool
	saveInterval time.Duration
	saveCallback SaveCallback
	timer        *time.Timer
}

func NewCheckpointer(opts Options) *Checkpointer {
	var docIDs map[string]bool
	if len(opts.DocIDs) > 0 {
		docIDs = make(map[string]bool, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			docIDs[id] = true
		}
	}
	return &Checkpointer{
		opts:       opts,
		docIDs:     docIDs,
		checkpoint: New(),
	}
}

// CheckpointID returns the document ID the checkpoint is written under.
// Empty until Read has run.
func (c *Checkpointer) CheckpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

// docIDForIdentity derives a checkpoint document ID from the peer URL, the
// database identity, and the filter parameters.
func (c *Checkpointer) docIDForIdentity(dbUUID string) string {
	h := blake3.New()
	h.Write([]byte(c.opts.PeerURL))
	h.Write([]byte{0})
	h.Write([]byte(dbUUID))
	ids := append([]string(nil), c.opts.DocIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	sum := h.Sum(nil)
	return "checkpoint/" + hex.EncodeToString(sum[:16])
}

// Read loads the checkpoint state from storage. It must run before any
// other database operation. A missing checkpoint document is not an error;
// it just means replication starts from scratch.
func (c *Checkpointer) Read(ctx context.Context, db storage.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docID == "" {
		c.docID = c.docIDForIdentity(db.UUID())
		c.initialDocID = c.docID
		if src := db.SourceUUID(); src != "" && src != db.UUID() {
			c.initialDocID = c.docIDForIdentity(src)
			log.Printf("[Checkpointer] Database is a copy; reading initial checkpoint from %s", c.initialDocID)
		}
	}
	body, err := db.GetLocal(ctx, c.docID)
	if errors.Is(err, model.ErrNotFound) && c.initialDocID != c.docID {
		// Nothing under our own identity yet; fall back to the checkpoint
		// the source database left behind.
		body, err = db.GetLocal(ctx, c.initialDocID)
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("reading checkpoint %s: %w", c.initialDocID, err)
	}
	// After the first read the copied-database special case is spent.
	c.initialDocID = c.docID
	if err := c.checkpoint.ReadJSON(body); err != nil {
		return fmt.Errorf("parsing checkpoint %s: %w", c.docID, err)
	}
	c.lastRead = body
	return nil
}

// Reread reloads the checkpoint only if the stored record differs from what
// was last read or written, avoiding redundant parsing.
func (c *Checkpointer) Reread(ctx context.Context, db storage.Backend) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docID == "" {
		return false, errors.New("checkpointer: Reread before Read")
	}
	body, err := db.GetLocal(ctx, c.docID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return false, fmt.Errorf("rereading checkpoint %s: %w", c.docID, err)
	}
	if string(body) == string(c.lastRead) {
		return false, nil
	}
	if err := c.checkpoint.ReadJSON(body); err != nil {
		return false, fmt.Errorf("parsing checkpoint %s: %w", c.docID, err)
	}
	c.lastRead = body
	return true, nil
}

// Write persists a caller-supplied encoded checkpoint body. It deliberately
// does not serialize the current in-memory state: the body saved locally
// must be byte-identical to what was saved on the peer, and the in-memory
// state may have moved on since that snapshot was taken.
func (c *Checkpointer) Write(ctx context.Context, db storage.Backend, body []byte) error {
	c.mu.Lock()
	docID := c.docID
	c.mu.Unlock()
	if docID == "" {
		return errors.New("checkpointer: Write before Read")
	}
	if err := db.PutLocal(ctx, docID, body); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", docID, err)
	}
	c.mu.Lock()
	c.lastRead = body
	c.mu.Unlock()
	return nil
}

// ValidateWith compares the local checkpoint against the peer's copy,
// resetting whichever markers disagree. Returns whether they agreed;
// callers use a false return to discard stale in-memory pending state.
func (c *Checkpointer) ValidateWith(peer *Checkpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.ValidateWith(peer)
}

func (c *Checkpointer) LocalMinSequence() storage.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.LocalMinSequence()
}

func (c *Checkpointer) RemoteMinSequence() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.RemoteMinSequence()
}

func (c *Checkpointer) SetRemoteMinSequence(token json.RawMessage) {
	c.mu.Lock()
	if c.checkpoint.SetRemoteMinSequence(token) {
		c.noteChangeLocked()
	}
	c.mu.Unlock()
}

// AddPendingSequence registers one sequence as read-but-not-pushed.
func (c *Checkpointer) AddPendingSequence(seq storage.Sequence) {
	c.mu.Lock()
	c.checkpoint.AddPendingSequence(seq)
	c.noteChangeLocked()
	c.mu.Unlock()
}

// AddPendingSequences registers a scanned batch; see
// Checkpoint.AddPendingSequences for the fast-forward semantics.
func (c *Checkpointer) AddPendingSequences(seqs []storage.Sequence, rangeStart, rangeEnd storage.Sequence) {
	c.mu.Lock()
	c.checkpoint.AddPendingSequences(seqs, rangeStart, rangeEnd)
	c.noteChangeLocked()
	c.mu.Unlock()
}

// CompletedSequence marks one sequence as acknowledged by the peer.
func (c *Checkpointer) CompletedSequence(seq storage.Sequence) {
	c.mu.Lock()
	c.checkpoint.CompletedSequence(seq)
	c.noteChangeLocked()
	c.mu.Unlock()
}

// NumPendingDocs is the count of sequences still awaiting completion.
func (c *Checkpointer) NumPendingDocs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.PendingCount()
}

// IsDocumentIDAllowed reports whether the docID passes the allow-list.
func (c *Checkpointer) IsDocumentIDAllowed(docID string) bool {
	return c.docIDs == nil || c.docIDs[docID]
}

// IsDocumentPending reports whether the document's current revision still
// awaits push, by checking its sequence against the pending set and the
// progress marker.
func (c *Checkpointer) IsDocumentPending(ctx context.Context, db storage.Backend, docID string) (bool, error) {
	if !c.IsDocumentIDAllowed(docID) {
		return false, nil
	}
	doc, err := db.Get(ctx, docID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.IsSequencePending(doc.Sequence), nil
}

// PendingDocumentIDs invokes fn for every document with revisions not yet
// pushed, in sequence order.
func (c *Checkpointer) PendingDocumentIDs(ctx context.Context, db storage.Backend, fn func(storage.Change)) error {
	c.mu.Lock()
	since := c.checkpoint.LocalMinSequence()
	c.mu.Unlock()
	for {
		changes, lastScanned, err := db.Changes(ctx, storage.ChangesOptions{
			Since: since,
			Limit: pendingScanBatchSize,
		})
		if err != nil {
			return err
		}
		for _, ch := range changes {
			if !c.IsDocumentIDAllowed(ch.DocID) {
				continue
			}
			c.mu.Lock()
			pending := c.checkpoint.IsSequencePending(ch.Sequence)
			c.mu.Unlock()
			if pending {
				fn(ch)
			}
		}
		if len(changes) < pendingScanBatchSize {
			return nil
		}
		since = lastScanned
	}
}
