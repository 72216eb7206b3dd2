package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"

	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

// revisionsRetained is how many past revision bodies are kept per document
// for delta computation against ancestors the peer may still hold.
const revisionsRetained = 5

// Backend is an in-memory storage backend. It is used by unit tests and by
// loopback replications; it implements the full storage.Backend contract
// including change listeners and local metadata.
type Backend struct {
	mu         sync.Mutex
	docs       *btree.Tree[string, *storage.Document]
	bySeq      *btree.Tree[storage.Sequence, string]
	revs       map[string][]*storage.Document // docID -> retained past revisions
	locals     map[string][]byte
	listeners  map[int]func(storage.Change)
	nextToken  int
	lastSeq    storage.Sequence
	uuid       string
	sourceUUID string
}

func New() *Backend {
	return &Backend{
		docs:      btree.New[string, *storage.Document](generic.Less[string]),
		bySeq:     btree.New[storage.Sequence, string](generic.Less[storage.Sequence]),
		revs:      make(map[string][]*storage.Document),
		locals:    make(map[string][]byte),
		listeners: make(map[int]func(storage.Change)),
		uuid:      uuid.NewString(),
	}
}

// NewCopyOf returns a backend that behaves like a file-level copy of src:
// same documents and local values, a fresh identity, and SourceUUID set to
// src's identity.
func NewCopyOf(src *Backend) *Backend {
	src.mu.Lock()
	defer src.mu.Unlock()
	cp := New()
	cp.sourceUUID = src.uuid
	cp.lastSeq = src.lastSeq
	src.docs.Each(func(id string, doc *storage.Document) {
		d := *doc
		cp.docs.Put(id, &d)
		cp.bySeq.Put(d.Sequence, id)
	})
	for k, v := range src.locals {
		cp.locals[k] = append([]byte(nil), v...)
	}
	return cp
}

func (b *Backend) UUID() string       { return b.uuid }
func (b *Backend) SourceUUID() string { return b.sourceUUID }

func (b *Backend) Get(ctx context.Context, docID string) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs.Get(docID)
	if !ok {
		return nil, model.ErrNotFound
	}
	d := *doc
	return &d, nil
}

func (b *Backend) GetRevision(ctx context.Context, docID, revID string) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.docs.Get(docID); ok && doc.RevID == revID {
		d := *doc
		return &d, nil
	}
	for _, rev := range b.revs[docID] {
		if rev.RevID == revID {
			d := *rev
			return &d, nil
		}
	}
	return nil, model.ErrNotFound
}

func (b *Backend) Put(ctx context.Context, docID string, body map[string]interface{}) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, _ := b.docs.Get(docID)
	parentRevID := ""
	if prev != nil {
		parentRevID = prev.RevID
	}
	doc := &storage.Document{
		ID:          docID,
		RevID:       storage.NewRevID(parentRevID, body),
		ParentRevID: parentRevID,
		Body:        body,
	}
	b.storeLocked(doc, prev)
	return doc, nil
}

func (b *Backend) Delete(ctx context.Context, docID string) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.docs.Get(docID)
	if !ok {
		return nil, model.ErrNotFound
	}
	doc := &storage.Document{
		ID:          docID,
		RevID:       storage.NewRevID(prev.RevID, nil),
		ParentRevID: prev.RevID,
		Deleted:     true,
	}
	b.storeLocked(doc, prev)
	return doc, nil
}

func (b *Backend) PutRevision(ctx context.Context, doc *storage.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, _ := b.docs.Get(doc.ID)
	if prev != nil {
		if prev.RevID == doc.RevID {
			return nil // already have it
		}
		if prev.RevID != doc.ParentRevID {
			return model.ErrConflict
		}
	}
	d := *doc
	d.Foreign = true
	b.storeLocked(&d, prev)
	return nil
}

// storeLocked assigns the next sequence, retires the previous revision into
// the retained-revisions list, indexes the new one, and notifies listeners.
func (b *Backend) storeLocked(doc, prev *storage.Document) {
	if prev != nil {
		b.bySeq.Remove(prev.Sequence)
		kept := append(b.revs[doc.ID], prev)
		if len(kept) > revisionsRetained {
			kept = kept[len(kept)-revisionsRetained:]
		}
		b.revs[doc.ID] = kept
	}
	b.lastSeq++
	doc.Sequence = b.lastSeq
	doc.UpdatedAt = time.Now().UnixMilli()
	b.docs.Put(doc.ID, doc)
	b.bySeq.Put(doc.Sequence, doc.ID)

	change := changeFor(doc)
	for _, fn := range b.listeners {
		fn(change)
	}
}

func changeFor(doc *storage.Document) storage.Change {
	return storage.Change{
		Sequence: doc.Sequence,
		DocID:    doc.ID,
		RevID:    doc.RevID,
		Deleted:  doc.Deleted,
		Foreign:  doc.Foreign,
		BodySize: storage.BodySize(doc.Body),
	}
}

func (b *Backend) Changes(ctx context.Context, opts storage.ChangesOptions) ([]storage.Change, storage.Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var allowed map[string]bool
	if len(opts.DocIDs) > 0 {
		allowed = make(map[string]bool, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			allowed[id] = true
		}
	}

	var changes []storage.Change
	scanned := 0
	lastScanned := opts.Since
	b.bySeq.Each(func(seq storage.Sequence, docID string) {
		if seq <= opts.Since {
			return
		}
		// Limit bounds scanned entries, filtered or not, so lastScanned
		// advances past entries the filters drop.
		if opts.Limit > 0 && scanned >= opts.Limit {
			return
		}
		scanned++
		lastScanned = seq
		doc, _ := b.docs.Get(docID)
		if doc == nil {
			return
		}
		if opts.SkipDeleted && doc.Deleted {
			return
		}
		if opts.SkipForeign && doc.Foreign {
			return
		}
		if allowed != nil && !allowed[docID] {
			return
		}
		changes = append(changes, changeFor(doc))
	})
	return changes, lastScanned, nil
}

func (b *Backend) LastSequence(ctx context.Context) (storage.Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq, nil
}

func (b *Backend) AddChangeListener(fn func(storage.Change)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.listeners[b.nextToken] = fn
	return b.nextToken
}

func (b *Backend) RemoveChangeListener(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, token)
}

func (b *Backend) GetLocal(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.locals[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) PutLocal(ctx context.Context, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locals[key] = append([]byte(nil), body...)
	return nil
}

func (b *Backend) Close(ctx context.Context) error { return nil }
