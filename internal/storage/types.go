package storage

import "context"

// Sequence is a monotonically increasing per-database change counter.
// Every successful write is assigned the next sequence; a sequence is
// never reused, even when the document it was assigned to changes again.
type Sequence uint64

// Document represents a stored document revision.
type Document struct {
	// ID is the unique identifier for the document
	ID string `json:"id" bson:"_id"`

	// RevID identifies this revision of the document
	RevID string `json:"revId" bson:"rev_id"`

	// ParentRevID is the revision this one was derived from, if any
	ParentRevID string `json:"parentRevId,omitempty" bson:"parent_rev_id,omitempty"`

	// Sequence is the change counter value assigned when this revision was written
	Sequence Sequence `json:"sequence" bson:"sequence"`

	// Deleted indicates a tombstone
	Deleted bool `json:"deleted,omitempty" bson:"deleted,omitempty"`

	// Foreign indicates the revision arrived via replication rather than a
	// local write. Foreign revisions are skipped by pushers configured with
	// SkipForeign, so two engines replicating to each other don't echo.
	Foreign bool `json:"foreign,omitempty" bson:"is_foreign,omitempty"`

	// UpdatedAt is the timestamp of the last update (Unix milliseconds)
	UpdatedAt int64 `json:"updatedAt" bson:"updated_at"`

	// Body is the document content
	Body map[string]interface{} `json:"body" bson:"body"`
}

// Change is one entry in a changes-since scan: the minimal description of a
// document mutation the pusher needs to decide whether and what to send.
type Change struct {
	Sequence Sequence `json:"sequence"`
	DocID    string   `json:"docId"`
	RevID    string   `json:"revId"`
	Deleted  bool     `json:"deleted,omitempty"`
	Foreign  bool     `json:"foreign,omitempty"`
	BodySize int64    `json:"bodySize,omitempty"`
}

// ChangesOptions filters a changes-since scan.
type ChangesOptions struct {
	// Since excludes all changes with sequence <= Since.
	Since Sequence

	// Limit bounds how many entries are scanned, not how many changes come
	// back: filtered-out entries count against it, so the returned
	// lastScanned always advances past them. Zero means no limit.
	Limit int

	// DocIDs, when non-empty, restricts the scan to the listed documents.
	DocIDs []string

	// SkipDeleted excludes tombstones.
	SkipDeleted bool

	// SkipForeign excludes revisions that arrived via replication.
	SkipForeign bool
}

// Backend defines the storage operations the replication engine consumes.
type Backend interface {
	// Get retrieves the current revision of a document.
	Get(ctx context.Context, docID string) (*Document, error)

	// GetRevision retrieves a specific retained revision of a document,
	// used as the ancestor for delta computation. Returns model.ErrNotFound
	// if the revision is no longer retained.
	GetRevision(ctx context.Context, docID, revID string) (*Document, error)

	// Put writes a local mutation: assigns the next sequence and a new
	// revision ID derived from the previous one.
	Put(ctx context.Context, docID string, body map[string]interface{}) (*Document, error)

	// Delete writes a tombstone for the document.
	Delete(ctx context.Context, docID string) (*Document, error)

	// PutRevision applies a replicated revision verbatim: the revision ID is
	// kept, a new local sequence is assigned, and the document is marked
	// Foreign. Returns model.ErrConflict if the stored revision is neither
	// the revision itself nor its parent.
	PutRevision(ctx context.Context, doc *Document) error

	// Changes enumerates changes with sequence > opts.Since in sequence
	// order, applying the filters in opts. It returns the changes plus the
	// last sequence scanned, which may be greater than the last returned
	// change when trailing entries were filtered out.
	Changes(ctx context.Context, opts ChangesOptions) ([]Change, Sequence, error)

	// LastSequence returns the highest sequence assigned so far.
	LastSequence(ctx context.Context) (Sequence, error)

	// AddChangeListener registers fn to be called for every subsequent
	// change. The returned token unregisters it.
	AddChangeListener(fn func(Change)) int

	// RemoveChangeListener unregisters a listener by its token.
	RemoveChangeListener(token int)

	// GetLocal reads a small opaque byte string stored under key.
	// Local values are invisible to Changes and never replicated.
	GetLocal(ctx context.Context, key string) ([]byte, error)

	// PutLocal writes a small opaque byte string under key.
	PutLocal(ctx context.Context, key string, body []byte) error

	// UUID is the stable identity of this database instance.
	UUID() string

	// SourceUUID is the identity of the database this one was copied from,
	// or empty if it is not a copy. A copied database reads its first
	// checkpoint under the source's identity.
	SourceUUID() string

	// Close releases the backend's resources.
	Close(ctx context.Context) error
}
