// Package mongo is the MongoDB storage backend. Documents, retained past
// revisions, and local (non-replicated) values live in separate collections;
// sequences are allocated atomically through a counter document so several
// processes can share one database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

// revisionsRetained is how many past revision bodies are kept per document
// for delta computation against ancestors the peer may still hold.
const revisionsRetained = 5

const metaDocID = "database"

type metaDoc struct {
	ID           string           `bson:"_id"`
	UUID         string           `bson:"uuid"`
	SourceUUID   string           `bson:"source_uuid,omitempty"`
	LastSequence storage.Sequence `bson:"last_sequence"`
}

type revisionDoc struct {
	ID       string           `bson:"_id"` // docID + "@" + revID
	DocID    string           `bson:"doc_id"`
	Sequence storage.Sequence `bson:"sequence"`
	Document storage.Document `bson:"document"`
}

type localDoc struct {
	ID   string `bson:"_id"`
	Body []byte `bson:"body"`
}

// Backend implements storage.Backend on a MongoDB database.
type Backend struct {
	db        *mongo.Database
	docColl   *mongo.Collection
	revColl   *mongo.Collection
	localColl *mongo.Collection
	metaColl  *mongo.Collection

	uuid       string
	sourceUUID string

	mu        sync.Mutex
	listeners map[int]func(storage.Change)
	nextToken int
	watchStop context.CancelFunc
}

// New opens (or initializes) the backend on db. The database identity is
// created on first use and persists across opens.
func New(ctx context.Context, db *mongo.Database) (*Backend, error) {
	b := &Backend{
		db:        db,
		docColl:   db.Collection("documents"),
		revColl:   db.Collection("revisions"),
		localColl: db.Collection("locals"),
		metaColl:  db.Collection("meta"),
		listeners: make(map[int]func(storage.Change)),
	}
	if err := b.loadMeta(ctx); err != nil {
		return nil, err
	}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) loadMeta(ctx context.Context) error {
	var meta metaDoc
	err := b.metaColl.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		meta = metaDoc{ID: metaDocID, UUID: uuid.NewString()}
		_, err = b.metaColl.InsertOne(ctx, meta)
		if mongo.IsDuplicateKeyError(err) {
			// Another process initialized first; read its identity.
			err = b.metaColl.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&meta)
		}
	}
	if err != nil {
		return fmt.Errorf("loading database meta: %w", err)
	}
	b.uuid = meta.UUID
	b.sourceUUID = meta.SourceUUID
	return nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.docColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = b.revColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "sequence", Value: -1}},
	})
	return err
}

func (b *Backend) UUID() string       { return b.uuid }
func (b *Backend) SourceUUID() string { return b.sourceUUID }

// nextSequence allocates the next sequence atomically via the counter in the
// meta document.
func (b *Backend) nextSequence(ctx context.Context) (storage.Sequence, error) {
	var meta metaDoc
	err := b.metaColl.FindOneAndUpdate(ctx,
		bson.M{"_id": metaDocID},
		bson.M{"$inc": bson.M{"last_sequence": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&meta)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return meta.LastSequence, nil
}

func (b *Backend) Get(ctx context.Context, docID string) (*storage.Document, error) {
	var doc storage.Document
	err := b.docColl.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *Backend) GetRevision(ctx context.Context, docID, revID string) (*storage.Document, error) {
	doc, err := b.Get(ctx, docID)
	if err == nil && doc.RevID == revID {
		return doc, nil
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	var rev revisionDoc
	err = b.revColl.FindOne(ctx, bson.M{"_id": docID + "@" + revID}).Decode(&rev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rev.Document, nil
}

func (b *Backend) Put(ctx context.Context, docID string, body map[string]interface{}) (*storage.Document, error) {
	prev, err := b.Get(ctx, docID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
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
	if err := b.store(ctx, doc, prev); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Backend) Delete(ctx context.Context, docID string) (*storage.Document, error) {
	prev, err := b.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc := &storage.Document{
		ID:          docID,
		RevID:       storage.NewRevID(prev.RevID, nil),
		ParentRevID: prev.RevID,
		Deleted:     true,
	}
	if err := b.store(ctx, doc, prev); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Backend) PutRevision(ctx context.Context, doc *storage.Document) error {
	prev, err := b.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
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
	return b.store(ctx, &d, prev)
}

// store assigns the next sequence, retires the previous revision into the
// revisions collection, and replaces the current document. The steps are not
// transactional: a crash in between leaves at worst an extra retained
// revision, which is harmless.
func (b *Backend) store(ctx context.Context, doc, prev *storage.Document) error {
	if prev != nil {
		rev := revisionDoc{
			ID:       prev.ID + "@" + prev.RevID,
			DocID:    prev.ID,
			Sequence: prev.Sequence,
			Document: *prev,
		}
		if _, err := b.revColl.InsertOne(ctx, rev); err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("retaining revision %s: %w", rev.ID, err)
		}
		if err := b.pruneRevisions(ctx, prev.ID); err != nil {
			return err
		}
	}
	seq, err := b.nextSequence(ctx)
	if err != nil {
		return err
	}
	doc.Sequence = seq
	doc.UpdatedAt = time.Now().UnixMilli()
	_, err = b.docColl.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing document %s: %w", doc.ID, err)
	}
	return nil
}

// pruneRevisions drops all but the newest revisionsRetained retained
// revisions of one document.
func (b *Backend) pruneRevisions(ctx context.Context, docID string) error {
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence", Value: -1}}).
		SetSkip(revisionsRetained).
		SetProjection(bson.M{"_id": 1})
	cursor, err := b.revColl.Find(ctx, bson.M{"doc_id": docID}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	var stale []string
	for cursor.Next(ctx) {
		var rev struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&rev); err != nil {
			return err
		}
		stale = append(stale, rev.ID)
	}
	if err := cursor.Err(); err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = b.revColl.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": stale}})
	return err
}

func (b *Backend) Changes(ctx context.Context, opts storage.ChangesOptions) ([]storage.Change, storage.Sequence, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if opts.Limit > 0 {
		// Limit bounds scanned entries so the caller's lastScanned can
		// advance past filtered-out documents.
		findOpts.SetLimit(int64(opts.Limit))
	}
	cursor, err := b.docColl.Find(ctx, bson.M{"sequence": bson.M{"$gt": opts.Since}}, findOpts)
	if err != nil {
		return nil, opts.Since, err
	}
	defer cursor.Close(ctx)

	var allowed map[string]bool
	if len(opts.DocIDs) > 0 {
		allowed = make(map[string]bool, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			allowed[id] = true
		}
	}

	var changes []storage.Change
	lastScanned := opts.Since
	for cursor.Next(ctx) {
		var doc storage.Document
		if err := cursor.Decode(&doc); err != nil {
			return nil, lastScanned, err
		}
		lastScanned = doc.Sequence
		if opts.SkipDeleted && doc.Deleted {
			continue
		}
		if opts.SkipForeign && doc.Foreign {
			continue
		}
		if allowed != nil && !allowed[doc.ID] {
			continue
		}
		changes = append(changes, changeFor(&doc))
	}
	return changes, lastScanned, cursor.Err()
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

func (b *Backend) LastSequence(ctx context.Context) (storage.Sequence, error) {
	var meta metaDoc
	err := b.metaColl.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&meta)
	if err != nil {
		return 0, err
	}
	return meta.LastSequence, nil
}

func (b *Backend) GetLocal(ctx context.Context, key string) ([]byte, error) {
	var doc localDoc
	err := b.localColl.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

func (b *Backend) PutLocal(ctx context.Context, key string, body []byte) error {
	_, err := b.localColl.ReplaceOne(ctx,
		bson.M{"_id": key},
		localDoc{ID: key, Body: body},
		options.Replace().SetUpsert(true),
	)
	return err
}

// Close stops the change-stream watcher. The mongo client itself is owned
// by the caller.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	stop := b.watchStop
	b.watchStop = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
