// Package sqlite is the embedded storage backend, suitable for single-process
// deployments and edge nodes. Each write runs in one transaction that
// allocates the sequence, retires the previous revision, and replaces the
// document, so a crash never tears a change.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

// revisionsRetained is how many past revision bodies are kept per document
// for delta computation against ancestors the peer may still hold.
const revisionsRetained = 5

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	rev_id        TEXT NOT NULL,
	parent_rev_id TEXT NOT NULL DEFAULT '',
	sequence      INTEGER NOT NULL UNIQUE,
	deleted       INTEGER NOT NULL DEFAULT 0,
	foreign_rev   INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL,
	body          TEXT
);
CREATE INDEX IF NOT EXISTS documents_sequence ON documents (sequence);
CREATE TABLE IF NOT EXISTS revisions (
	doc_id   TEXT NOT NULL,
	rev_id   TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	deleted  INTEGER NOT NULL DEFAULT 0,
	body     TEXT,
	PRIMARY KEY (doc_id, rev_id)
);
CREATE TABLE IF NOT EXISTS locals (
	key  TEXT PRIMARY KEY,
	body BLOB
);
`

// Backend implements storage.Backend on a SQLite database file.
type Backend struct {
	db *sql.DB

	uuid       string
	sourceUUID string

	// One writer at a time; SQLite serializes writes anyway, and holding
	// the lock across the transaction keeps listener notifications in
	// sequence order.
	mu        sync.Mutex
	listeners map[int]func(storage.Change)
	nextToken int
}

// Open opens (or creates) the database at path. ":memory:" works for tests.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// The shared in-memory database disappears when the last conn closes;
	// a single conn also sidesteps SQLite's writer contention.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	b := &Backend{
		db:        db,
		listeners: make(map[int]func(storage.Change)),
	}
	if err := b.loadMeta(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) loadMeta(ctx context.Context) error {
	id, err := b.getMeta(ctx, "uuid")
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
		if err := b.setMeta(ctx, "uuid", id); err != nil {
			return err
		}
	}
	b.uuid = id
	b.sourceUUID, err = b.getMeta(ctx, "source_uuid")
	return err
}

// ResetIdentity gives a file-level copy its own identity: the current UUID
// becomes the source UUID and a fresh one is assigned. Call it once, right
// after copying the database file.
func (b *Backend) ResetIdentity(ctx context.Context) error {
	if err := b.setMeta(ctx, "source_uuid", b.uuid); err != nil {
		return err
	}
	id := uuid.NewString()
	if err := b.setMeta(ctx, "uuid", id); err != nil {
		return err
	}
	b.sourceUUID = b.uuid
	b.uuid = id
	return nil
}

func (b *Backend) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (b *Backend) setMeta(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (b *Backend) UUID() string       { return b.uuid }
func (b *Backend) SourceUUID() string { return b.sourceUUID }

func scanDocument(row interface{ Scan(...interface{}) error }) (*storage.Document, error) {
	var doc storage.Document
	var body sql.NullString
	err := row.Scan(&doc.ID, &doc.RevID, &doc.ParentRevID, &doc.Sequence,
		&doc.Deleted, &doc.Foreign, &doc.UpdatedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if body.Valid && body.String != "" {
		if err := json.Unmarshal([]byte(body.String), &doc.Body); err != nil {
			return nil, fmt.Errorf("decoding body of %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

const docColumns = `id, rev_id, parent_rev_id, sequence, deleted, foreign_rev, updated_at, body`

func (b *Backend) Get(ctx context.Context, docID string) (*storage.Document, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, docID)
	return scanDocument(row)
}

func (b *Backend) GetRevision(ctx context.Context, docID, revID string) (*storage.Document, error) {
	doc, err := b.Get(ctx, docID)
	if err == nil && doc.RevID == revID {
		return doc, nil
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	var body sql.NullString
	rev := storage.Document{ID: docID, RevID: revID}
	err = b.db.QueryRowContext(ctx,
		`SELECT sequence, deleted, body FROM revisions WHERE doc_id = ? AND rev_id = ?`,
		docID, revID).Scan(&rev.Sequence, &rev.Deleted, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if body.Valid && body.String != "" {
		if err := json.Unmarshal([]byte(body.String), &rev.Body); err != nil {
			return nil, fmt.Errorf("decoding revision %s of %s: %w", revID, docID, err)
		}
	}
	return &rev, nil
}

func (b *Backend) Put(ctx context.Context, docID string, body map[string]interface{}) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
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
	if err := b.storeLocked(ctx, doc, prev); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Backend) Delete(ctx context.Context, docID string) (*storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
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
	if err := b.storeLocked(ctx, doc, prev); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Backend) PutRevision(ctx context.Context, doc *storage.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
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
	return b.storeLocked(ctx, &d, prev)
}

// storeLocked runs the write transaction and notifies listeners after it
// commits.
func (b *Backend) storeLocked(ctx context.Context, doc, prev *storage.Document) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if prev != nil {
		prevBody, err := encodeBody(prev.Body)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO revisions (doc_id, rev_id, sequence, deleted, body)
			 VALUES (?, ?, ?, ?, ?)`,
			prev.ID, prev.RevID, prev.Sequence, prev.Deleted, prevBody)
		if err != nil {
			return fmt.Errorf("retaining revision %s of %s: %w", prev.RevID, prev.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM revisions WHERE doc_id = ? AND rev_id NOT IN (
				SELECT rev_id FROM revisions WHERE doc_id = ?
				ORDER BY sequence DESC LIMIT ?)`,
			prev.ID, prev.ID, revisionsRetained)
		if err != nil {
			return err
		}
	}

	var seq storage.Sequence
	err = tx.QueryRowContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_sequence', '1')
		 ON CONFLICT (key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
		 RETURNING CAST(value AS INTEGER)`).Scan(&seq)
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	doc.Sequence = seq
	doc.UpdatedAt = time.Now().UnixMilli()

	body, err := encodeBody(doc.Body)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (`+docColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			rev_id = excluded.rev_id, parent_rev_id = excluded.parent_rev_id,
			sequence = excluded.sequence, deleted = excluded.deleted,
			foreign_rev = excluded.foreign_rev, updated_at = excluded.updated_at,
			body = excluded.body`,
		doc.ID, doc.RevID, doc.ParentRevID, doc.Sequence, doc.Deleted,
		doc.Foreign, doc.UpdatedAt, body)
	if err != nil {
		return fmt.Errorf("writing document %s: %w", doc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	change := changeFor(doc)
	for _, fn := range b.listeners {
		fn(change)
	}
	return nil
}

func encodeBody(body map[string]interface{}) (sql.NullString, error) {
	if body == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
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
	query := `SELECT ` + docColumns + ` FROM documents WHERE sequence > ? ORDER BY sequence`
	args := []interface{}{opts.Since}
	if opts.Limit > 0 {
		// Limit bounds scanned entries so the caller's lastScanned can
		// advance past filtered-out documents.
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, opts.Since, err
	}
	defer rows.Close()

	var allowed map[string]bool
	if len(opts.DocIDs) > 0 {
		allowed = make(map[string]bool, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			allowed[id] = true
		}
	}

	var changes []storage.Change
	lastScanned := opts.Since
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
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
		changes = append(changes, changeFor(doc))
	}
	return changes, lastScanned, rows.Err()
}

func (b *Backend) LastSequence(ctx context.Context) (storage.Sequence, error) {
	value, err := b.getMeta(ctx, "last_sequence")
	if err != nil || value == "" {
		return 0, err
	}
	var seq storage.Sequence
	_, err = fmt.Sscanf(value, "%d", &seq)
	return seq, err
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
	var body []byte
	err := b.db.QueryRowContext(ctx, `SELECT body FROM locals WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return body, err
}

func (b *Backend) PutLocal(ctx context.Context, key string, body []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO locals (key, body) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET body = excluded.body`, key, body)
	return err
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Close()
}
