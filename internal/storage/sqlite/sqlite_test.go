package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestBackend_PutGetDelete(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	doc, err := db.Put(ctx, "users/alice", map[string]interface{}{"name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, storage.Sequence(1), doc.Sequence)
	assert.Equal(t, 1, storage.RevIDGeneration(doc.RevID))
	assert.Empty(t, doc.ParentRevID)

	got, err := db.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.Equal(t, doc.RevID, got.RevID)
	assert.Equal(t, "alice", got.Body["name"])

	doc2, err := db.Put(ctx, "users/alice", map[string]interface{}{"name": "alice", "age": 30})
	require.NoError(t, err)
	assert.Equal(t, storage.Sequence(2), doc2.Sequence)
	assert.Equal(t, 2, storage.RevIDGeneration(doc2.RevID))
	assert.Equal(t, doc.RevID, doc2.ParentRevID)

	tomb, err := db.Delete(ctx, "users/alice")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, storage.Sequence(3), tomb.Sequence)

	got, err = db.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	_, err = db.Get(ctx, "users/nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = db.Delete(ctx, "users/nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBackend_GetRevision(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	doc1, err := db.Put(ctx, "doc", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	doc2, err := db.Put(ctx, "doc", map[string]interface{}{"v": 2})
	require.NoError(t, err)

	got, err := db.GetRevision(ctx, "doc", doc2.RevID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Body["v"])

	// The retained ancestor comes back from the revisions table.
	got, err = db.GetRevision(ctx, "doc", doc1.RevID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Body["v"])

	_, err = db.GetRevision(ctx, "doc", "99-nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBackend_RevisionRetentionCap(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	var revIDs []string
	for i := 0; i < revisionsRetained+3; i++ {
		doc, err := db.Put(ctx, "doc", map[string]interface{}{"v": i})
		require.NoError(t, err)
		revIDs = append(revIDs, doc.RevID)
	}

	_, err := db.GetRevision(ctx, "doc", revIDs[0])
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = db.GetRevision(ctx, "doc", revIDs[len(revIDs)-2])
	assert.NoError(t, err)
}

func TestBackend_PutRevision(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	rev := &storage.Document{
		ID:    "doc",
		RevID: "1-aaaa",
		Body:  map[string]interface{}{"v": float64(1)},
	}
	require.NoError(t, db.PutRevision(ctx, rev))

	got, err := db.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "1-aaaa", got.RevID)
	assert.True(t, got.Foreign)
	assert.Equal(t, storage.Sequence(1), got.Sequence)

	// Idempotent for the same revision.
	require.NoError(t, db.PutRevision(ctx, rev))
	last, _ := db.LastSequence(ctx)
	assert.Equal(t, storage.Sequence(1), last)

	child := &storage.Document{ID: "doc", RevID: "2-bbbb", ParentRevID: "1-aaaa",
		Body: map[string]interface{}{"v": float64(2)}}
	require.NoError(t, db.PutRevision(ctx, child))

	stranger := &storage.Document{ID: "doc", RevID: "2-cccc", ParentRevID: "1-zzzz"}
	assert.ErrorIs(t, db.PutRevision(ctx, stranger), model.ErrConflict)
}

func TestBackend_ChangesFilters(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "a", map[string]interface{}{})
	require.NoError(t, err)
	_, err = db.Put(ctx, "b", map[string]interface{}{})
	require.NoError(t, err)
	_, err = db.Delete(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, db.PutRevision(ctx, &storage.Document{ID: "c", RevID: "1-ffff"}))

	// Sequences now: b=2, a=3 (tombstone), c=4 (foreign).
	changes, lastScanned, err := db.Changes(ctx, storage.ChangesOptions{SkipDeleted: true, SkipForeign: true})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].DocID)
	assert.Equal(t, storage.Sequence(4), lastScanned, "filtered trailing entries still advance the scan")

	changes, _, err = db.Changes(ctx, storage.ChangesOptions{DocIDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].DocID)
	assert.True(t, changes[0].Deleted)

	changes, _, err = db.Changes(ctx, storage.ChangesOptions{Since: 3})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "c", changes[0].DocID)
	assert.True(t, changes[0].Foreign)
}

func TestBackend_ChangesLimit(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := db.Put(ctx, fmt.Sprintf("doc-%d", i), map[string]interface{}{})
		require.NoError(t, err)
	}

	changes, lastScanned, err := db.Changes(ctx, storage.ChangesOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, changes, 4)
	assert.Equal(t, storage.Sequence(4), lastScanned)

	changes, lastScanned, err = db.Changes(ctx, storage.ChangesOptions{Since: lastScanned})
	require.NoError(t, err)
	assert.Len(t, changes, 6)
	assert.Equal(t, storage.Sequence(10), lastScanned)
}

func TestBackend_ChangesLimitCountsFilteredEntries(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("gone-%d", i)
		_, err := db.Put(ctx, id, map[string]interface{}{})
		require.NoError(t, err)
		_, err = db.Delete(ctx, id)
		require.NoError(t, err)
	}
	_, err := db.Put(ctx, "live", map[string]interface{}{})
	require.NoError(t, err)

	// The window is all tombstones (sequences 4..6): nothing comes back,
	// but lastScanned moves so the caller can resume past them.
	changes, lastScanned, err := db.Changes(ctx, storage.ChangesOptions{SkipDeleted: true, Limit: 3})
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, storage.Sequence(6), lastScanned)

	changes, lastScanned, err = db.Changes(ctx, storage.ChangesOptions{SkipDeleted: true, Limit: 3, Since: lastScanned})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "live", changes[0].DocID)
	assert.Equal(t, storage.Sequence(7), lastScanned)
}

func TestBackend_ChangeListeners(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	var got []storage.Change
	token := db.AddChangeListener(func(ch storage.Change) {
		got = append(got, ch)
	})

	_, err := db.Put(ctx, "doc", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "doc", got[0].DocID)

	db.RemoveChangeListener(token)
	_, err = db.Put(ctx, "doc", map[string]interface{}{"v": 2})
	require.NoError(t, err)
	assert.Len(t, got, 1, "removed listeners see nothing")
}

func TestBackend_Locals(t *testing.T) {
	db := openTestBackend(t)
	ctx := context.Background()

	_, err := db.GetLocal(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, db.PutLocal(ctx, "k", []byte("v1")))
	got, err := db.GetLocal(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	changes, _, err := db.Changes(ctx, storage.ChangesOptions{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replix.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	id := db.UUID()
	doc, err := db.Put(ctx, "doc", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.NoError(t, db.PutLocal(ctx, "k", []byte("v")))
	require.NoError(t, db.Close(ctx))

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close(ctx)

	assert.Equal(t, id, db.UUID(), "identity persists across opens")
	got, err := db.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, doc.RevID, got.RevID)
	local, err := db.GetLocal(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), local)
	last, err := db.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Sequence(1), last)
}

func TestBackend_ResetIdentity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replix.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	defer db.Close(ctx)

	orig := db.UUID()
	require.Empty(t, db.SourceUUID())

	require.NoError(t, db.ResetIdentity(ctx))
	assert.NotEqual(t, orig, db.UUID())
	assert.Equal(t, orig, db.SourceUUID())
}
