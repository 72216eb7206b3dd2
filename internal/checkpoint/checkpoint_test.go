package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetrek/replix/internal/storage"
)

func init() {
	// Stable serialized output for comparisons.
	writeTimestamps = false
}

func TestCheckpoint_ProgressAdvancesThroughContiguousPrefix(t *testing.T) {
	c := New()
	c.AddPendingSequences([]storage.Sequence{1, 2, 3}, 1, 3)

	// Completing out of order must not advance past the gap.
	c.CompletedSequence(2)
	assert.Equal(t, storage.Sequence(0), c.LocalMinSequence())

	c.CompletedSequence(1)
	assert.Equal(t, storage.Sequence(2), c.LocalMinSequence())

	c.CompletedSequence(3)
	assert.Equal(t, storage.Sequence(3), c.LocalMinSequence())
	assert.Equal(t, 0, c.PendingCount())
}

func TestCheckpoint_ProgressNeverRegresses(t *testing.T) {
	c := New()
	c.AddPendingSequences([]storage.Sequence{1, 2}, 1, 2)
	c.CompletedSequence(1)
	c.CompletedSequence(2)
	require.Equal(t, storage.Sequence(2), c.LocalMinSequence())

	// A late re-add of an already-completed region can't move local back.
	c.AddPendingSequence(5)
	c.CompletedSequence(5)
	assert.Equal(t, storage.Sequence(5), c.LocalMinSequence())
}

func TestCheckpoint_EmptyBatchFastForwards(t *testing.T) {
	c := New()

	// A scan of (0, 50] that found nothing applicable completes the range.
	c.AddPendingSequences(nil, 1, 50)
	assert.Equal(t, storage.Sequence(50), c.LocalMinSequence())
	assert.False(t, c.IsSequencePending(50))
	assert.True(t, c.IsSequencePending(51))
}

func TestCheckpoint_IsSequencePending(t *testing.T) {
	c := New()
	require.NoError(t, c.ReadJSON([]byte(`{"local":100,"localPending":[102,1,104,2],"localMax":110}`)))

	assert.False(t, c.IsSequencePending(99), "below progress marker")
	assert.False(t, c.IsSequencePending(100), "at progress marker")
	assert.False(t, c.IsSequencePending(101), "scanned and completed")
	assert.True(t, c.IsSequencePending(102))
	assert.False(t, c.IsSequencePending(103))
	assert.True(t, c.IsSequencePending(104))
	assert.True(t, c.IsSequencePending(105))
	assert.False(t, c.IsSequencePending(110), "scanned and completed")
	assert.True(t, c.IsSequencePending(111), "never scanned")
}

func TestCheckpoint_JSONRoundTrip(t *testing.T) {
	c := New()
	require.NoError(t, c.ReadJSON([]byte(`{"local":100,"remote":"tok-7","localPending":[102,1,104,2],"localMax":110}`)))

	data, err := c.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"local":100,"remote":"tok-7","localPending":[102,1,104,2],"localMax":110}`, string(data))

	// localMax is omitted when the pending set's own maximum covers it.
	c2 := New()
	require.NoError(t, c2.ReadJSON([]byte(`{"local":3,"localPending":[4,2]}`)))
	data, err = c2.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"local":3,"localPending":[4,2]}`, string(data))
}

func TestCheckpoint_ReadJSONEmptyResets(t *testing.T) {
	c := New()
	c.AddPendingSequences([]storage.Sequence{1, 2}, 1, 2)
	c.SetRemoteMinSequence([]byte(`"tok"`))

	require.NoError(t, c.ReadJSON(nil))
	assert.Equal(t, storage.Sequence(0), c.LocalMinSequence())
	assert.Empty(t, c.RemoteMinSequence())
	assert.Equal(t, 0, c.PendingCount())
}

func TestCheckpoint_ReadJSONMalformed(t *testing.T) {
	c := New()
	assert.Error(t, c.ReadJSON([]byte(`{not json`)))
}

func TestCheckpoint_ValidateWith(t *testing.T) {
	t.Run("agreement", func(t *testing.T) {
		c := New()
		require.NoError(t, c.ReadJSON([]byte(`{"local":10,"remote":"tok"}`)))
		peer := New()
		require.NoError(t, peer.ReadJSON([]byte(`{"local":10,"remote":"tok"}`)))

		assert.True(t, c.ValidateWith(peer))
		assert.Equal(t, storage.Sequence(10), c.LocalMinSequence())
	})

	t.Run("local mismatch resets push progress", func(t *testing.T) {
		c := New()
		require.NoError(t, c.ReadJSON([]byte(`{"local":10,"remote":"tok","localPending":[12,2]}`)))
		peer := New()
		require.NoError(t, peer.ReadJSON([]byte(`{"local":7,"remote":"tok"}`)))

		assert.False(t, c.ValidateWith(peer))
		assert.Equal(t, storage.Sequence(0), c.LocalMinSequence())
		assert.Equal(t, 0, c.PendingCount())
		// The remote token agreed and survives.
		assert.Equal(t, []byte(`"tok"`), []byte(c.RemoteMinSequence()))
	})

	t.Run("remote mismatch resets pull token only", func(t *testing.T) {
		c := New()
		require.NoError(t, c.ReadJSON([]byte(`{"local":10,"remote":"tok"}`)))
		peer := New()
		require.NoError(t, peer.ReadJSON([]byte(`{"local":10,"remote":"other"}`)))

		assert.False(t, c.ValidateWith(peer))
		assert.Equal(t, storage.Sequence(10), c.LocalMinSequence())
		assert.Empty(t, c.RemoteMinSequence())
	})

	t.Run("fresh checkpoint matches anything", func(t *testing.T) {
		c := New()
		peer := New()
		require.NoError(t, peer.ReadJSON([]byte(`{"local":99,"remote":"tok"}`)))

		assert.True(t, c.ValidateWith(peer))
	})
}

func TestCheckpoint_SetRemoteMinSequence(t *testing.T) {
	c := New()
	assert.True(t, c.SetRemoteMinSequence([]byte(`"a"`)))
	assert.False(t, c.SetRemoteMinSequence([]byte(`"a"`)), "unchanged token reports false")
	assert.True(t, c.SetRemoteMinSequence([]byte(`"b"`)))
	assert.Equal(t, []byte(`"b"`), []byte(c.RemoteMinSequence()))
}
