package checkpoint

import (
	"bytes"
	"encoding/json"
	"log"
	"time"

	"github.com/codetrek/replix/internal/storage"
)

// writeTimestamps controls whether serialized checkpoints carry a "time"
// property. Tests disable it to get stable output.
var writeTimestamps = true

// Checkpoint tracks replication progress: which local sequences have been
// pushed and which haven't.
//
// The push state is a set of sequences represented as three values:
//   - local: all sequences <= local are known to have been pushed.
//   - max: all sequences > max have not been seen by the pusher.
//   - pending: sequences in (local, max] that are known but not yet pushed.
//
// The pull state is a single opaque token assigned by the peer. It orders
// the same way local does ("this and everything earlier has been pulled")
// but is not interpreted here; the pull side owns it.
type Checkpoint struct {
	local   storage.Sequence
	pending *SequenceSet
	remote  json.RawMessage
}

func New() *Checkpoint {
	return &Checkpoint{pending: NewSequenceSet()}
}

// checkpointJSON is the persisted form. localPending holds (first, count)
// pairs describing the runs of still-pending sequences, so a sparse pending
// set survives a restart without forcing a full re-scan.
type checkpointJSON struct {
	Local        storage.Sequence   `json:"local,omitempty"`
	Remote       json.RawMessage    `json:"remote,omitempty"`
	Time         int64              `json:"time,omitempty"`
	LocalPending []storage.Sequence `json:"localPending,omitempty"`
	LocalMax     storage.Sequence   `json:"localMax,omitempty"`
}

// ReadJSON replaces the checkpoint's state with the serialized state in
// data. An empty data slice resets it.
func (c *Checkpoint) ReadJSON(data []byte) error {
	c.local = 0
	c.remote = nil
	c.pending = NewSequenceSet()
	if len(data) == 0 {
		return nil
	}
	var j checkpointJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	c.local = j.Local
	c.remote = j.Remote
	c.pending.Clear(j.Local)
	for i := 0; i+1 < len(j.LocalPending); i += 2 {
		first := j.LocalPending[i]
		count := j.LocalPending[i+1]
		if count > 0 {
			c.pending.AddRange(first, first+count-1)
		}
	}
	if j.LocalMax > c.pending.MaxEver() {
		c.pending.Seen(j.LocalMax)
	}
	return nil
}

// ToJSON serializes the checkpoint.
func (c *Checkpoint) ToJSON() ([]byte, error) {
	j := checkpointJSON{
		Local:  c.local,
		Remote: c.remote,
	}
	if writeTimestamps {
		j.Time = time.Now().Unix()
	}
	if !c.pending.Empty() {
		c.pending.Ranges(func(first, last storage.Sequence) {
			j.LocalPending = append(j.LocalPending, first, last-first+1)
		})
		if c.pending.MaxEver() > c.pending.Last() {
			j.LocalMax = c.pending.MaxEver()
		}
	}
	return json.Marshal(j)
}

// ValidateWith compares this checkpoint with the peer's copy. On a local
// progress mismatch the local marker resets to zero, forcing a redundant
// re-push rather than silently skipping data; on a remote token mismatch the
// token resets to empty. Returns whether both sides agreed.
func (c *Checkpoint) ValidateWith(peer *Checkpoint) bool {
	match := true
	if c.local > 0 && c.local != peer.local {
		log.Printf("[Checkpoint] Local sequence mismatch: I had %d, peer had %d", c.local, peer.local)
		c.local = 0
		c.pending.Clear(0)
		match = false
	}
	if len(c.remote) > 0 && !bytes.Equal(c.remote, peer.remote) {
		log.Printf("[Checkpoint] Remote token mismatch: I had %q, peer had %q", c.remote, peer.remote)
		c.remote = nil
		match = false
	}
	return match
}

// LocalMinSequence is the highest contiguous pushed sequence: everything at
// or below it has been pushed (or determined not applicable).
func (c *Checkpoint) LocalMinSequence() storage.Sequence { return c.local }

// RemoteMinSequence is the peer-assigned pull progress token.
func (c *Checkpoint) RemoteMinSequence() json.RawMessage { return c.remote }

// SetRemoteMinSequence updates the pull progress token, reporting whether it
// changed.
func (c *Checkpoint) SetRemoteMinSequence(token json.RawMessage) bool {
	if bytes.Equal(token, c.remote) {
		return false
	}
	c.remote = append(json.RawMessage(nil), token...)
	return true
}

// IsSequencePending reports whether seq still awaits a completed push.
func (c *Checkpoint) IsSequencePending(seq storage.Sequence) bool {
	return seq > c.local && (seq > c.pending.MaxEver() || c.pending.Contains(seq))
}

// AddPendingSequence registers one sequence read from storage as awaiting
// push. It cannot advance the progress marker.
func (c *Checkpoint) AddPendingSequence(seq storage.Sequence) {
	c.pending.Add(seq)
}

// AddPendingSequences registers a batch of sequences scanned from the range
// (rangeStart, rangeEnd]. An empty batch asserts the whole range contained
// nothing applicable, fast-forwarding the progress marker through it.
func (c *Checkpoint) AddPendingSequences(seqs []storage.Sequence, rangeStart, rangeEnd storage.Sequence) {
	_ = rangeStart // range is contiguous from the previous MaxEver; kept for the caller's contract
	if rangeEnd > c.pending.MaxEver() {
		c.pending.Seen(rangeEnd)
	}
	if len(seqs) == 0 {
		c.updateLocalFromPending()
		return
	}
	for _, seq := range seqs {
		c.pending.Add(seq)
	}
}

// CompletedSequence marks one sequence as pushed, advancing the progress
// marker through any now-exposed contiguous prefix.
func (c *Checkpoint) CompletedSequence(seq storage.Sequence) {
	c.pending.Remove(seq)
	c.updateLocalFromPending()
}

// PendingCount is the number of sequences still awaiting completion.
func (c *Checkpoint) PendingCount() int { return c.pending.Size() }

func (c *Checkpoint) updateLocalFromPending() {
	if lastComplete := c.pending.LastComplete(); lastComplete > c.local {
		c.local = lastComplete
	}
}
