package pusher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetrek/replix/internal/checkpoint"
	"github.com/codetrek/replix/internal/peer"
	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/internal/storage/memory"
	"github.com/codetrek/replix/internal/transport"
)

// harness wires a pusher to a remote memory backend over loopback.
type harness struct {
	t        *testing.T
	local    *memory.Backend
	remote   *memory.Backend
	ckpt     *checkpoint.Checkpointer
	conn     transport.Conn
	push     *Pusher
	stopped  chan error
	ended    chan DocumentEnded
	activity chan Activity
}

// newHarness builds the harness. intercept, when non-nil, wraps the remote
// peer's handler to observe or rewrite traffic.
func newHarness(t *testing.T, opts Options, intercept func(next transport.Responder, msg *transport.Message) *transport.Message) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		local:    memory.New(),
		remote:   memory.New(),
		ckpt:     checkpoint.NewCheckpointer(checkpoint.Options{PeerURL: "loopback://remote"}),
		stopped:  make(chan error, 1),
		ended:    make(chan DocumentEnded, 64),
		activity: make(chan Activity, 64),
	}
	remotePeer := peer.New(h.remote, peer.Options{})
	responder := transport.Responder(transport.ResponderFunc(func(ctx context.Context, msg *transport.Message) *transport.Message {
		return remotePeer.Handle(ctx, msg)
	}))
	if intercept != nil {
		inner := responder
		responder = transport.ResponderFunc(func(ctx context.Context, msg *transport.Message) *transport.Message {
			return intercept(inner, msg)
		})
	}
	lb := transport.NewLoopback(responder)
	conn, err := lb.Dial(context.Background(), "loopback://remote", transport.Options{})
	require.NoError(t, err)
	h.conn = conn

	h.push = New(h.local, conn, h.ckpt, opts, Handlers{
		OnActivity:      func(a Activity) { h.activity <- a },
		OnDocumentEnded: func(e DocumentEnded) { h.ended <- e },
		OnStopped:       func(err error) { h.stopped <- err },
	})
	return h
}

func (h *harness) putDocs(n int) {
	h.t.Helper()
	for i := 1; i <= n; i++ {
		_, err := h.local.Put(context.Background(), fmt.Sprintf("doc-%03d", i), map[string]interface{}{"n": i})
		require.NoError(h.t, err)
	}
}

func (h *harness) waitStopped() error {
	h.t.Helper()
	select {
	case err := <-h.stopped:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("pusher did not stop")
		return nil
	}
}

// waitRemote polls until the remote holds docID at revID.
func (h *harness) waitRemote(docID, revID string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := h.remote.Get(context.Background(), docID)
		if err == nil && doc.RevID == revID {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("remote never received %s", docID)
}

func TestPusher_OneShotPushesBacklog(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.putDocs(25)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	for i := 1; i <= 25; i++ {
		docID := fmt.Sprintf("doc-%03d", i)
		local, err := h.local.Get(context.Background(), docID)
		require.NoError(t, err)
		remote, err := h.remote.Get(context.Background(), docID)
		require.NoError(t, err)
		assert.Equal(t, local.RevID, remote.RevID)
		assert.True(t, remote.Foreign)
	}
	assert.Equal(t, storage.Sequence(25), h.ckpt.LocalMinSequence())
	assert.Equal(t, 0, h.ckpt.NumPendingDocs())
}

func TestPusher_OneShotEmptyBacklogStopsIdle(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.push.Start()
	require.NoError(t, h.waitStopped())
	assert.Equal(t, storage.Sequence(0), h.ckpt.LocalMinSequence())
}

func TestPusher_BatchedBacklogLargerThanBatchSize(t *testing.T) {
	h := newHarness(t, Options{ChangeBatchSize: 10}, nil)
	h.putDocs(35)

	h.push.Start()
	require.NoError(t, h.waitStopped())
	assert.Equal(t, storage.Sequence(35), h.ckpt.LocalMinSequence())
}

func TestPusher_ContinuousPushesLiveChanges(t *testing.T) {
	h := newHarness(t, Options{Continuous: true}, nil)
	h.putDocs(3)

	h.push.Start()

	// Live mutations after start flow through without another scan.
	doc, err := h.local.Put(context.Background(), "live-1", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	h.waitRemote("live-1", doc.RevID)

	doc2, err := h.local.Put(context.Background(), "live-1", map[string]interface{}{"v": 2})
	require.NoError(t, err)
	h.waitRemote("live-1", doc2.RevID)

	// The checkpoint catches up to the last live sequence.
	deadline := time.Now().Add(5 * time.Second)
	for h.ckpt.LocalMinSequence() != doc2.Sequence && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, doc2.Sequence, h.ckpt.LocalMinSequence())

	h.push.Stop()
	h.waitStopped()
}

func TestPusher_DocIDFilterFastForwardsCheckpoint(t *testing.T) {
	h := newHarness(t, Options{DocIDs: []string{"keep"}}, nil)
	ctx := context.Background()
	_, err := h.local.Put(ctx, "keep", map[string]interface{}{})
	require.NoError(t, err)
	_, err = h.local.Put(ctx, "skip", map[string]interface{}{})
	require.NoError(t, err)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	_, err = h.remote.Get(ctx, "keep")
	assert.NoError(t, err)
	_, err = h.remote.Get(ctx, "skip")
	assert.Error(t, err)
	// Filtered sequences complete too; nothing stays pending forever.
	assert.Equal(t, storage.Sequence(2), h.ckpt.LocalMinSequence())
}

func TestPusher_FilteredWindowDoesNotEndBacklog(t *testing.T) {
	// Enough tombstones to fill a whole scan window, then live documents
	// behind them. A scan that returns nothing must not be mistaken for the
	// end of the backlog.
	h := newHarness(t, Options{SkipDeleted: true, ChangeBatchSize: 3}, nil)
	ctx := context.Background()
	h.putDocs(3)
	for i := 1; i <= 3; i++ {
		_, err := h.local.Delete(ctx, fmt.Sprintf("doc-%03d", i))
		require.NoError(t, err)
	}
	// Tombstones now hold sequences 4..6; the live tail follows.
	d, err := h.local.Put(ctx, "d", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	e, err := h.local.Put(ctx, "e", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	got, err := h.remote.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, d.RevID, got.RevID)
	got, err = h.remote.Get(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, e.RevID, got.RevID)
	assert.Equal(t, e.Sequence, h.ckpt.LocalMinSequence())
	assert.Equal(t, 0, h.ckpt.NumPendingDocs())
}

func TestPusher_ByteCeilingLimitsInFlight(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	h := newHarness(t, Options{MaxRevBytesInFlight: 1}, func(next transport.Responder, msg *transport.Message) *transport.Message {
		if msg.Type != transport.TypeRev {
			return next.Handle(context.Background(), msg)
		}
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		reply := next.Handle(context.Background(), msg)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return reply
	})
	h.putDocs(5)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "a one-byte ceiling serializes sends")
	assert.Equal(t, storage.Sequence(5), h.ckpt.LocalMinSequence())
}

func TestPusher_DeltaFallsBackToFullBody(t *testing.T) {
	var mu sync.Mutex
	var deltas, fulls int
	h := newHarness(t, Options{DeltasOK: true}, func(next transport.Responder, msg *transport.Message) *transport.Message {
		if msg.Type == transport.TypeRev {
			var rev transport.RevMessage
			if err := transport.DecodePayload(msg, &rev); err == nil {
				mu.Lock()
				if rev.IsDelta {
					deltas++
				} else {
					fulls++
				}
				mu.Unlock()
			}
		}
		return next.Handle(context.Background(), msg)
	})

	// Two generations locally; the remote never saw generation 1, so the
	// delta's ancestor is missing there.
	ctx := context.Background()
	_, err := h.local.Put(ctx, "doc", map[string]interface{}{"v": 1, "pad": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"})
	require.NoError(t, err)
	doc2, err := h.local.Put(ctx, "doc", map[string]interface{}{"v": 2, "pad": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"})
	require.NoError(t, err)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	remote, err := h.remote.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, doc2.RevID, remote.RevID)
	assert.Equal(t, float64(2), remote.Body["v"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deltas, "one delta attempt")
	assert.Equal(t, 1, fulls, "one full-body fallback")
	assert.Equal(t, storage.Sequence(2), h.ckpt.LocalMinSequence())
}

func TestPusher_FailingDocumentDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Options{}, func(next transport.Responder, msg *transport.Message) *transport.Message {
		if msg.Type == transport.TypeRev {
			var rev transport.RevMessage
			if err := transport.DecodePayload(msg, &rev); err == nil && rev.DocID == "doc-002" {
				return transport.NewErrorMessage("forbidden", "not allowed", false)
			}
		}
		return next.Handle(context.Background(), msg)
	})
	h.putDocs(5)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	// The failure is reported but its sequence still completes.
	select {
	case ended := <-h.ended:
		assert.Equal(t, "doc-002", ended.DocID)
		assert.Equal(t, storage.Sequence(2), ended.Sequence)
		assert.Error(t, ended.Err)
	default:
		t.Fatal("expected a DocumentEnded report")
	}
	assert.Equal(t, storage.Sequence(5), h.ckpt.LocalMinSequence())

	_, err := h.remote.Get(context.Background(), "doc-002")
	assert.Error(t, err)
	_, err = h.remote.Get(context.Background(), "doc-005")
	assert.NoError(t, err)
}

func TestPusher_TransientFailureRetriedOnce(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	h := newHarness(t, Options{}, func(next transport.Responder, msg *transport.Message) *transport.Message {
		if msg.Type == transport.TypeRev {
			mu.Lock()
			attempts++
			first := attempts == 1
			mu.Unlock()
			if first {
				return transport.NewErrorMessage("busy", "overloaded", true)
			}
		}
		return next.Handle(context.Background(), msg)
	})
	h.putDocs(1)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, storage.Sequence(1), h.ckpt.LocalMinSequence())
	select {
	case <-h.ended:
		t.Fatal("retried revision should not be reported as ended")
	default:
	}
}

func TestPusher_PersistentTransientFailureGivesUp(t *testing.T) {
	h := newHarness(t, Options{}, func(next transport.Responder, msg *transport.Message) *transport.Message {
		if msg.Type == transport.TypeRev {
			return transport.NewErrorMessage("busy", "overloaded", true)
		}
		return next.Handle(context.Background(), msg)
	})
	h.putDocs(1)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	select {
	case ended := <-h.ended:
		assert.Equal(t, "doc-001", ended.DocID)
	default:
		t.Fatal("expected a DocumentEnded report")
	}
	// Giving up still completes the sequence so the backlog drains.
	assert.Equal(t, storage.Sequence(1), h.ckpt.LocalMinSequence())
}

func TestPusher_ActivityTransitions(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.putDocs(2)

	h.push.Start()
	require.NoError(t, h.waitStopped())

	var seen []Activity
	for {
		select {
		case a := <-h.activity:
			seen = append(seen, a)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, ActivityStopped, seen[len(seen)-1])
	assert.Contains(t, seen, ActivityBusy)
}
