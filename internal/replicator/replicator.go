// Package replicator implements the replication control plane: the
// connection lifecycle state machine, retry/backoff policy, checkpoint
// validation on connect, and overall status aggregation.
package replicator

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/codetrek/replix/internal/checkpoint"
	"github.com/codetrek/replix/internal/pusher"
	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/internal/transport"
	"github.com/codetrek/replix/pkg/model"
)

// DefaultAutosaveInterval is the debounce applied to checkpoint saves.
const DefaultAutosaveInterval = 5 * time.Second

// Options configures one replication.
type Options struct {
	// PeerURL is the transport address of the remote peer.
	PeerURL string

	// Continuous keeps replicating after catch-up, reacting to new local
	// changes, and retries transient failures indefinitely.
	Continuous bool

	// DocIDs optionally restricts replication to the listed documents.
	DocIDs []string

	SkipDeleted bool
	SkipForeign bool

	// AuthToken is presented to the peer during the hello exchange.
	AuthToken string

	// NoDeltas disables delta sends even if the peer supports them.
	NoDeltas bool

	// MaxRetries caps automatic retries of transient failures. Zero means
	// the mode default: unlimited for continuous, 2 for one-shot.
	MaxRetries int

	// AutosaveInterval overrides the checkpoint save debounce.
	AutosaveInterval time.Duration

	// Timeout bounds transport round trips.
	Timeout time.Duration

	// Pusher tuning; zero values use the pusher defaults.
	ChangeBatchSize     int
	MaxRevsInFlight     int
	MaxRevBytesInFlight int64

	// OnStatusChanged, when set, observes every status transition. It is
	// invoked from a dedicated goroutine in transition order.
	OnStatusChanged func(Status)

	// OnDocumentEnded, when set, observes per-revision terminal failures.
	OnDocumentEnded func(pusher.DocumentEnded)
}

// Replicator owns the single connection to a peer and orchestrates
// start/stop/retry/suspend around it. The checkpointer survives connection
// cycles unchanged; the pusher is rebuilt against each fresh connection.
// That asymmetry is what makes resumption correct.
type Replicator struct {
	db   storage.Backend
	tr   transport.Transport
	opts Options
	ckpt *checkpoint.Checkpointer

	// Lock order: this mutex before any component lock it calls into,
	// never the reverse. Blocking calls (dial, transport round trips,
	// pusher mailbox) happen outside it.
	mu            sync.Mutex
	status        Status
	gen           int // connection generation; stale async events are discarded
	conn          transport.Conn
	push          *pusher.Pusher
	retryCount    int
	retryTimer    *time.Timer
	willRetry     bool
	suspended     bool
	hostReachable bool
	stopping      bool
	pendingErr    error // pusher-fatal error to attach at disconnect

	statusc chan Status

	// retryDelayFn is swapped by tests to shrink the backoff schedule.
	retryDelayFn func(int) time.Duration
}

func New(db storage.Backend, tr transport.Transport, opts Options) *Replicator {
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = DefaultAutosaveInterval
	}
	r := &Replicator{
		db:   db,
		tr:   tr,
		opts: opts,
		ckpt: checkpoint.NewCheckpointer(checkpoint.Options{
			PeerURL: opts.PeerURL,
			DocIDs:  opts.DocIDs,
		}),
		status:        Status{Level: LevelStopped},
		hostReachable: true,
		statusc:       make(chan Status, 64),
		retryDelayFn:  RetryDelay,
	}
	go r.notifyLoop()
	return r
}

// Checkpointer exposes the progress record for pending-document queries.
func (r *Replicator) Checkpointer() *checkpoint.Checkpointer { return r.ckpt }

// Status returns a snapshot of the current status.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start opens the connection. It is a no-op while already connecting or
// connected, and resets the retry counter otherwise. Starting again after
// Stopped is permitted.
func (r *Replicator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Level >= LevelConnecting || r.stopping {
		return
	}
	r.retryCount = 0
	if r.status.Level == LevelStopped {
		// A new session counts its own progress from zero.
		r.status.Progress = Progress{}
	}
	r.restartLocked()
}

// Stop clears the suspended flag, cancels any scheduled retry, and tears
// down the active connection. It is a request, not a synchronous
// guarantee: the replicator reaches Stopped only once the transport
// reports closure.
func (r *Replicator) Stop() {
	r.mu.Lock()
	r.suspended = false
	r.cancelRetryLocked()
	conn := r.conn
	switch {
	case conn != nil:
		r.stopping = true
	case r.status.Level == LevelConnecting:
		// A dial is in flight; connect observes the flag and lands Stopped.
		r.stopping = true
	case r.status.Level != LevelStopped:
		r.setStatusLocked(r.status.Level, LevelStopped, r.status.Err)
	}
	r.mu.Unlock()

	if conn != nil {
		go func() {
			// Flush checkpoint progress while the connection is still usable.
			r.ckpt.Save()
			conn.Close(context.Background())
		}()
	}
}

// Retry attempts an immediate reconnection. It fails if the replicator is
// Stopped, and is a harmless no-op if a connection attempt is already in
// progress.
func (r *Replicator) Retry(resetCount bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resetCount {
		r.retryCount = 0
	}
	if r.status.Level >= LevelConnecting {
		return nil
	}
	if r.status.Level == LevelStopped {
		return model.ErrStopped
	}
	log.Printf("[Replicator] Retrying connection to %s (attempt #%d)...", r.opts.PeerURL, r.retryCount+1)
	r.restartLocked()
	return nil
}

// SetHostReachable feeds an external network-reachability signal. Becoming
// reachable while Offline (and not suspended) triggers an immediate retry;
// becoming unreachable cancels any scheduled one.
func (r *Replicator) SetHostReachable(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostReachable == reachable {
		return
	}
	r.hostReachable = reachable
	if reachable {
		log.Printf("[Replicator] Notified that host is now reachable")
		r.maybeScheduleRetryLocked()
	} else {
		log.Printf("[Replicator] Notified that host is now unreachable")
		r.cancelRetryLocked()
	}
}

// SetSuspended pauses or resumes the replication around application
// lifecycle events. Suspending cancels any scheduled retry and closes the
// live connection (landing in Offline); un-suspending re-evaluates whether
// a retry should run.
func (r *Replicator) SetSuspended(suspended bool) {
	r.mu.Lock()
	if r.suspended == suspended {
		r.mu.Unlock()
		return
	}
	r.suspended = suspended
	var conn transport.Conn
	if suspended {
		log.Printf("[Replicator] Suspended")
		r.cancelRetryLocked()
		conn = r.conn
	} else {
		log.Printf("[Replicator] Un-suspended")
		r.maybeScheduleRetryLocked()
	}
	r.mu.Unlock()

	if conn != nil {
		go conn.Close(context.Background())
	}
}

// restartLocked is the shared tail of Start and Retry.
func (r *Replicator) restartLocked() {
	r.cancelRetryLocked()
	r.gen++
	gen := r.gen
	r.setStatusLocked(r.status.Level, LevelConnecting, r.status.Err)
	go r.connect(gen)
}

func (r *Replicator) maybeScheduleRetryLocked() {
	if r.status.Level == LevelOffline && r.hostReachable && !r.suspended {
		r.retryCount = 0
		r.scheduleRetryLocked(0)
	}
}

func (r *Replicator) scheduleRetryLocked(delay time.Duration) {
	r.cancelRetryLocked()
	r.willRetry = true
	r.retryTimer = time.AfterFunc(delay, func() {
		// Retry no-ops unless still Offline, so a racing Start/Stop wins.
		if err := r.Retry(false); err != nil {
			log.Printf("[Replicator] Scheduled retry skipped: %v", err)
		}
	})
}

func (r *Replicator) cancelRetryLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.willRetry = false
}

func (r *Replicator) maxRetryCount() int {
	if r.opts.MaxRetries > 0 {
		return r.opts.MaxRetries
	}
	if r.opts.Continuous {
		return math.MaxInt
	}
	return maxOneShotRetryCount
}

// connect runs one connection attempt end to end: dial, hello, checkpoint
// agreement, pusher construction.
func (r *Replicator) connect(gen int) {
	dialCtx, cancel := r.callContext()
	conn, err := r.tr.Dial(dialCtx, r.opts.PeerURL, transport.Options{
		AuthToken: r.opts.AuthToken,
		Timeout:   r.opts.Timeout,
	})
	cancel()

	r.mu.Lock()
	if gen != r.gen || r.stopping || r.suspended {
		// A Stop or SetSuspended landed while the dial was in flight; it had
		// no connection to close, so discard the result here instead.
		stale := gen != r.gen
		r.mu.Unlock()
		if conn != nil {
			conn.Close(context.Background())
		}
		if !stale {
			r.handleDisconnect(gen, err)
		}
		return
	}
	if err != nil {
		r.mu.Unlock()
		r.handleDisconnect(gen, err)
		return
	}
	r.conn = conn
	r.mu.Unlock()

	deltasOK, err := r.handshake(conn)
	if err != nil {
		log.Printf("[Replicator] Handshake with %s failed: %v", r.opts.PeerURL, err)
		go conn.Close(context.Background())
		r.handleDisconnect(gen, err)
		return
	}

	r.mu.Lock()
	if gen != r.gen || r.stopping || r.suspended {
		r.mu.Unlock()
		go conn.Close(context.Background())
		r.handleDisconnect(gen, nil) // no-op if gen is stale
		return
	}
	r.retryCount = 0 // successful connection resets the backoff
	push := pusher.New(r.db, conn, r.ckpt, pusher.Options{
		Continuous:          r.opts.Continuous,
		DocIDs:              r.opts.DocIDs,
		SkipDeleted:         r.opts.SkipDeleted,
		SkipForeign:         r.opts.SkipForeign,
		DeltasOK:            deltasOK && !r.opts.NoDeltas,
		ChangeBatchSize:     r.opts.ChangeBatchSize,
		MaxRevsInFlight:     r.opts.MaxRevsInFlight,
		MaxRevBytesInFlight: r.opts.MaxRevBytesInFlight,
	}, pusher.Handlers{
		OnActivity:      func(a pusher.Activity) { r.pusherActivity(gen, a) },
		OnProgress:      func(c, t int64) { r.addProgress(c, t) },
		OnDocumentEnded: r.documentEnded,
		OnStopped:       func(err error) { r.pusherStopped(gen, err) },
	})
	r.push = push
	r.setStatusLocked(r.status.Level, LevelBusy, nil)
	r.mu.Unlock()

	r.ckpt.EnableAutosave(r.opts.AutosaveInterval, func(body []byte) {
		r.saveCheckpoint(body)
	})
	push.Start()
	go r.monitor(gen, conn)
}

// handshake exchanges hello and reconciles checkpoints with the peer.
func (r *Replicator) handshake(conn transport.Conn) (deltasOK bool, err error) {
	ctx, cancel := r.callContext()
	defer cancel()

	helloMsg, err := transport.NewMessage(transport.TypeHello, transport.HelloRequest{
		DatabaseUUID: r.db.UUID(),
		AuthToken:    r.opts.AuthToken,
		DeltasOK:     !r.opts.NoDeltas,
	})
	if err != nil {
		return false, err
	}
	reply, err := conn.Call(ctx, helloMsg)
	if err != nil {
		return false, err
	}
	if reply.Err != nil {
		return false, wireError(reply.Err)
	}
	var hello transport.HelloResponse
	if err := transport.DecodePayload(reply, &hello); err != nil {
		return false, transport.NewError(transport.ClassProtocol, err)
	}

	if err := r.ckpt.Read(ctx, r.db); err != nil {
		return false, err
	}

	getMsg, err := transport.NewMessage(transport.TypeGetCheckpoint, transport.CheckpointRequest{
		ID: r.ckpt.CheckpointID(),
	})
	if err != nil {
		return false, err
	}
	reply, err = conn.Call(ctx, getMsg)
	if err != nil {
		return false, err
	}
	if reply.Err != nil {
		return false, wireError(reply.Err)
	}
	var peerCkpt transport.CheckpointResponse
	if err := transport.DecodePayload(reply, &peerCkpt); err != nil {
		return false, transport.NewError(transport.ClassProtocol, err)
	}
	peerCopy := checkpoint.New()
	if err := peerCopy.ReadJSON(peerCkpt.Body); err != nil {
		log.Printf("[Replicator] Peer checkpoint unreadable, starting over: %v", err)
	}
	if !r.ckpt.ValidateWith(peerCopy) {
		log.Printf("[Replicator] Checkpoint mismatch with %s; replication starts over", r.opts.PeerURL)
	}
	return hello.DeltasOK, nil
}

// saveCheckpoint is the autosave callback: persist the snapshot on the peer
// first, then locally, so both copies stay byte-identical. Either failure
// leaves the prior durable checkpoint intact.
func (r *Replicator) saveCheckpoint(body []byte) {
	defer r.ckpt.SaveCompleted()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := r.callContext()
	defer cancel()

	msg, err := transport.NewMessage(transport.TypeSetCheckpoint, transport.CheckpointRequest{
		ID:   r.ckpt.CheckpointID(),
		Body: body,
	})
	if err != nil {
		log.Printf("[Replicator] Failed to encode checkpoint save: %v", err)
		return
	}
	reply, err := conn.Call(ctx, msg)
	if err != nil {
		log.Printf("[Replicator] Checkpoint save to peer failed: %v", err)
		return
	}
	if reply.Err != nil {
		log.Printf("[Replicator] Peer rejected checkpoint save: %v", reply.Err)
		return
	}
	if err := r.ckpt.Write(ctx, r.db, body); err != nil {
		log.Printf("[Replicator] Local checkpoint write failed: %v", err)
	}
}

// monitor waits for the connection to report closure.
func (r *Replicator) monitor(gen int, conn transport.Conn) {
	for ev := range conn.Events() {
		if ev.Type == transport.EventClosed {
			r.handleDisconnect(gen, ev.Err)
			return
		}
	}
	r.handleDisconnect(gen, nil)
}

func (r *Replicator) pusherActivity(gen int, a pusher.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.conn == nil {
		return
	}
	level := r.status.Level
	switch a {
	case pusher.ActivityBusy:
		level = LevelBusy
	case pusher.ActivityIdle:
		level = LevelIdle
	default:
		return
	}
	r.setStatusLocked(r.status.Level, level, r.status.Err)
}

func (r *Replicator) addProgress(completed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Progress.Completed += completed
	r.status.Progress.Total += total
	r.notifyLocked()
}

func (r *Replicator) documentEnded(ended pusher.DocumentEnded) {
	log.Printf("[Replicator] Document %q #%d failed permanently: %v", ended.DocID, ended.Sequence, ended.Err)
	if r.opts.OnDocumentEnded != nil {
		r.opts.OnDocumentEnded(ended)
	}
}

// pusherStopped handles the data plane finishing on its own: a completed
// one-shot push (err nil) or a storage failure (err non-nil). Either way
// the connection is closed gracefully after a final checkpoint save.
func (r *Replicator) pusherStopped(gen int, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.pendingErr = err
	}
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		r.ckpt.Save()
		conn.Close(context.Background())
	}
}

// handleDisconnect is the single point deciding retry-vs-surface for
// connection-level errors. It always records the terminal error in the
// status before any retry is scheduled.
func (r *Replicator) handleDisconnect(gen int, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.gen++ // invalidate any remaining events from this connection
	push := r.push
	r.push = nil
	r.conn = nil
	if err == nil && r.pendingErr != nil {
		err = r.pendingErr
	}
	r.pendingErr = nil
	stopping := r.stopping
	r.stopping = false
	suspended := r.suspended
	prev := r.status.Level

	switch {
	case suspended:
		r.setStatusLocked(prev, LevelOffline, err)

	case stopping, err == nil:
		r.setStatusLocked(prev, LevelStopped, err)

	default:
		transient := transport.IsTransient(err)
		networkDependent := transport.IsNetworkDependent(err)
		if !transient && !(r.opts.Continuous && networkDependent) {
			log.Printf("[Replicator] Permanent error; stopping: %v", err)
			r.setStatusLocked(prev, LevelStopped, err)
			break
		}
		if r.retryCount >= r.maxRetryCount() {
			log.Printf("[Replicator] Will not retry; max retry count (%d) reached", r.retryCount)
			r.setStatusLocked(prev, LevelStopped, err)
			break
		}
		r.setStatusLocked(prev, LevelOffline, err)
		if transient || r.hostReachable {
			r.retryCount++
			delay := r.retryDelayFn(r.retryCount)
			log.Printf("[Replicator] Transient error (%v); attempt #%d in %v...", err, r.retryCount+1, delay)
			r.scheduleRetryLocked(delay)
		} else {
			log.Printf("[Replicator] Network error (%v); will retry when host becomes reachable...", err)
		}
	}
	r.mu.Unlock()

	if push != nil {
		push.Stop()
	}
	r.ckpt.StopAutosave()
}

// setStatusLocked records a transition and queues the notification. The
// error is replaced only when a new cause is known; reaching a connected
// level or starting fresh clears it.
func (r *Replicator) setStatusLocked(prev, next Level, err error) {
	r.status.Level = next
	switch {
	case err != nil:
		r.status.Err = err
	case next >= LevelIdle:
		r.status.Err = nil
	case next == LevelConnecting && prev == LevelStopped:
		r.status.Err = nil
	}
	r.notifyLocked()
}

func (r *Replicator) notifyLocked() {
	if r.opts.OnStatusChanged == nil {
		return
	}
	select {
	case r.statusc <- r.status:
	default:
		// A slow observer loses intermediate transitions, never the latest:
		// drop the oldest queued status to make room.
		select {
		case <-r.statusc:
		default:
		}
		r.statusc <- r.status
	}
}

func (r *Replicator) notifyLoop() {
	for st := range r.statusc {
		if r.opts.OnStatusChanged != nil {
			r.opts.OnStatusChanged(st)
		}
	}
}

func (r *Replicator) callContext() (context.Context, context.CancelFunc) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// wireError maps a peer-reported failure to a classified transport error.
func wireError(werr *transport.WireError) error {
	class := transport.ClassProtocol
	switch {
	case werr.Code == "unauthorized":
		class = transport.ClassAuth
	case werr.Transient:
		class = transport.ClassTimeout
	}
	return transport.NewError(class, werr)
}
