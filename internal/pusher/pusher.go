// Package pusher implements the outbound data plane of a replication: it
// turns local database changes into revision messages, subject to
// flow-control ceilings, and reports completions to the checkpointer.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/codetrek/replix/internal/checkpoint"
	"github.com/codetrek/replix/internal/delta"
	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/internal/transport"
	"github.com/codetrek/replix/pkg/model"
)

// Tuning defaults. Count and bytes are independent ceilings: many small
// documents are throttled by the first, a few huge ones by the second.
const (
	DefaultChangeBatchSize     = 200
	DefaultMaxRevsInFlight     = 10
	DefaultMaxRevBytesInFlight = 100 * 1024
)

// mailboxSize bounds the actor's command queue.
const mailboxSize = 1024

// Activity is the pusher's contribution to the replicator's overall status.
type Activity int

const (
	ActivityStopped Activity = iota
	ActivityIdle
	ActivityBusy
)

func (a Activity) String() string {
	switch a {
	case ActivityIdle:
		return "idle"
	case ActivityBusy:
		return "busy"
	default:
		return "stopped"
	}
}

// Options configures one push direction.
type Options struct {
	// Continuous keeps the pusher live after the backlog drains, reacting
	// to new change notifications. One-shot pushers stop after catch-up.
	Continuous bool

	// DocIDs optionally restricts the push to the listed documents.
	DocIDs []string

	// SkipDeleted excludes tombstones from the push.
	SkipDeleted bool

	// SkipForeign excludes revisions that themselves arrived by
	// replication, preventing echo in bidirectional setups.
	SkipForeign bool

	// DeltasOK enables delta sends; set from the peer's hello response.
	DeltasOK bool

	ChangeBatchSize     int
	MaxRevsInFlight     int
	MaxRevBytesInFlight int64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ChangeBatchSize <= 0 {
		opts.ChangeBatchSize = DefaultChangeBatchSize
	}
	if opts.MaxRevsInFlight <= 0 {
		opts.MaxRevsInFlight = DefaultMaxRevsInFlight
	}
	if opts.MaxRevBytesInFlight <= 0 {
		opts.MaxRevBytesInFlight = DefaultMaxRevBytesInFlight
	}
	return opts
}

// DocumentEnded reports the terminal failure of a single revision. The
// push continues without it.
type DocumentEnded struct {
	DocID    string
	RevID    string
	Sequence storage.Sequence
	Err      error
}

// Handlers are the pusher's upward callbacks. They run on the pusher's
// actor goroutine (OnStopped on its own goroutine) and must not block.
type Handlers struct {
	OnActivity      func(Activity)
	OnProgress      func(completedDelta, totalDelta int64)
	OnDocumentEnded func(DocumentEnded)
	// OnStopped fires once, when the pusher has stopped. A nil error means
	// the one-shot push completed; non-nil means a storage failure aborted it.
	OnStopped func(err error)
}

// errObsolete marks a revision that was superseded between the change scan
// and the send; its sequence completes quietly.
var errObsolete = errors.New("revision obsolete")

// revToSend is one unit of push work, owned exclusively by the pusher
// while in flight.
type revToSend struct {
	storage.Change
	retries       int
	noDelta       bool // set after the peer rejected a delta for this rev
	reservedBytes int64
}

type runState int

const (
	stateStopped runState = iota
	stateStarting
	stateCatchingUp
	stateLive
)

// Pusher runs as an actor: all state below the handlers is owned by the
// run goroutine and mutated only through the mailbox.
type Pusher struct {
	db       storage.Backend
	conn     transport.Conn
	ckpt     *checkpoint.Checkpointer
	opts     Options
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan func()
	done    chan struct{}

	// Actor-owned state.
	state            runState
	caughtUp         bool
	gettingChanges   bool
	lastSequenceRead storage.Sequence
	revsToSend       []*revToSend
	revsInFlight     int
	bytesInFlight    int64
	liveBuf          map[storage.Sequence]storage.Change
	listenerToken    int
	lastActivity     Activity
}

func New(db storage.Backend, conn transport.Conn, ckpt *checkpoint.Checkpointer, opts Options, handlers Handlers) *Pusher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		db:           db,
		conn:         conn,
		ckpt:         ckpt,
		opts:         opts.withDefaults(),
		handlers:     handlers,
		ctx:          ctx,
		cancel:       cancel,
		mailbox:      make(chan func(), mailboxSize),
		done:         make(chan struct{}),
		liveBuf:      make(map[storage.Sequence]storage.Change),
		lastActivity: ActivityStopped,
	}
}

// Start begins the push: a backlog scan since the checkpoint's progress
// marker, then (continuous mode) live change tracking.
func (p *Pusher) Start() {
	go p.run()
	p.enqueue(p.start)
}

// Stop requests the pusher to stop. In-flight sends are abandoned; their
// acknowledgments, if any arrive, are dropped.
func (p *Pusher) Stop() {
	p.enqueue(func() { p.stopInternal(nil) })
}

// enqueue posts fn to the actor. Commands posted after stop are dropped.
func (p *Pusher) enqueue(fn func()) {
	select {
	case p.mailbox <- fn:
	case <-p.done:
	}
}

func (p *Pusher) run() {
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.mailbox:
			fn()
			select {
			case <-p.done:
				return
			default:
			}
			p.updateActivity()
		}
	}
}

func (p *Pusher) start() {
	if p.state != stateStopped {
		return
	}
	p.state = stateStarting
	p.lastSequenceRead = p.ckpt.LocalMinSequence()
	if p.opts.Continuous {
		p.listenerToken = p.db.AddChangeListener(func(ch storage.Change) {
			p.enqueue(func() { p.gotLiveChange(ch) })
		})
	}
	log.Printf("[Pusher] Starting push from sequence %d", p.lastSequenceRead)
	p.state = stateCatchingUp
	p.getMoreChanges()
}

// getMoreChanges requests the next backlog batch from storage. At most one
// scan is in flight at a time.
func (p *Pusher) getMoreChanges() {
	if p.gettingChanges || p.state == stateStopped {
		return
	}
	p.gettingChanges = true
	since := p.lastSequenceRead
	opts := storage.ChangesOptions{
		Since:       since,
		Limit:       p.opts.ChangeBatchSize,
		DocIDs:      p.opts.DocIDs,
		SkipDeleted: p.opts.SkipDeleted,
		SkipForeign: p.opts.SkipForeign,
	}
	go func() {
		changes, lastScanned, err := p.db.Changes(p.ctx, opts)
		p.enqueue(func() { p.gotChanges(changes, since, lastScanned, err) })
	}()
}

func (p *Pusher) gotChanges(changes []storage.Change, since, lastScanned storage.Sequence, err error) {
	p.gettingChanges = false
	if p.state == stateStopped {
		return
	}
	if err != nil {
		log.Printf("[Pusher] Changes scan failed: %v", err)
		p.stopInternal(fmt.Errorf("reading changes since %d: %w", since, err))
		return
	}
	if lastScanned < since {
		lastScanned = since
	}

	seqs := make([]storage.Sequence, len(changes))
	for i, ch := range changes {
		seqs[i] = ch.Sequence
	}
	// Register the whole scanned range: an empty batch fast-forwards the
	// checkpoint through sequences with nothing applicable to push.
	p.ckpt.AddPendingSequences(seqs, since+1, lastScanned)
	p.lastSequenceRead = lastScanned

	for i := range changes {
		p.revsToSend = append(p.revsToSend, &revToSend{Change: changes[i]})
	}
	if len(changes) > 0 && p.handlers.OnProgress != nil {
		p.handlers.OnProgress(0, int64(len(changes)))
	}

	if lastScanned > since {
		// The window held entries, even if the filters dropped every one of
		// them; keep scanning until a window comes back empty. Stopping on a
		// short batch would strand applicable documents past a stretch of
		// filtered ones.
		p.getMoreChanges()
	} else if !p.caughtUp {
		p.caughtUp = true
		log.Printf("[Pusher] Caught up with backlog at sequence %d", p.lastSequenceRead)
		if p.opts.Continuous {
			p.state = stateLive
			p.flushLiveBuffer()
		}
	}

	p.maybeSendMoreRevs()
	p.checkDone()
}

// gotLiveChange feeds a change notification into the same queuing path the
// backlog uses. Notifications may arrive out of order; they are buffered
// and released in contiguous sequence order.
func (p *Pusher) gotLiveChange(ch storage.Change) {
	if p.state == stateStopped {
		return
	}
	if !p.caughtUp {
		// The backlog scan will cover anything up to its final sequence;
		// buffer the rest until catch-up completes.
		p.liveBuf[ch.Sequence] = ch
		return
	}
	if ch.Sequence <= p.lastSequenceRead {
		return // already scanned or pushed
	}
	p.liveBuf[ch.Sequence] = ch
	p.flushLiveBuffer()
	p.maybeSendMoreRevs()
}

// flushLiveBuffer releases buffered changes in sequence order, starting at
// the expected next sequence.
func (p *Pusher) flushLiveBuffer() {
	for seq := range p.liveBuf {
		if seq <= p.lastSequenceRead {
			delete(p.liveBuf, seq)
		}
	}
	for {
		next := p.lastSequenceRead + 1
		ch, ok := p.liveBuf[next]
		if !ok {
			return
		}
		delete(p.liveBuf, next)
		p.lastSequenceRead = next
		p.acceptLiveChange(ch)
	}
}

func (p *Pusher) acceptLiveChange(ch storage.Change) {
	switch {
	case !p.ckpt.IsDocumentIDAllowed(ch.DocID),
		p.opts.SkipDeleted && ch.Deleted,
		p.opts.SkipForeign && ch.Foreign:
		// Not applicable: fast-forward the checkpoint past it.
		p.ckpt.AddPendingSequences(nil, ch.Sequence, ch.Sequence)
		return
	}
	p.ckpt.AddPendingSequence(ch.Sequence)
	p.revsToSend = append(p.revsToSend, &revToSend{Change: ch})
	if p.handlers.OnProgress != nil {
		p.handlers.OnProgress(0, 1)
	}
}

// maybeSendMoreRevs dispatches queued revisions while both flow-control
// ceilings have room.
func (p *Pusher) maybeSendMoreRevs() {
	for len(p.revsToSend) > 0 &&
		p.revsInFlight < p.opts.MaxRevsInFlight &&
		p.bytesInFlight < p.opts.MaxRevBytesInFlight &&
		p.state != stateStopped {
		rev := p.revsToSend[0]
		p.revsToSend = p.revsToSend[1:]
		p.sendRevision(rev)
	}
}

func (p *Pusher) sendRevision(rev *revToSend) {
	rev.reservedBytes = rev.BodySize
	if rev.reservedBytes <= 0 {
		rev.reservedBytes = 1
	}
	p.revsInFlight++
	p.bytesInFlight += rev.reservedBytes
	go p.buildAndSend(rev)
}

// buildAndSend runs off the actor: it fetches the body, encodes the message
// (delta if possible), and posts the result back through the mailbox.
func (p *Pusher) buildAndSend(rev *revToSend) {
	msg, err := p.buildRevMessage(rev)
	if err != nil {
		p.enqueue(func() { p.revDone(rev, nil, err) })
		return
	}
	// The reservation made at dispatch was an estimate from the change
	// entry; correct it to the encoded size now that the message exists.
	if size := transport.WireSize(msg); size > 0 {
		p.enqueue(func() {
			p.bytesInFlight += size - rev.reservedBytes
			rev.reservedBytes = size
		})
	}
	p.conn.Send(msg, func(reply *transport.Message, err error) {
		p.enqueue(func() { p.revDone(rev, reply, err) })
	})
}

func (p *Pusher) buildRevMessage(rev *revToSend) (*transport.Message, error) {
	payload := transport.RevMessage{
		DocID:    rev.DocID,
		RevID:    rev.RevID,
		Sequence: rev.Sequence,
		Deleted:  rev.Deleted,
	}

	var body map[string]interface{}
	if !rev.Deleted {
		doc, err := p.db.Get(p.ctx, rev.DocID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, errObsolete
		}
		if err != nil {
			return nil, err
		}
		if doc.RevID != rev.RevID {
			// The document moved on; its newer change carries its own sequence.
			return nil, errObsolete
		}
		payload.ParentRevID = doc.ParentRevID
		body = doc.Body
	}

	if p.opts.DeltasOK && !rev.noDelta && !rev.Deleted && payload.ParentRevID != "" {
		if raw, ok := p.tryDelta(rev.DocID, payload.ParentRevID, body); ok {
			payload.IsDelta = true
			payload.Body = raw
			return transport.NewMessage(transport.TypeRev, payload)
		}
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload.Body = raw
	}
	return transport.NewMessage(transport.TypeRev, payload)
}

// tryDelta attempts a delta against the parent revision. Every failure is
// a fallback to the full body, never an error.
func (p *Pusher) tryDelta(docID, parentRevID string, body map[string]interface{}) (json.RawMessage, bool) {
	ancestor, err := p.db.GetRevision(p.ctx, docID, parentRevID)
	if err != nil {
		return nil, false
	}
	raw, err := delta.Create(ancestor.Body, body)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (p *Pusher) revDone(rev *revToSend, reply *transport.Message, err error) {
	p.revsInFlight--
	p.bytesInFlight -= rev.reservedBytes
	if p.state == stateStopped {
		return
	}

	switch {
	case errors.Is(err, errObsolete):
		p.completeRev(rev, nil)

	case err == nil && reply != nil && reply.Err == nil:
		p.completeRev(rev, nil)

	case err == nil && reply != nil && reply.Err.Code == "missing_ancestor" && !rev.noDelta:
		// The peer lacks the delta's ancestor; resend as a full body.
		rev.noDelta = true
		p.requeueFront(rev)

	default:
		var transient bool
		var cause error
		if err != nil {
			transient = transport.IsTransient(err)
			cause = err
		} else {
			transient = reply.Err.Transient
			cause = reply.Err
		}
		if transient && rev.retries < 1 {
			rev.retries++
			log.Printf("[Pusher] Transient failure sending %q #%d, retrying once: %v", rev.DocID, rev.Sequence, cause)
			p.requeueFront(rev)
			break
		}
		// Terminal for this revision only: report it, release its
		// sequence so the checkpoint can advance, and keep going.
		log.Printf("[Pusher] Giving up on %q #%d: %v", rev.DocID, rev.Sequence, cause)
		p.completeRev(rev, cause)
	}

	p.maybeSendMoreRevs()
	p.checkDone()
}

func (p *Pusher) completeRev(rev *revToSend, failure error) {
	if failure != nil && p.handlers.OnDocumentEnded != nil {
		p.handlers.OnDocumentEnded(DocumentEnded{
			DocID:    rev.DocID,
			RevID:    rev.RevID,
			Sequence: rev.Sequence,
			Err:      failure,
		})
	}
	p.ckpt.CompletedSequence(rev.Sequence)
	if p.handlers.OnProgress != nil {
		p.handlers.OnProgress(1, 0)
	}
}

func (p *Pusher) requeueFront(rev *revToSend) {
	p.revsToSend = append([]*revToSend{rev}, p.revsToSend...)
}

// checkDone stops a one-shot push once the backlog is fully drained.
func (p *Pusher) checkDone() {
	if p.opts.Continuous || !p.caughtUp {
		return
	}
	if p.gettingChanges || p.revsInFlight > 0 || len(p.revsToSend) > 0 {
		return
	}
	log.Printf("[Pusher] One-shot push complete at sequence %d", p.lastSequenceRead)
	p.stopInternal(nil)
}

func (p *Pusher) stopInternal(err error) {
	if p.state == stateStopped {
		return
	}
	p.state = stateStopped
	if p.listenerToken != 0 {
		p.db.RemoveChangeListener(p.listenerToken)
		p.listenerToken = 0
	}
	p.cancel()
	close(p.done)
	if p.handlers.OnActivity != nil {
		p.handlers.OnActivity(ActivityStopped)
	}
	p.lastActivity = ActivityStopped
	if p.handlers.OnStopped != nil {
		go p.handlers.OnStopped(err)
	}
}

// updateActivity derives the activity level rather than storing it: busy
// iff any fetch or send is in flight or queued.
func (p *Pusher) updateActivity() {
	if p.state == stateStopped {
		return
	}
	level := ActivityIdle
	if p.gettingChanges || p.revsInFlight > 0 || len(p.revsToSend) > 0 || !p.caughtUp {
		level = ActivityBusy
	}
	if level != p.lastActivity {
		p.lastActivity = level
		if p.handlers.OnActivity != nil {
			p.handlers.OnActivity(level)
		}
	}
}
