package checkpoint

import (
	"log"
	"time"
)

// EnableAutosave arms the debounced save policy: starting from the first
// mutating call while the timer is idle, the callback is invoked with a
// serialized snapshot no sooner than interval after that first change, and
// not again until SaveCompleted is called.
func (c *Checkpointer) EnableAutosave(interval time.Duration, cb SaveCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveInterval = interval
	c.saveCallback = cb
	c.stopped = false
	if c.changed {
		c.armTimerLocked()
	}
}

// StopAutosave disarms the policy. It returns true if no further callback
// invocation can occur. The one exception is a save already in flight with
// changes queued behind it: that queued save will still be delivered after
// SaveCompleted, and StopAutosave returns false.
func (c *Checkpointer) StopAutosave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.disarmTimerLocked()
	return !(c.saving && (c.changed || c.overdue))
}

// Save triggers an immediate save if the checkpoint has unsaved changes.
// If a save is already in flight, one more is queued to run right after it
// completes. Returns whether a callback was (or will be) invoked.
func (c *Checkpointer) Save() bool {
	c.mu.Lock()
	body, ok := c.prepareSaveLocked()
	c.mu.Unlock()
	if body != nil {
		c.saveCallback(body)
	}
	return ok
}

// SaveCompleted must be called by the callback's owner once the snapshot is
// durably stored. If the checkpoint changed while the save was in flight,
// exactly one follow-up save runs immediately.
func (c *Checkpointer) SaveCompleted() {
	c.mu.Lock()
	c.saving = false
	runNow := c.overdue || c.changed
	c.overdue = false
	var body []byte
	if runNow {
		body, _ = c.prepareSaveLocked()
	}
	c.mu.Unlock()
	if body != nil {
		// On a fresh goroutine: the callback's owner calls SaveCompleted from
		// inside the save path, and a synchronous follow-up would recurse.
		go c.saveCallback(body)
	}
}

// IsUnsaved reports whether the checkpoint has changes not yet durably
// persisted.
func (c *Checkpointer) IsUnsaved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed || c.saving
}

// prepareSaveLocked transitions into the saving state and returns the
// snapshot to hand to the callback, or nil if no save should run now.
// The bool reports whether a save will happen at all (now or queued).
func (c *Checkpointer) prepareSaveLocked() ([]byte, bool) {
	if !c.changed || c.saveCallback == nil {
		return nil, false
	}
	if c.saving {
		// A snapshot is already being persisted; queue exactly one more.
		c.overdue = true
		return nil, true
	}
	body, err := c.checkpoint.ToJSON()
	if err != nil {
		log.Printf("[Checkpointer] Failed to serialize checkpoint: %v", err)
		return nil, false
	}
	c.disarmTimerLocked()
	c.changed = false
	c.saving = true
	return body, true
}

// noteChangeLocked records a mutation and arms the autosave timer if it is
// idle.
func (c *Checkpointer) noteChangeLocked() {
	c.changed = true
	if !c.stopped && c.saveCallback != nil {
		c.armTimerLocked()
	}
}

func (c *Checkpointer) armTimerLocked() {
	if c.timer != nil || c.saving {
		return
	}
	c.timer = time.AfterFunc(c.saveInterval, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.Save()
	})
}

func (c *Checkpointer) disarmTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
