package replicator

import "time"

// Level is the externally visible connection state. The order matters:
// levels at or above LevelConnecting mean a connection attempt or session
// is active.
type Level int

const (
	LevelStopped Level = iota
	LevelOffline
	LevelConnecting
	LevelIdle
	LevelBusy
)

func (l Level) String() string {
	switch l {
	case LevelOffline:
		return "offline"
	case LevelConnecting:
		return "connecting"
	case LevelIdle:
		return "idle"
	case LevelBusy:
		return "busy"
	default:
		return "stopped"
	}
}

// Progress counts revisions handled by the current replication: Completed
// revisions acknowledged (or given up on) out of Total known so far.
type Progress struct {
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

// Status is the replicator's externally visible state. Err always carries
// the most recent terminal cause, even while a retry is in flight; Offline
// with an error attached is a normal, recoverable condition.
type Status struct {
	Level    Level    `json:"level"`
	Progress Progress `json:"progress"`
	Err      error    `json:"-"`
}

// Retry policy constants.
const (
	// maxOneShotRetryCount is the retry budget for non-continuous
	// replications hitting transient errors.
	maxOneShotRetryCount = 2

	// maxRetryDelay caps the exponential backoff. Only a continuous
	// replication will ever reach it.
	maxRetryDelay = 10 * time.Minute
)

// RetryDelay is the backoff schedule: min(2^n, cap) seconds for attempt n.
func RetryDelay(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	delay := time.Duration(uint64(1)<<uint(retryCount)) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
