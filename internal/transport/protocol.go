package transport

import (
	"encoding/json"

	"github.com/codetrek/replix/internal/storage"
)

// Message types
const (
	TypeHello         = "hello"
	TypeGetCheckpoint = "getCheckpoint"
	TypeSetCheckpoint = "setCheckpoint"
	TypeRev           = "rev"
	TypeOK            = "ok"
	TypeError         = "error"
)

// Message is the envelope for everything on the wire. Payload is the
// JSON-encoded type-specific body, zstd-compressed when Compressed is set.
type Message struct {
	Type       string     `json:"type"`
	Payload    []byte     `json:"payload,omitempty"`
	Compressed bool       `json:"compressed,omitempty"`
	Err        *WireError `json:"error,omitempty"`
}

// WireError is a peer-reported failure for one request. Transient failures
// (backpressure, momentary overload) may be retried by the sender; the rest
// are terminal for that request only.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient,omitempty"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// HelloRequest opens a replication session.
type HelloRequest struct {
	DatabaseUUID string `json:"databaseUUID"`
	AuthToken    string `json:"authToken,omitempty"`
	DeltasOK     bool   `json:"deltasOK,omitempty"`
}

// HelloResponse advertises the peer's capabilities.
type HelloResponse struct {
	PeerUUID string `json:"peerUUID"`
	DeltasOK bool   `json:"deltasOK,omitempty"`
}

// CheckpointRequest reads or writes the peer's copy of a checkpoint.
type CheckpointRequest struct {
	ID   string `json:"id"`
	Body []byte `json:"body,omitempty"`
}

// CheckpointResponse carries the peer's stored checkpoint body; empty if
// the peer has none under that ID.
type CheckpointResponse struct {
	Body []byte `json:"body,omitempty"`
}

// RevMessage carries one outbound revision, either as a full body or as a
// delta against ParentRevID.
type RevMessage struct {
	DocID       string           `json:"docId"`
	RevID       string           `json:"revId"`
	ParentRevID string           `json:"parentRevId,omitempty"`
	Sequence    storage.Sequence `json:"sequence"`
	Deleted     bool             `json:"deleted,omitempty"`
	IsDelta     bool             `json:"isDelta,omitempty"`
	Body        json.RawMessage  `json:"body,omitempty"`
}
