package transport

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the payload size above which bodies are
// zstd-compressed. Small payloads (acks, checkpoint stubs) gain nothing.
const compressThreshold = 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// NewMessage encodes payload into a Message of the given type, compressing
// large payloads.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	msg := &Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	if len(raw) > compressThreshold {
		msg.Payload = zstdEncoder.EncodeAll(raw, nil)
		msg.Compressed = true
	} else {
		msg.Payload = raw
	}
	return msg, nil
}

// NewErrorMessage builds the reply for a failed request.
func NewErrorMessage(code, message string, transient bool) *Message {
	return &Message{Type: TypeError, Err: &WireError{Code: code, Message: message, Transient: transient}}
}

// DecodePayload decompresses (if needed) and unmarshals a message payload.
func DecodePayload(msg *Message, v interface{}) error {
	raw := msg.Payload
	if msg.Compressed {
		var err error
		raw, err = zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("decompressing %s payload: %w", msg.Type, err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return nil
}

// EncodeWire serializes a whole message for byte-oriented transports.
func EncodeWire(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeWire deserializes a message from its wire form.
func DecodeWire(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(ClassProtocol, fmt.Errorf("decoding message: %w", err))
	}
	return &msg, nil
}

// WireSize reports the encoded size of a message, used by the pusher's
// in-flight byte accounting.
func WireSize(msg *Message) int64 {
	raw, err := EncodeWire(msg)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
