// Package sio implements the SMCP signaling bus: a namespace-scoped,
// room-aware event protocol with correlated acks, carried over WebSocket.
// The semantics follow Socket.IO (connect handshake with an auth payload,
// named events, ack-bearing requests, server-side rooms); the encoding is a
// single JSON frame per WebSocket text message.
package sio

import "encoding/json"

// frameType discriminates the frames exchanged on a connection.
type frameType string

const (
	// frameConnect is sent by the client to open a namespace. Data carries
	// the auth payload.
	frameConnect frameType = "connect"
	// frameConnected is the server's accept reply. SID carries the session id.
	frameConnected frameType = "connected"
	// frameConnectError is the server's reject reply; the connection is
	// closed immediately after.
	frameConnectError frameType = "connect_error"
	// frameEvent carries a named event. A nonzero AckID requests a
	// correlated ack from the receiver.
	frameEvent frameType = "event"
	// frameAck answers an event frame, echoing its AckID.
	frameAck frameType = "ack"
)

// frame is the single wire unit of the bus.
type frame struct {
	Type      frameType       `json:"type"`
	Namespace string          `json:"namespace,omitempty"`
	Event     string          `json:"event,omitempty"`
	AckID     uint64          `json:"ack_id,omitempty"`
	SID       string          `json:"sid,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func encodeFrame(f *frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(raw []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// marshalData encodes an event payload, tolerating nil (encoded as JSON null).
func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
