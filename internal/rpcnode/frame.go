// Package rpcnode implements the node RPC layer (C5, spec.md §4.5): the
// websocket transport for the persistent per-node bidirectional
// channel, the session registry, and outbound event correlation.
//
// The wire protocol is a per-event JSON frame with an optional
// correlating event name, matching spec.md §6's "bidirectional
// event-oriented transport modelled on per-event JSON frames with
// optional ack callbacks". Generated protobuf/ConnectRPC stubs are not
// available to this module, so frames travel over a plain
// github.com/coder/websocket connection instead of a ConnectRPC bidi
// stream.
package rpcnode

import "encoding/json"

// Frame is the wire envelope for every message exchanged on the /node
// namespace in either direction (spec.md §4.5, §6).
type Frame struct {
	// Kind names the event, e.g. "RegisterNode", "InstructQuery",
	// "queryResult".
	Kind string `json:"kind"`

	// EventName correlates an outbound RPC with its eventual inbound
	// result (spec.md §4.5 "Outbound RPC ... use event-name
	// correlation"). Empty for events that carry no correlation, such
	// as heartbeat or busy.
	EventName string `json:"eventName,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(kind, eventName string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, EventName: eventName, Payload: raw}, nil
}

func decodePayload[T any](f Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(f.Payload, &v)
	return v, err
}
