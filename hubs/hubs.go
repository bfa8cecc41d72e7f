// Package hubs provides the JSON shapes used by the corehub SignalR Hubs
// API. Field names and casing mirror the wire protocol exactly; this was
// derived from
// https://blog.3d-logic.com/2015/03/29/signalr-on-the-wire-an-informal-description-of-the-signalr-protocol/
// and from the specific subset the corehub endpoint requires.
package hubs

import "encoding/json"

// ClientMsg represents an invocation sent from the client to a hub method.
// Outbound wire shape: {"H":"corehub","M":"<method>","A":[...],"I":<id>}.
type ClientMsg struct {
	// H is the name of the hub.
	H string `json:"H"`

	// M is the name of the method, already lower-cased per the wire
	// convention the hub expects.
	M string `json:"M"`

	// A holds the method arguments. May be empty but is never omitted.
	A []interface{} `json:"A"`

	// I is the invocation id used to match a later reply.
	I uint32 `json:"I"`
}

// ServerMsg represents a reply to a single invocation:
// success {"I":"0","R":<value>}, error {"I":"0","E":"<msg>"}, or progress
// {"I":"0","D":<value>}. I is carried as a string on the wire.
type ServerMsg struct {
	I string           `json:"I"`
	R *json.RawMessage `json:"R,omitempty"`
	E *string          `json:"E,omitempty"`
	D *json.RawMessage `json:"D,omitempty"`
}

// IsProgress reports whether this reply is a progress notification, which
// must be discarded rather than resolving the pending callback.
func (m ServerMsg) IsProgress() bool {
	return m.D != nil
}

// IsError reports whether this reply carries a server-side error.
func (m ServerMsg) IsError() bool {
	return m.E != nil
}

// PushMessage is one element of an inbound push envelope's M array: a hub
// method invocation broadcast by the server rather than sent in reply to a
// client call. Wire shape: {"H":"corehub","M":"<method>","A":[...]}.
type PushMessage struct {
	H string            `json:"H"`
	M string            `json:"M"`
	A []json.RawMessage `json:"A"`
}

// Frame is the top-level shape of any inbound text frame, once it has been
// confirmed not to be the literal "{}" keep-alive. A frame with a non-nil I
// is a reply to a pending invocation (see ServerMsg); a frame with a
// non-empty M is a push envelope carrying zero or more PushMessage entries.
// C is a server-assigned cursor and is always ignored.
type Frame struct {
	I *string          `json:"I,omitempty"`
	R *json.RawMessage `json:"R,omitempty"`
	E *string          `json:"E,omitempty"`
	D *json.RawMessage `json:"D,omitempty"`
	M []PushMessage    `json:"M,omitempty"`
	C *string          `json:"C,omitempty"`
}

// IsReply reports whether this frame is a reply to a pending invocation.
func (f Frame) IsReply() bool {
	return f.I != nil
}

// ServerMsg extracts the reply fields of this frame. Only meaningful when
// IsReply returns true.
func (f Frame) ServerMsg() ServerMsg {
	var id string
	if f.I != nil {
		id = *f.I
	}
	return ServerMsg{I: id, R: f.R, E: f.E, D: f.D}
}

// IsPush reports whether this frame carries one or more hub-pushed method
// invocations.
func (f Frame) IsPush() bool {
	return len(f.M) > 0
}

// KeepAlive is the literal placeholder frame the hub sends as a heartbeat
// filler. It carries no data and must be silently discarded.
const KeepAlive = "{}"
