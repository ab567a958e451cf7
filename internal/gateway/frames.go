// Package gateway serves the operator control socket: a websocket carrying
// JSON frames for authentication, RPC dispatch and event push.
package gateway

import "encoding/json"

// Frame is the single wire envelope. Which fields are meaningful depends on
// Type; unused fields stay empty and are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// hello (client -> server)
	NodeID      string `json:"nodeId,omitempty"`
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`

	// hello-ok (server -> client)
	ServerName string `json:"serverName,omitempty"`

	// request / response / ping / pong
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`

	// event (server -> client push)
	Event string `json:"event,omitempty"`

	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`
}

// FrameError is the error half of a response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame types.
const (
	FrameHello       = "hello"
	FrameHelloOK     = "hello-ok"
	FramePairRequest = "pair-request"
	FramePairOK      = "pair-ok"
	FrameRequest     = "request"
	FrameResponse    = "response"
	FrameEvent       = "event"
	FramePing        = "ping"
	FramePong        = "pong"
)

// Error codes surfaced in response frames.
const (
	CodeInvalidFrame   = "INVALID_FRAME"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeNotFound       = "NOT_FOUND"
	CodeTimeout        = "TIMEOUT"
	CodeUnavailable    = "UNAVAILABLE"
	CodeSlowConsumer   = "SLOW_CONSUMER"
	CodePairingExpired = "PAIRING_EXPIRED"
)

func responseFrame(id string, payload any) Frame {
	ok := true
	return Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: payload}
}

func errorFrame(id, code, message string) Frame {
	ok := false
	return Frame{Type: FrameResponse, ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}
}

func eventFrame(event string, payload any) Frame {
	return Frame{Type: FrameEvent, Event: event, Payload: payload}
}
