// Package protocol defines the JSON wire envelope exchanged over the
// transport, and the closed set of error kinds the router and its
// collaborators surface to clients. It replaces the teacher's
// protobuf-generated Message/Event types (backend/go/gen/proto, never
// checked into this pack) with a small hand-rolled JSON codec, since this
// wire format is plain JSON and no .proto source or generated code
// exists anywhere in the retrieved examples.
package protocol

import (
	"encoding/json"
	"fmt"
)

// InboundType enumerates the `type` field of a client->server frame.
type InboundType string

const (
	InboundKey         InboundType = "key"
	InboundAction      InboundType = "action"
	InboundQuery       InboundType = "query"
	InboundPing        InboundType = "ping"
	InboundSubscribe   InboundType = "subscribe"
	InboundUnsubscribe InboundType = "unsubscribe"
)

// OutboundType enumerates the `type` field of a server->client frame.
type OutboundType string

const (
	OutboundWelcome OutboundType = "welcome"
	OutboundState   OutboundType = "state"
	OutboundAck     OutboundType = "ack"
	OutboundEvent   OutboundType = "event"
	OutboundResult  OutboundType = "result"
	OutboundPong    OutboundType = "pong"
	OutboundError   OutboundType = "error"
)

// Inbound is a decoded client frame. Payload is kept as json.RawMessage so
// handlers can unmarshal into their own typed struct, mirroring the
// teacher's assertPayload[T] pattern (internal/v1/session/handlers.go).
type Inbound struct {
	Type      InboundType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Outbound is an encoded server frame.
type Outbound struct {
	Type      OutboundType `json:"type"`
	RequestID string       `json:"requestId,omitempty"`
	Data      any          `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// ErrorKind is the closed set of error codes surfaced to clients.
type ErrorKind string

const (
	ErrInvalidJSON          ErrorKind = "INVALID_JSON"
	ErrInvalidMessage       ErrorKind = "INVALID_MESSAGE"
	ErrMissingField         ErrorKind = "MISSING_FIELD"
	ErrUnknownCommand       ErrorKind = "UNKNOWN_COMMAND"
	ErrInvalidAction        ErrorKind = "INVALID_ACTION"
	ErrInvalidKey           ErrorKind = "INVALID_KEY"
	ErrAuthFailed           ErrorKind = "AUTH_FAILED"
	ErrRateLimited          ErrorKind = "RATE_LIMITED"
	ErrNotFound             ErrorKind = "NOT_FOUND"
	ErrAlreadyStarted       ErrorKind = "ALREADY_STARTED"
	ErrNotInProgress        ErrorKind = "NOT_IN_PROGRESS"
	ErrNotAPlayer           ErrorKind = "NOT_A_PLAYER"
	ErrNotYourTurn          ErrorKind = "NOT_YOUR_TURN"
	ErrIllegalMove          ErrorKind = "ILLEGAL_MOVE"
	ErrNoFreeSlot           ErrorKind = "NO_FREE_SLOT"
	ErrSpectatorsDisallowed ErrorKind = "SPECTATORS_DISALLOWED"
	ErrMuted                ErrorKind = "MUTED"
	ErrNotInRoom            ErrorKind = "NOT_IN_ROOM"
	ErrMessageTooLong       ErrorKind = "MESSAGE_TOO_LONG"
	ErrEmptyMessage         ErrorKind = "EMPTY_MESSAGE"
	ErrExpired              ErrorKind = "EXPIRED"
	ErrSelfJoin             ErrorKind = "SELF_JOIN"
	ErrPermissionDenied     ErrorKind = "PERMISSION_DENIED"
	ErrQueryTimeout         ErrorKind = "QUERY_TIMEOUT"
	ErrServerAtCapacity     ErrorKind = "SERVER_AT_CAPACITY"
	ErrInternal             ErrorKind = "INTERNAL"
)

// Error is a typed protocol-level error; it carries its own Kind so
// callers can build an error Outbound frame without a separate lookup.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// NewError builds a protocol Error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetail attaches structured detail (e.g. the valid-action set for
// INVALID_ACTION) and returns the same error for chaining.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

type errorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Detail  any       `json:"detail,omitempty"`
}

// ErrorFrame builds the outbound error envelope for a given request,
// correlated by requestId so the client's pending call can resolve it.
func ErrorFrame(requestID string, err *Error, nowMillis int64) Outbound {
	return Outbound{
		Type:      OutboundError,
		RequestID: requestID,
		Timestamp: nowMillis,
		Data: errorPayload{
			Kind:    err.Kind,
			Message: err.Message,
			Detail:  err.Detail,
		},
	}
}

// AckFrame builds a bare acknowledgement envelope for commands that
// succeed without a richer result payload.
func AckFrame(requestID string, nowMillis int64) Outbound {
	return Outbound{Type: OutboundAck, RequestID: requestID, Timestamp: nowMillis}
}

// ResultFrame builds a result envelope carrying typed data.
func ResultFrame(requestID string, data any, nowMillis int64) Outbound {
	return Outbound{Type: OutboundResult, RequestID: requestID, Data: data, Timestamp: nowMillis}
}

// EventFrame builds an unsolicited event envelope (no requestId).
func EventFrame(data any, nowMillis int64) Outbound {
	return Outbound{Type: OutboundEvent, Data: data, Timestamp: nowMillis}
}

// StateFrame builds a state-topic envelope (full snapshot or JSON-Patch,
// the caller decides which by what it puts in data).
func StateFrame(data any, nowMillis int64) Outbound {
	return Outbound{Type: OutboundState, Data: data, Timestamp: nowMillis}
}

// DecodeInbound parses a raw client frame. A malformed frame returns
// ErrInvalidJSON; the caller must not forward it.
func DecodeInbound(raw []byte) (*Inbound, *Error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, NewError(ErrInvalidJSON, err.Error())
	}
	switch in.Type {
	case InboundKey, InboundAction, InboundQuery, InboundPing, InboundSubscribe, InboundUnsubscribe:
	default:
		return nil, NewError(ErrInvalidMessage, fmt.Sprintf("unknown frame type %q", in.Type))
	}
	return &in, nil
}

// AssertPayload unmarshals in.Payload into T, mirroring the teacher's
// generic assertPayload helper (internal/v1/session/handlers.go) but
// returning a typed protocol.Error instead of a bare bool.
func AssertPayload[T any](in *Inbound) (T, *Error) {
	var out T
	if len(in.Payload) == 0 {
		return out, NewError(ErrMissingField, "payload is required")
	}
	if err := json.Unmarshal(in.Payload, &out); err != nil {
		return out, NewError(ErrInvalidMessage, err.Error())
	}
	return out, nil
}
