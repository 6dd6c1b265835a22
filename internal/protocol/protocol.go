// Package protocol defines the client wire format. Outbound messages are
// model.Event envelopes; inbound messages are decoded here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcoot/lobbymesh/internal/model"
)

// InboundKind identifies a client to server message
type InboundKind string

const (
	InboundHost        InboundKind = "host"
	InboundJoin        InboundKind = "join"
	InboundLeave       InboundKind = "leave"
	InboundHeartbeat   InboundKind = "heartbeat"
	InboundUpdateState InboundKind = "updateState"
	InboundTimer       InboundKind = "timer"
)

// Inbound is the envelope for messages coming from the client
type Inbound struct {
	Type InboundKind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HostData requests a new room. An empty password leaves the room open.
type HostData struct {
	Password string `json:"password,omitempty"`
}

// JoinData requests to join a room by code
type JoinData struct {
	GameID   string `json:"gameId"`
	Password string `json:"password,omitempty"`
}

// StateData carries an opaque game state from the host
type StateData struct {
	Payload json.RawMessage `json:"payload"`
}

// TimerData carries an opaque timer value from the host
type TimerData struct {
	Value json.RawMessage `json:"value"`
}

// Error codes reported in error events
const (
	CodeMalformed    = "malformed"
	CodeUnknownType  = "unknownType"
	CodeNotHost      = "notHost"
	CodeShuttingDown = "shuttingDown"
)

var (
	// ErrMalformed is returned for input that is not a valid envelope or
	// whose data does not match its type
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for an envelope with an unrecognized type
	ErrUnknownType = errors.New("unknown message type")
)

var decoders = map[InboundKind]func(json.RawMessage) (any, error){
	InboundHost: func(data json.RawMessage) (any, error) {
		var d HostData
		if err := decodeOptional(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	},
	InboundJoin: func(data json.RawMessage) (any, error) {
		var d JoinData
		if err := decodeRequired(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	},
	InboundLeave: func(json.RawMessage) (any, error) {
		return nil, nil
	},
	InboundHeartbeat: func(json.RawMessage) (any, error) {
		return nil, nil
	},
	InboundUpdateState: func(data json.RawMessage) (any, error) {
		var d StateData
		if err := decodeRequired(data, &d); err != nil {
			return nil, err
		}
		if len(d.Payload) == 0 {
			d.Payload = json.RawMessage("null")
		}
		return d, nil
	},
	InboundTimer: func(data json.RawMessage) (any, error) {
		var d TimerData
		if err := decodeRequired(data, &d); err != nil {
			return nil, err
		}
		if len(d.Value) == 0 {
			d.Value = json.RawMessage("null")
		}
		return d, nil
	},
}

// Known reports whether k is part of the inbound vocabulary
func (k InboundKind) Known() bool {
	_, ok := decoders[k]
	return ok
}

// Message is a decoded inbound message. Data holds the typed payload for
// the kind (HostData, JoinData, StateData, TimerData) or nil.
type Message struct {
	Kind InboundKind
	Data any
}

// Decode parses a raw client frame
func Decode(raw []byte) (Message, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return in.Decode()
}

// Decode validates the envelope type and decodes its data
func (in Inbound) Decode() (Message, error) {
	decode, ok := decoders[in.Type]
	if !ok {
		return Message{Kind: in.Type}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	data, err := decode(in.Data)
	if err != nil {
		return Message{Kind: in.Type}, fmt.Errorf("%w: %s: %w", ErrMalformed, in.Type, err)
	}
	return Message{Kind: in.Type, Data: data}, nil
}

// ErrorEvent reports a protocol problem to the client
func ErrorEvent(err error) model.Event {
	code := CodeMalformed
	if errors.Is(err, ErrUnknownType) {
		code = CodeUnknownType
	}
	return model.NewEvent(model.EventError, model.ErrorPayload{Code: code, Message: err.Error()})
}

func decodeOptional(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func decodeRequired(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}
