// Package frame marshals DDP protocol messages to and from their JSON
// wire representation, applying the EJSON transform to outgoing call
// parameters. See spec.md §4.3.
package frame

import (
	"encoding/json"
	"fmt"

	"ddpgo/pkg/ejson"
)

// Message kinds, per the msg discriminator.
const (
	MsgConnect     = "connect"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgSub         = "sub"
	MsgUnsub       = "unsub"
	MsgMethod      = "method"
	MsgConnected   = "connected"
	MsgAdded       = "added"
	MsgAddedBefore = "addedBefore"
	MsgChanged     = "changed"
	MsgMovedBefore = "movedBefore"
	MsgRemoved     = "removed"
	MsgReady       = "ready"
	MsgNosub       = "nosub"
	MsgResult      = "result"
	MsgUpdated     = "updated"
	MsgError       = "error"
)

type envelope struct {
	Msg string `json:"msg"`
}

// ServerError is the error shape Meteor sends inside `result.error`
// and `nosub.error`.
type ServerError struct {
	ErrorType string      `json:"errorType"`
	Error     interface{} `json:"error"`
	Reason    string      `json:"reason"`
	Message   string      `json:"message"`
}

// Incoming message shapes. A Decode call returns one of these as an
// interface{}; callers type-switch on the concrete type.
type (
	Connected struct {
		Session string
	}

	PingFrame struct {
		ID string
	}

	PongFrame struct {
		ID string
	}

	Added struct {
		Collection string
		ID         string
		Fields     json.RawMessage
	}

	AddedBefore struct {
		Collection string
		ID         string
		Fields     json.RawMessage
		Before     string
	}

	Changed struct {
		Collection string
		ID         string
		Fields     json.RawMessage
		Cleared    []string
	}

	MovedBefore struct {
		Collection string
		ID         string
		Before     string
	}

	Removed struct {
		Collection string
		ID         string
	}

	Ready struct {
		Subs []string
	}

	Nosub struct {
		ID    string
		Error *ServerError
	}

	Result struct {
		ID     string
		Result json.RawMessage
		Error  *ServerError
	}

	Updated struct {
		Methods []string
	}

	ErrorFrame struct {
		ServerError
	}
)

// wire decode shapes, mirroring the public ones but with json tags.
type wireAdded struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields"`
}

type wireAddedBefore struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields"`
	Before     string          `json:"before"`
}

type wireChanged struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
}

type wireMovedBefore struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Before     string `json:"before,omitempty"`
}

type wireRemoved struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type wireReady struct {
	Subs []string `json:"subs"`
}

type wireNosub struct {
	ID    string       `json:"id"`
	Error *ServerError `json:"error,omitempty"`
}

type wireResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ServerError    `json:"error,omitempty"`
}

type wireUpdated struct {
	Methods []string `json:"methods"`
}

type wireConnected struct {
	Session string `json:"session"`
}

type wirePingPong struct {
	ID string `json:"id,omitempty"`
}

// Decode parses one DDP text frame. Unknown msg discriminators return
// (nil, nil): they are dropped without error, per spec.md §4.3.
func Decode(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("frame: decoding envelope: %w", err)
	}

	switch env.Msg {
	case MsgConnected:
		var w wireConnected
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Connected{Session: w.Session}, nil

	case MsgPing:
		var w wirePingPong
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return PingFrame{ID: w.ID}, nil

	case MsgPong:
		var w wirePingPong
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return PongFrame{ID: w.ID}, nil

	case MsgAdded:
		var w wireAdded
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Added{Collection: w.Collection, ID: w.ID, Fields: w.Fields}, nil

	case MsgAddedBefore:
		var w wireAddedBefore
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return AddedBefore{Collection: w.Collection, ID: w.ID, Fields: w.Fields, Before: w.Before}, nil

	case MsgChanged:
		var w wireChanged
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Changed{Collection: w.Collection, ID: w.ID, Fields: w.Fields, Cleared: w.Cleared}, nil

	case MsgMovedBefore:
		var w wireMovedBefore
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return MovedBefore{Collection: w.Collection, ID: w.ID, Before: w.Before}, nil

	case MsgRemoved:
		var w wireRemoved
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Removed{Collection: w.Collection, ID: w.ID}, nil

	case MsgReady:
		var w wireReady
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Ready{Subs: w.Subs}, nil

	case MsgNosub:
		var w wireNosub
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Nosub{ID: w.ID, Error: w.Error}, nil

	case MsgResult:
		var w wireResult
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Result{ID: w.ID, Result: w.Result, Error: w.Error}, nil

	case MsgUpdated:
		var w wireUpdated
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Updated{Methods: w.Methods}, nil

	case MsgError:
		var w ServerError
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ErrorFrame{ServerError: w}, nil

	default:
		return nil, nil
	}
}

// EncodeConnect builds the outgoing `connect` frame.
func EncodeConnect(version string, support []string) ([]byte, error) {
	return json.Marshal(struct {
		Msg     string   `json:"msg"`
		Version string   `json:"version"`
		Support []string `json:"support"`
	}{MsgConnect, version, support})
}

// EncodePing builds the outgoing `ping` frame.
func EncodePing(id string) ([]byte, error) {
	return json.Marshal(struct {
		Msg string `json:"msg"`
		ID  string `json:"id,omitempty"`
	}{MsgPing, id})
}

// EncodePong builds the outgoing `pong` frame, echoing id.
func EncodePong(id string) ([]byte, error) {
	return json.Marshal(struct {
		Msg string `json:"msg"`
		ID  string `json:"id,omitempty"`
	}{MsgPong, id})
}

// EncodeSub builds the outgoing `sub` frame, EJSON-transforming each
// parameter via codecs.
func EncodeSub(id, name string, params []interface{}, codecs []ejson.TypeCodec) ([]byte, error) {
	encodedParams, err := encodeParams(params, codecs)
	if err != nil {
		return nil, fmt.Errorf("frame: encoding sub params: %w", err)
	}
	return json.Marshal(struct {
		Msg    string        `json:"msg"`
		ID     string        `json:"id"`
		Name   string        `json:"name"`
		Params []interface{} `json:"params,omitempty"`
	}{MsgSub, id, name, encodedParams})
}

// EncodeUnsub builds the outgoing `unsub` frame.
func EncodeUnsub(id string) ([]byte, error) {
	return json.Marshal(struct {
		Msg string `json:"msg"`
		ID  string `json:"id"`
	}{MsgUnsub, id})
}

// EncodeMethod builds the outgoing `method` frame, EJSON-transforming
// each parameter via codecs.
func EncodeMethod(id, method string, params []interface{}, codecs []ejson.TypeCodec) ([]byte, error) {
	encodedParams, err := encodeParams(params, codecs)
	if err != nil {
		return nil, fmt.Errorf("frame: encoding method params: %w", err)
	}
	return json.Marshal(struct {
		Msg    string        `json:"msg"`
		ID     string        `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params,omitempty"`
	}{MsgMethod, id, method, encodedParams})
}

func encodeParams(params []interface{}, codecs []ejson.TypeCodec) ([]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	out := make([]interface{}, len(params))
	for i, p := range params {
		converted, err := ejson.ToOutgoing(p, codecs)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}
