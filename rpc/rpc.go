// Package rpc defines the JSON-RPC 2.0 wire types used to talk to the
// agent app-server over line-delimited stdio, and the shape-based
// classification of inbound lines.
//
// Every line is a single JSON object. Inbound lines fall into exactly one
// of three kinds:
//
//   - Response: has an id and no method (reply to one of our calls)
//   - Notification: has a method and no id (fire-and-forget event)
//   - ServerRequest: has both (the server expects a reply from us)
//
// Anything else is malformed and gets skipped by the transport.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version sent on every message.
const Version = "2.0"

// ErrMalformed indicates a line that parsed as JSON but fits none of the
// three message kinds.
var ErrMalformed = errors.New("malformed JSON-RPC message")

// Kind identifies which of the three inbound message shapes a line has.
type Kind int

const (
	KindResponse Kind = iota + 1
	KindNotification
	KindServerRequest
)

// String returns a human-readable name for logging.
func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindServerRequest:
		return "server_request"
	default:
		return "unknown"
	}
}

// ID is a JSON-RPC request identifier. Ids we generate are numeric, but the
// server may use either numbers or strings for its own requests, and the
// reply must echo the id in its original form.
type ID struct {
	num   int64
	str   string
	isStr bool
	valid bool
}

// NewID returns a numeric id.
func NewID(n int64) ID {
	return ID{num: n, valid: true}
}

// NewStringID returns a string id.
func NewStringID(s string) ID {
	return ID{str: s, isStr: true, valid: true}
}

// Valid reports whether the id is present at all.
func (id ID) Valid() bool { return id.valid }

// String formats the id for log output.
func (id ID) String() string {
	if !id.valid {
		return "<none>"
	}
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// Int64 returns the numeric value, or 0 for string ids.
func (id ID) Int64() int64 { return id.num }

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{num: n, valid: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID{str: s, isStr: true, valid: true}
		return nil
	}
	return fmt.Errorf("unsupported JSON-RPC id: %s", data)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so remote failures can flow through
// normal error returns.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the decoded form of one wire line. Field presence determines
// the kind; use Classify rather than inspecting fields directly.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Classify decodes one wire line and determines its kind. A JSON decode
// failure or a shape that fits no kind returns an error; callers log and
// skip such lines rather than failing the stream.
func Classify(line []byte) (Kind, *Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return 0, nil, fmt.Errorf("decode line: %w", err)
	}

	hasID := msg.ID.Valid()
	hasMethod := msg.Method != ""

	switch {
	case hasID && hasMethod:
		return KindServerRequest, &msg, nil
	case hasID:
		return KindResponse, &msg, nil
	case hasMethod:
		return KindNotification, &msg, nil
	default:
		return 0, nil, ErrMalformed
	}
}

// Request is an outbound client-initiated call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is an outbound fire-and-forget message.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an outbound reply to a server-initiated request. Exactly one
// of Result and Error is set.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NewRequest builds an outbound call envelope.
func NewRequest(id int64, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds an outbound notification envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a success reply to a server request.
func NewResponse(id ID, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error reply to a server request.
func NewErrorResponse(id ID, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}
