// Package jsonrpc defines the JSON-RPC 2.0 envelope shared by every
// transport (stdio, HTTP, SSE) and classifies raw frames into the tagged
// variants the recorder and proxy dispatch on.
package jsonrpc

import "encoding/json"

// Kind tags a frame by its JSON-RPC shape.
type Kind string

const (
	KindRequest        Kind = "request"
	KindResponse       Kind = "response"
	KindNotification   Kind = "notification"
	KindTransportEvent Kind = "transport_event"
)

// Direction identifies which side of a session sent a frame.
type Direction string

const (
	DirClientToServer Direction = "client_to_server"
	DirServerToClient Direction = "server_to_client"
)

// ErrorObject is the JSON-RPC 2.0 error shape.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope is the raw JSON-RPC 2.0 message as decoded off the wire. Exactly
// one of Method (request/notification) or Result/Error (response) is
// populated for well-formed frames; both may be absent for an unparseable
// or transport-level frame, which is carried as a KindTransportEvent with
// the raw bytes preserved.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// HasID reports whether the envelope carries a JSON-RPC id (i.e. is a
// request or a response, never a notification).
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// IDString returns the id rendered as a plain string, stripping any
// surrounding quotes a JSON string id would carry. The rpc_id used as a
// store key is always the string form of the wire id, whether it
// arrived as a JSON string or a JSON number.
func (e *Envelope) IDString() string {
	if len(e.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	// Numeric id: strip quoting concerns, just use the raw text.
	return string(e.ID)
}

// Frame is the classified result of parsing a raw wire message.
type Frame struct {
	Kind    Kind
	Method  string
	ID      string
	Success *bool // only meaningful for KindResponse
	ErrCode *int  // only meaningful for KindResponse with an error
	Raw     []byte
}

// Classify parses raw bytes and tags the result. A parse failure or a
// frame lacking both
// a method and a result/error is reported as KindTransportEvent with the
// raw payload preserved — the recorder must never drop these silently.
func Classify(raw []byte) Frame {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{Kind: KindTransportEvent, Raw: raw}
	}

	switch {
	case env.Method != "" && !env.HasID():
		return Frame{Kind: KindNotification, Method: env.Method, Raw: raw}
	case env.Method != "" && env.HasID():
		return Frame{Kind: KindRequest, Method: env.Method, ID: env.IDString(), Raw: raw}
	case env.HasID() && (env.Result != nil || env.Error != nil):
		f := Frame{Kind: KindResponse, ID: env.IDString(), Raw: raw}
		success := env.Error == nil
		f.Success = &success
		if env.Error != nil {
			code := env.Error.Code
			f.ErrCode = &code
		}
		return f
	default:
		return Frame{Kind: KindTransportEvent, Raw: raw}
	}
}

// NewRequest builds a request envelope ready for marshaling.
func NewRequest(id, method string, params json.RawMessage) Envelope {
	idJSON, _ := json.Marshal(id)
	return Envelope{JSONRPC: "2.0", ID: idJSON, Method: method, Params: params}
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params json.RawMessage) Envelope {
	return Envelope{JSONRPC: "2.0", Method: method, Params: params}
}

// NewResult builds a success response envelope.
func NewResult(id json.RawMessage, result json.RawMessage) Envelope {
	return Envelope{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds an error response envelope.
func NewError(id json.RawMessage, code int, message string) Envelope {
	return Envelope{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message}}
}
