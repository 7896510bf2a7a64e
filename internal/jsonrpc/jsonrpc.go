package jsonrpc

import "github.com/google/uuid"

const Version = "2.0"

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      string         `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

func NewID() string {
	return uuid.NewString()
}

// NewRequest builds a request envelope. An empty id gets a random UUID and nil
// params become an empty object.
func NewRequest(method string, params map[string]any, id string) Request {
	if id == "" {
		id = NewID()
	}
	if params == nil {
		params = map[string]any{}
	}
	return Request{JSONRPC: Version, Method: method, Params: params, ID: id}
}

func NewResponse(result any, id string) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

func NewErrorResponse(id string, code int, message string, data any) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}
