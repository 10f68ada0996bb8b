// Package protocol defines the JSON-RPC 2.0 and MCP wire types shared by all
// transports and the protocol engine.
//
// The types follow the MCP specification (2025-03-26): requests and responses
// are JSON-RPC 2.0 objects, notifications are requests without an id, and a
// response carries either a result or an error, never both.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only accepted value of the "jsonrpc" field.
const JSONRPCVersion = "2.0"

// Protocol versions supported by the server, newest first. Version
// negotiation during initialize picks the client's version when supported,
// otherwise the newest server version.
var SupportedProtocolVersions = []string{
	"2025-03-26",
	"2024-11-05",
}

// LatestProtocolVersion is the newest protocol revision the server speaks.
const LatestProtocolVersion = "2025-03-26"

// JSON-RPC error codes. Tool execution failures are NOT mapped to these;
// they are reported inside CallToolResult with IsError set.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Method names dispatched by the engine.
const (
	MethodInitialize             = "initialize"
	MethodPing                   = "ping"
	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodPromptsList            = "prompts/list"
	MethodPromptsGet             = "prompts/get"
	MethodLogout                 = "logout"
	NotificationInitialized      = "notifications/initialized"
	NotificationCancelled        = "notifications/cancelled"
	NotificationToolsChanged     = "notifications/tools/list_changed"
	NotificationResourcesChanged = "notifications/resources/list_changed"
	NotificationPromptsChanged   = "notifications/prompts/list_changed"
	NotificationProgress         = "notifications/progress"
	NotificationMessage          = "notifications/message"
)

// RequestID is a JSON-RPC request id. JSON-RPC allows strings and numbers;
// both are preserved exactly so responses correlate byte-for-byte.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or a number.
func NewRequestID(v any) RequestID {
	return RequestID{value: v}
}

// IsZero reports whether the id is absent (the message is a notification).
func (id RequestID) IsZero() bool {
	return id.value == nil
}

// String returns a stable textual form usable as a map key.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying string or json.Number.
func (id RequestID) Value() any {
	return id.value
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v.(type) {
	case string, json.Number:
		id.value = v
		return nil
	default:
		return fmt.Errorf("request id must be a string or number, got %T", v)
	}
}

// Message is a JSON-RPC 2.0 message: request, notification, or response.
// Requests carry Method and ID; notifications carry Method without ID;
// responses carry ID plus exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON leaves the id member out when the message has none, so
// notifications never carry an id.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	var id *RequestID
	if !m.ID.IsZero() {
		id = &m.ID
	}
	return json.Marshal(struct {
		plain
		ID *RequestID `json:"id,omitempty"`
	}{plain(m), id})
}

// IsNotification reports whether the message is a request with no id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID.IsZero()
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsZero()
}

// IsResponse reports whether the message is a reply to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Parse decodes a single JSON-RPC message from raw bytes. A parse failure
// maps to CodeParseError; a structurally invalid message (wrong jsonrpc
// version, result and error both set) maps to CodeInvalidRequest.
func Parse(raw []byte) (*Message, *Error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC)}
	}
	if msg.Result != nil && msg.Error != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "message carries both result and error"}
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "message is neither request nor response"}
	}
	return &msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id RequestID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id RequestID, code int, message string) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}
