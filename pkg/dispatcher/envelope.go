// Package dispatcher answers COMMS request/reply calls by invoking registry
// endpoints by name.
package dispatcher

import "encoding/json"

// Request methods.
const (
	MethodInvoke   = "invoke"
	MethodDispatch = "dispatch"
	MethodList     = "list"
	MethodHealth   = "health"
)

// Error codes added on top of the registry codes.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeTimeout        = "TIMEOUT"
)

// InvokeRequest is the JSON envelope for incoming COMMS requests.
type InvokeRequest struct {
	ID       string             `json:"id"`
	Method   string             `json:"method"`
	Endpoint string             `json:"endpoint,omitempty"`
	Params   json.RawMessage    `json:"params,omitempty"`
	Ctx      *InvocationContext `json:"ctx,omitempty"`
}

// InvokeResponse is the JSON envelope for COMMS responses.
type InvokeResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// InvokeResult is the default rendering of an invoked context.
type InvokeResult struct {
	Name   string          `json:"name"`
	Key    string          `json:"key"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DispatchResult acknowledges a message sent through the bus.
type DispatchResult struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Type string `json:"type"`
}
