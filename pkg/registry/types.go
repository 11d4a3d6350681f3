// Package registry maps endpoint names to middleware chains, subscription
// strategies, and dispatchable message factories, and runs the global
// middleware chain for every dispatched endpoint message.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/message"
)

// Error codes surfaced to transports.
const (
	CodeEndpointNotFound = "ENDPOINT_NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternal         = "INTERNAL_ERROR"
)

var (
	// ErrEmptyName is returned when registering an endpoint without a name.
	ErrEmptyName = errors.New("endpoint name must not be empty")
	// ErrNoBus is returned when dispatching through a registry without a bus.
	ErrNoBus = errors.New("registry has no bus")
	// ErrNoPayload is returned when running a message without a payload.
	ErrNoPayload = errors.New("message has no endpoint payload")
	// ErrListenerPanic wraps a panic recovered from an endpoint listener.
	ErrListenerPanic = errors.New("endpoint listener panicked")
)

// RegistryError is a structured error from the registry.
type RegistryError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(code, message string) *RegistryError {
	return &RegistryError{Code: code, Message: message}
}

// ListenerError reports a failure that ended an endpoint listener.
type ListenerError struct {
	Endpoint string
	Attempt  int
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("endpoint %q listener failed (attempt %d): %v", e.Endpoint, e.Attempt, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// Trigger re-dispatches an endpoint. Every Action satisfies it.
type Trigger interface {
	Name() string
	MessageType() string
	Msg(params any) (message.Message, error)
	Dispatch(ctx context.Context, params any) error
}

// Contexter is implemented by *Context and by any type embedding it, which
// lets consumers thread a richer context through the registry.
type Contexter interface {
	Base() *Context
}

// Context is the record threaded through one pipeline execution. It is
// owned by the goroutine running the chain.
type Context struct {
	Name    string
	Key     string
	Params  json.RawMessage
	Message message.Message
	// Action is the factory of the endpoint that produced this execution; nil
	// when the name is not registered.
	Action Trigger

	bus bus.Bus
}

// Base returns c.
func (c *Context) Base() *Context {
	return c
}

// Bind decodes the call params into v. Missing params leave v untouched.
func (c *Context) Bind(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return NewRegistryError(CodeInvalidArgument, fmt.Sprintf("invalid params for %s: %v", c.Name, err))
	}
	return nil
}

// Put dispatches msgs in order through the registry bus.
func (c *Context) Put(ctx context.Context, msgs ...message.Message) error {
	if c.bus == nil {
		return ErrNoBus
	}
	for _, msg := range msgs {
		if err := c.bus.Dispatch(ctx, msg); err != nil {
			return fmt.Errorf("%s - failed to put %s: %w", logPrefix, msg.Type, err)
		}
	}
	return nil
}
