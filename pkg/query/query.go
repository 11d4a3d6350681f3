// Package query layers HTTP-style endpoints over the registry: endpoints
// named "<path> [METHOD]", a request/response record on the context, and
// middleware that tracks loaders, caches responses, and performs fetches.
package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/morezero/querypipe/pkg/message"
	"github.com/morezero/querypipe/pkg/registry"
)

const logPrefix = "query:query"

// Request describes the outgoing call of an endpoint.
type Request struct {
	URL    string          `json:"url"`
	Method string          `json:"method"`
	Header http.Header     `json:"header,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is the tagged result of an endpoint. Domain failures are values:
// OK is false and Data carries the error body.
type Response struct {
	Status int             `json:"status"`
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Patch is a pair of messages that apply a change and take it back.
type Patch struct {
	Apply  message.Message
	Revert message.Message
}

// Ctx is the context threaded through query endpoints.
type Ctx struct {
	*registry.Context

	Request  Request
	Response Response
	// Actions are dispatched after the chain unwinds by PutActions.
	Actions []message.Message
	// Cache asks SimpleCache to store a successful response under Key.
	Cache bool
	// Optimistic is applied before the request and reverted on failure.
	Optimistic *Patch
	// Undo is applied immediately and reverted when an undo message arrives
	// before the undo window closes.
	Undo *Patch
}

// NewCtx wraps base in a query context.
func NewCtx(base *registry.Context) *Ctx {
	return &Ctx{Context: base}
}

// Respond records a response, encoding v as its data.
func (c *Ctx) Respond(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s - failed to encode response for %s: %w", logPrefix, c.Name, err)
	}
	c.Response = Response{Status: status, OK: status >= 200 && status < 300, Data: data}
	return nil
}

// JSON decodes the response data into v.
func (c *Ctx) JSON(v any) error {
	if len(c.Response.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Response.Data, v); err != nil {
		return fmt.Errorf("%s - failed to decode response for %s: %w", logPrefix, c.Name, err)
	}
	return nil
}

// Route returns the endpoint name for path under method.
func Route(path, method string) string {
	return fmt.Sprintf("%s [%s]", path, strings.ToUpper(method))
}
