package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/querypipe/pkg/commsutil"
	"github.com/morezero/querypipe/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams[C registry.Contexter] struct {
	Registry *registry.Registry[C]
	// Render turns an invoked context into the response result; defaults to
	// InvokeResult.
	Render func(c C) any
	// Resolve maps an alias to an endpoint name; defaults to identity.
	Resolve func(name string) string
	// Timeout bounds requests that carry no timeoutMs; zero means none.
	Timeout time.Duration
}

// Dispatcher routes COMMS requests to registry endpoints.
type Dispatcher[C registry.Contexter] struct {
	registry *registry.Registry[C]
	render   func(c C) any
	resolve  func(name string) string
	timeout  time.Duration
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher[C registry.Contexter](params NewDispatcherParams[C]) *Dispatcher[C] {
	render := params.Render
	if render == nil {
		render = func(c C) any {
			base := c.Base()
			return InvokeResult{Name: base.Name, Key: base.Key, Params: base.Params}
		}
	}
	resolve := params.Resolve
	if resolve == nil {
		resolve = func(name string) string { return name }
	}
	return &Dispatcher[C]{
		registry: params.Registry,
		render:   render,
		resolve:  resolve,
		timeout:  params.Timeout,
	}
}

// Dispatch routes a request and returns its response.
func (d *Dispatcher[C]) Dispatch(ctx context.Context, req *InvokeRequest) *InvokeResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s endpoint=%s id=%s", logPrefix, req.Method, req.Endpoint, req.ID))

	if timeout := d.requestTimeout(req); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch req.Method {
	case MethodInvoke, "":
		return d.handleInvoke(ctx, req)
	case MethodDispatch:
		return d.handleDispatch(ctx, req)
	case MethodList:
		return &InvokeResponse{ID: req.ID, Ok: true, Result: map[string]any{"endpoints": d.registry.Names()}}
	case MethodHealth:
		return &InvokeResponse{ID: req.ID, Ok: true, Result: map[string]any{
			"status":    "ok",
			"endpoints": len(d.registry.Names()),
		}}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher[C]) requestTimeout(req *InvokeRequest) time.Duration {
	if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
		return time.Duration(req.Ctx.TimeoutMs) * time.Millisecond
	}
	return d.timeout
}

func (d *Dispatcher[C]) handleInvoke(ctx context.Context, req *InvokeRequest) *InvokeResponse {
	if req.Endpoint == "" {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "endpoint is required", false)
	}
	c, err := d.registry.Invoke(ctx, d.resolve(req.Endpoint), params(req))
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &InvokeResponse{ID: req.ID, Ok: true, Result: d.render(c)}
}

func (d *Dispatcher[C]) handleDispatch(ctx context.Context, req *InvokeRequest) *InvokeResponse {
	name := d.resolve(req.Endpoint)
	action, ok := d.registry.Action(name)
	if !ok {
		return errorResponse(req.ID, registry.CodeEndpointNotFound, fmt.Sprintf("endpoint %q is not registered", name), false)
	}
	msg, err := action.Msg(params(req))
	if err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, err.Error(), false)
	}
	if err := d.registry.Dispatch(ctx, msg); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &InvokeResponse{ID: req.ID, Ok: true, Result: DispatchResult{Name: name, Key: msg.Key(), Type: msg.Type}}
}

func params(req *InvokeRequest) any {
	if len(req.Params) == 0 {
		return nil
	}
	return req.Params
}

// HandleMsg decodes a COMMS request, dispatches it, and responds.
func (d *Dispatcher[C]) HandleMsg(ctx context.Context, msg *comms.Msg) {
	var resp *InvokeResponse
	var req InvokeRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		resp = errorResponse("", registry.CodeInvalidArgument, "Failed to parse request", false)
	} else {
		resp = d.Dispatch(ctx, &req)
	}

	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

// Subscribe answers requests on subject until ctx ends or the subscription
// is drained. Each request is handled on its own goroutine.
func (d *Dispatcher[C]) Subscribe(ctx context.Context, nc *comms.Conn, subject string) (*comms.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		go d.HandleMsg(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	return sub, nil
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *InvokeResponse {
	return &InvokeResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *InvokeResponse {
	var regErr *registry.RegistryError
	if errors.As(err, &regErr) {
		return &InvokeResponse{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      regErr.Code,
				Message:   regErr.Message,
				Details:   regErr.Details,
				Retryable: regErr.Code == registry.CodeInternal,
			},
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorResponse(id, CodeTimeout, err.Error(), true)
	}
	return errorResponse(id, registry.CodeInternal, err.Error(), true)
}
