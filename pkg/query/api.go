package query

import (
	"net/http"
	"time"

	"github.com/morezero/querypipe/pkg/backoff"
	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
	"github.com/morezero/querypipe/pkg/strategy"
)

// Endpoint is the factory of one query endpoint.
type Endpoint = registry.Action[*Ctx]

// Options configures a query endpoint.
type Options = registry.CreateOptions[*Ctx]

// NewAPIParams holds parameters for New.
type NewAPIParams struct {
	Bus      bus.Bus
	OnError  registry.ErrorHandler
	Strategy strategy.Strategy
	Restart  backoff.Strategy
	Config   registry.Config
}

// API is a registry of query endpoints.
type API struct {
	*registry.Registry[*Ctx]
	bus bus.Bus
}

// New creates a new query API.
func New(params NewAPIParams) *API {
	return &API{
		Registry: registry.NewRegistry(registry.NewRegistryParams[*Ctx]{
			Bus:        params.Bus,
			NewContext: NewCtx,
			OnError:    params.OnError,
			Strategy:   params.Strategy,
			Restart:    params.Restart,
			Config:     params.Config,
		}),
		bus: params.Bus,
	}
}

// Method registers path under method.
func (a *API) Method(method, path string, opts Options) (*Endpoint, error) {
	return a.Create(Route(path, method), opts)
}

// Get registers path as a GET endpoint.
func (a *API) Get(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodGet, path, opts)
}

// Post registers path as a POST endpoint.
func (a *API) Post(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodPost, path, opts)
}

// Put registers path as a PUT endpoint.
func (a *API) Put(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodPut, path, opts)
}

// Patch registers path as a PATCH endpoint.
func (a *API) Patch(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodPatch, path, opts)
}

// Delete registers path as a DELETE endpoint.
func (a *API) Delete(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodDelete, path, opts)
}

// Options registers path as an OPTIONS endpoint.
func (a *API) Options(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodOptions, path, opts)
}

// Head registers path as a HEAD endpoint.
func (a *API) Head(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodHead, path, opts)
}

// Connect registers path as a CONNECT endpoint.
func (a *API) Connect(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodConnect, path, opts)
}

// Trace registers path as a TRACE endpoint.
func (a *API) Trace(path string, opts Options) (*Endpoint, error) {
	return a.Method(http.MethodTrace, path, opts)
}

// StackParams configures UseStack.
type StackParams struct {
	Fetch FetchParams
	// Retries is the number of extra fetch attempts; zero disables retries.
	Retries int
	// RetryBackoff spaces fetch attempts; defaults to backoff.Default().
	RetryBackoff backoff.Strategy
	// ErrorMessage extracts the loader error message from a failed response.
	ErrorMessage func(c *Ctx) string
}

// UseStack installs the standard query chain. Endpoint middleware runs
// between loader tracking and the simple cache; the HTTP fetch comes last.
func (a *API) UseStack(params StackParams) {
	fetch := Fetch(params.Fetch)
	if params.Retries > 0 {
		fetch = Retry(params.Retries, params.RetryBackoff, fetch)
	}

	a.Use(Init)
	a.Use(URLParser)
	a.Use(PutActions)
	a.Use(LoadingTracker(params.ErrorMessage))
	a.Use(a.Routes())
	a.Use(SimpleCache)
	a.Use(fetch)
}

// Undoer returns the Undoer middleware bound to the API bus.
func (a *API) Undoer(window time.Duration, undoType string) compose.Middleware[*Ctx] {
	return Undoer(a.bus, window, undoType)
}
