package query

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/querypipe/pkg/backoff"
	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/message"
	"github.com/morezero/querypipe/pkg/registry"
	"github.com/morezero/querypipe/pkg/store"
)

type fixture struct {
	api   *API
	bus   *bus.Memory
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewStore(store.NewStoreParams{})
	b := bus.NewMemory(bus.WithReducer(st))
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{
		api:   New(NewAPIParams{Bus: b}),
		bus:   b,
		store: st,
	}
}

func TestRoute(t *testing.T) {
	assert.Equal(t, "/users [GET]", Route("/users", "get"))
}

func TestAPI_MethodRegistration(t *testing.T) {
	f := newFixture(t)
	register := map[string]func(string, Options) (*Endpoint, error){
		"GET":     f.api.Get,
		"POST":    f.api.Post,
		"PUT":     f.api.Put,
		"PATCH":   f.api.Patch,
		"DELETE":  f.api.Delete,
		"OPTIONS": f.api.Options,
		"HEAD":    f.api.Head,
		"CONNECT": f.api.Connect,
		"TRACE":   f.api.Trace,
	}
	for method, fn := range register {
		ep, err := fn("/things", Options{})
		require.NoError(t, err)
		assert.Equal(t, "/things ["+method+"]", ep.Name())
		assert.Equal(t, "@@querypipe/things ["+method+"]", ep.MessageType())
	}
	assert.Len(t, f.api.Names(), 9)
}

func runParser(t *testing.T, name string, params any, preset Request) Request {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	if params == nil {
		raw = nil
	}
	c := NewCtx(&registry.Context{Name: name, Params: raw})
	c.Request = preset
	chain := compose.Must[*Ctx](Init, URLParser)
	require.NoError(t, chain(context.Background(), c, nil))
	return c.Request
}

func TestURLParser(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		params     any
		preset     Request
		wantURL    string
		wantMethod string
	}{
		{"substitutes params", "/users/:id [POST]", map[string]any{"id": 5}, Request{}, "/users/5", "POST"},
		{"string params", "/orgs/:org/repos/:repo [get]", map[string]any{"org": "acme", "repo": "pipe"}, Request{}, "/orgs/acme/repos/pipe", "GET"},
		{"no method defaults to GET", "/users", nil, Request{}, "/users", "GET"},
		{"preset url kept", "/users/:id [DELETE]", map[string]any{"id": 1}, Request{URL: "/custom [PUT]"}, "/custom [PUT]", "PUT"},
		{"non-object params skip parsing", "/users [POST]", []int{1}, Request{}, "", ""},
		{"overlapping names", "/a/:idx/:id", map[string]any{"id": 1, "idx": 2}, Request{}, "/a/2/1", "GET"},
		{"repeated placeholder", "/a/:id/b/:id", map[string]any{"id": 3}, Request{}, "/a/3/b/3", "GET"},
		{"unknown placeholder kept", "/a/:id/:missing", map[string]any{"id": 3}, Request{}, "/a/3/:missing", "GET"},
		{"last marker wins", "/x [GET] [POST]", nil, Request{}, "/x", "POST"},
		{"marker order in url ignored", "/x [PATCH] [HEAD]", nil, Request{}, "/x", "PATCH"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := runParser(t, tc.endpoint, tc.params, tc.preset)
			assert.Equal(t, tc.wantURL, got.URL)
			assert.Equal(t, tc.wantMethod, got.Method)
		})
	}
}

func TestRequestWith(t *testing.T) {
	c := NewCtx(&registry.Context{Name: "/x"})
	mw := RequestWith(Request{Method: "post", Body: json.RawMessage(`{"a":1}`), Header: http.Header{"X-Test": {"1"}}})
	require.NoError(t, mw(context.Background(), c, func(context.Context) error { return nil }))
	assert.Equal(t, "POST", c.Request.Method)
	assert.JSONEq(t, `{"a":1}`, string(c.Request.Body))
	assert.Equal(t, "1", c.Request.Header.Get("X-Test"))
}

func TestRequestWith_ExpandsURL(t *testing.T) {
	c := NewCtx(&registry.Context{Name: "/x", Params: json.RawMessage(`{"id":9,"idx":"b"}`)})
	mw := RequestWith(Request{URL: "/items/:idx/:id [DELETE]"})
	require.NoError(t, mw(context.Background(), c, func(context.Context) error { return nil }))
	assert.Equal(t, "/items/b/9", c.Request.URL)
	assert.Equal(t, http.MethodDelete, c.Request.Method)

	c = NewCtx(&registry.Context{Name: "/x", Params: json.RawMessage(`{"id":9}`)})
	mw = RequestWith(Request{URL: "/items/:id [DELETE]", Method: "put"})
	require.NoError(t, mw(context.Background(), c, func(context.Context) error { return nil }))
	assert.Equal(t, "/items/9", c.Request.URL)
	assert.Equal(t, http.MethodPut, c.Request.Method)
}

func TestExpandURL(t *testing.T) {
	assert.Equal(t, "/a/:id", ExpandURL("/a/:id", nil))
	assert.Equal(t, "/a/:id", ExpandURL("/a/:id", []byte(`[1]`)))
	assert.Equal(t, "/a/x/true", ExpandURL("/a/:s/:b", []byte(`{"s":"x","b":true}`)))
	assert.Equal(t, "http://h:8080/a/1", ExpandURL("http://h:8080/a/:id", []byte(`{"id":1}`)))
}

func TestStack_CachesSuccessfulFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/7", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":7,"name":"ada"}`)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.api.UseStack(StackParams{Fetch: FetchParams{Client: srv.Client(), BaseURL: srv.URL}})
	users, err := f.api.Get("/users/:id", Options{Middleware: []compose.Middleware[*Ctx]{CacheOn}})
	require.NoError(t, err)

	c, err := users.Call(context.Background(), map[string]any{"id": 7})
	require.NoError(t, err)
	assert.True(t, c.Response.OK)
	assert.Equal(t, http.StatusOK, c.Response.Status)

	var got struct{ Name string }
	require.NoError(t, c.JSON(&got))
	assert.Equal(t, "ada", got.Name)

	data, ok := f.store.Data(c.Key)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":7,"name":"ada"}`, string(data))
	assert.True(t, f.store.Loader("/users/:id [GET]").IsSuccess())
}

func TestStack_FailedFetchRecordsLoaderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"no such user"}`)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.api.UseStack(StackParams{Fetch: FetchParams{Client: srv.Client(), BaseURL: srv.URL}})
	users, err := f.api.Get("/users/:id", Options{Middleware: []compose.Middleware[*Ctx]{CacheOn}})
	require.NoError(t, err)

	c, err := users.Call(context.Background(), map[string]any{"id": 1})
	require.NoError(t, err)
	assert.False(t, c.Response.OK)
	assert.Equal(t, http.StatusNotFound, c.Response.Status)

	loader := f.store.Loader("/users/:id [GET]")
	assert.True(t, loader.IsError())
	assert.Equal(t, "no such user", loader.Message)
	assert.Empty(t, f.store.DataTable())
}

func TestStack_EndpointRespondsWithoutFetch(t *testing.T) {
	f := newFixture(t)
	f.api.UseStack(StackParams{})
	ep, err := f.api.Post("/local", Options{Middleware: []compose.Middleware[*Ctx]{
		func(ctx context.Context, c *Ctx, next compose.Next) error {
			c.Request.URL = ""
			if err := c.Respond(http.StatusCreated, map[string]bool{"done": true}); err != nil {
				return err
			}
			return next(ctx)
		},
	}})
	require.NoError(t, err)

	c, err := ep.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, c.Response.OK)
	assert.True(t, f.store.Loader("/local [POST]").IsSuccess())
}

func TestRetry_RecoversFromServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[1,2,3]`)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.api.UseStack(StackParams{
		Fetch:        FetchParams{Client: srv.Client(), BaseURL: srv.URL},
		Retries:      3,
		RetryBackoff: backoff.Constant{Interval: time.Millisecond},
	})
	ep, err := f.api.Get("/items", Options{})
	require.NoError(t, err)

	c, err := ep.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, c.Response.OK)
	assert.JSONEq(t, `[1,2,3]`, string(c.Response.Data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_GivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad input")
	}))
	defer srv.Close()

	f := newFixture(t)
	f.api.UseStack(StackParams{
		Fetch:        FetchParams{Client: srv.Client(), BaseURL: srv.URL},
		Retries:      3,
		RetryBackoff: backoff.Constant{Interval: time.Millisecond},
	})
	ep, err := f.api.Get("/items", Options{})
	require.NoError(t, err)

	c, err := ep.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, c.Response.OK)
	assert.Equal(t, `"bad input"`, string(c.Response.Data))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bad Request", f.store.Loader("/items [GET]").Message)
}

func TestFetch_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewCtx(&registry.Context{Name: "/gone"})
	c.Request = Request{URL: "/gone", Method: http.MethodGet}
	err := Fetch(FetchParams{BaseURL: base})(context.Background(), c, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, c.Response.OK)
	assert.Zero(t, c.Response.Status)
	assert.True(t, Retryable(c.Response))
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Reduce(m message.Message) {
	if m.Type == UndoType {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m.Type)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) has(typ string) bool {
	for _, s := range r.types() {
		if s == typ {
			return true
		}
	}
	return false
}

func newRecordedAPI(t *testing.T) (*API, *recorder) {
	t.Helper()
	rec := &recorder{}
	b := bus.NewMemory(bus.WithReducer(rec))
	t.Cleanup(func() { _ = b.Close() })
	api := New(NewAPIParams{Bus: b})
	api.Use(api.Routes())
	return api, rec
}

func TestOptimisticWith_RevertsOnFailure(t *testing.T) {
	apply := message.Message{Type: "users/apply"}
	revert := message.Message{Type: "users/revert"}

	api, rec := newRecordedAPI(t)
	ep, err := api.Patch("/users/:id", Options{Middleware: []compose.Middleware[*Ctx]{
		OptimisticWith(Patch{Apply: apply, Revert: revert}),
		func(ctx context.Context, c *Ctx, next compose.Next) error {
			c.Response = Response{Status: http.StatusConflict}
			return next(ctx)
		},
	}})
	require.NoError(t, err)

	_, err = ep.Call(context.Background(), map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"users/apply", "users/revert"}, rec.types())
}

func TestOptimisticWith_KeepsOnSuccess(t *testing.T) {
	apply := message.Message{Type: "users/apply"}
	revert := message.Message{Type: "users/revert"}

	api, rec := newRecordedAPI(t)
	ep, err := api.Patch("/users/:id", Options{Middleware: []compose.Middleware[*Ctx]{
		OptimisticWith(Patch{Apply: apply, Revert: revert}),
		func(ctx context.Context, c *Ctx, next compose.Next) error {
			if err := c.Respond(http.StatusOK, nil); err != nil {
				return err
			}
			return next(ctx)
		},
	}})
	require.NoError(t, err)

	_, err = ep.Call(context.Background(), map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"users/apply"}, rec.types())
}

func TestUndoer(t *testing.T) {
	apply := message.Message{Type: "todo/hide"}
	revert := message.Message{Type: "todo/show"}

	setup := func(t *testing.T, window time.Duration) (*API, *recorder, *atomic.Bool) {
		api, rec := newRecordedAPI(t)
		var reached atomic.Bool
		_, err := api.Delete("/todos/:id", Options{Middleware: []compose.Middleware[*Ctx]{
			func(ctx context.Context, c *Ctx, next compose.Next) error {
				c.Undo = &Patch{Apply: apply, Revert: revert}
				return next(ctx)
			},
			api.Undoer(window, ""),
			func(ctx context.Context, c *Ctx, next compose.Next) error {
				reached.Store(true)
				return next(ctx)
			},
		}})
		require.NoError(t, err)
		return api, rec, &reached
	}

	t.Run("window elapses", func(t *testing.T) {
		api, rec, reached := setup(t, 30*time.Millisecond)
		_, err := api.Invoke(context.Background(), "/todos/:id [DELETE]", map[string]any{"id": 1})
		require.NoError(t, err)
		assert.True(t, reached.Load())
		assert.Equal(t, []string{"todo/hide"}, rec.types())
	})

	t.Run("undo wins", func(t *testing.T) {
		api, rec, reached := setup(t, 2*time.Second)
		done := make(chan error, 1)
		go func() {
			_, err := api.Invoke(context.Background(), "/todos/:id [DELETE]", map[string]any{"id": 1})
			done <- err
		}()
		require.Eventually(t, func() bool { return rec.has("todo/hide") }, time.Second, 5*time.Millisecond)
		require.NoError(t, api.Dispatch(context.Background(), Undo()))
		require.NoError(t, <-done)
		assert.False(t, reached.Load())
		assert.Equal(t, []string{"todo/hide", "todo/show"}, rec.types())
	})

	t.Run("no undo patch passes through", func(t *testing.T) {
		api, _ := newRecordedAPI(t)
		var reached bool
		ep, err := api.Delete("/plain", Options{Middleware: []compose.Middleware[*Ctx]{
			api.Undoer(time.Hour, ""),
			func(ctx context.Context, c *Ctx, next compose.Next) error {
				reached = true
				return next(ctx)
			},
		}})
		require.NoError(t, err)
		_, err = ep.Call(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, reached)
	})
}
