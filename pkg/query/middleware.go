package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/message"
	"github.com/morezero/querypipe/pkg/store"
)

const middlewareLogPrefix = "query:middleware"

// DefaultUndoWindow is how long Undoer waits for an undo message.
const DefaultUndoWindow = 5 * time.Second

// UndoType is the default message type that cancels a pending undoable call.
const UndoType = message.DefaultPrefix + "/undo"

type methodPattern struct {
	method string
	re     *regexp.Regexp
}

// methodPatterns are matched in this order; the last marker found wins.
var methodPatterns = func() []methodPattern {
	methods := []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodConnect, http.MethodOptions, http.MethodTrace, http.MethodPatch,
	}
	out := make([]methodPattern, len(methods))
	for i, m := range methods {
		out[i] = methodPattern{method: m, re: regexp.MustCompile(`(?i)\s*\[` + m + `\]\s*`)}
	}
	return out
}()

var placeholder = regexp.MustCompile(`:([A-Za-z0-9_]+)`)

// Undo returns the message that cancels a pending undoable call.
func Undo() message.Message {
	return message.Message{Type: UndoType}
}

// Init prepares the request record and action list of the context.
func Init(ctx context.Context, c *Ctx, next compose.Next) error {
	if c.Request.Header == nil {
		c.Request.Header = make(http.Header)
	}
	if c.Actions == nil {
		c.Actions = []message.Message{}
	}
	return next(ctx)
}

// URLParser derives the request URL and method from the endpoint name.
// Each ":param" placeholder is replaced by the matching member of the call
// params and a "[METHOD]" marker sets the method. A URL set earlier in the
// chain is kept. Non-object params skip substitution.
func URLParser(ctx context.Context, c *Ctx, next compose.Next) error {
	params := gjson.ParseBytes(c.Params)
	if len(c.Params) > 0 && !params.IsObject() {
		return next(ctx)
	}

	if c.Request.URL == "" {
		url, method := stripMethod(ExpandURL(c.Name, c.Params))
		if method != "" {
			c.Request.Method = method
		}
		c.Request.URL = url
	}

	if c.Request.Method == "" {
		_, method := stripMethod(c.Request.URL)
		c.Request.Method = method
	}
	if c.Request.Method == "" {
		c.Request.Method = http.MethodGet
	}
	return next(ctx)
}

// ExpandURL replaces each ":name" placeholder in url with the matching
// member of the params object. A placeholder spans the whole run of
// [A-Za-z0-9_], so ":id" never matches inside ":idx". Placeholders without
// a member, and every placeholder when params is not an object, are left
// as is.
func ExpandURL(url string, params []byte) string {
	obj := gjson.ParseBytes(params)
	if len(params) == 0 || !obj.IsObject() {
		return url
	}
	return placeholder.ReplaceAllStringFunc(url, func(m string) string {
		v := obj.Get(gjson.Escape(m[1:]))
		if !v.Exists() {
			return m
		}
		if v.Type == gjson.String {
			return v.Str
		}
		return v.Raw
	})
}

func stripMethod(url string) (string, string) {
	found := ""
	for _, p := range methodPatterns {
		if p.re.MatchString(url) {
			url = p.re.ReplaceAllString(url, "")
			found = p.method
		}
	}
	return url, found
}

// RequestWith merges req into the context request. Non-empty fields win.
// Placeholders in req.URL are expanded from the call params and a
// "[METHOD]" marker in it sets the method unless req.Method is set.
func RequestWith(req Request) compose.Middleware[*Ctx] {
	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		if req.URL != "" {
			url, method := stripMethod(ExpandURL(req.URL, c.Params))
			c.Request.URL = url
			if method != "" {
				c.Request.Method = method
			}
		}
		if req.Method != "" {
			c.Request.Method = strings.ToUpper(req.Method)
		}
		if len(req.Body) > 0 {
			c.Request.Body = req.Body
		}
		if len(req.Header) > 0 {
			if c.Request.Header == nil {
				c.Request.Header = make(http.Header)
			}
			for k, vs := range req.Header {
				c.Request.Header[k] = append([]string(nil), vs...)
			}
		}
		return next(ctx)
	}
}

// CacheOn marks the call for SimpleCache.
func CacheOn(ctx context.Context, c *Ctx, next compose.Next) error {
	c.Cache = true
	return next(ctx)
}

// DefaultErrorMessage reads "message" from the response data.
func DefaultErrorMessage(c *Ctx) string {
	if msg := gjson.GetBytes(c.Response.Data, "message"); msg.Exists() {
		return msg.String()
	}
	return http.StatusText(c.Response.Status)
}

// LoadingTracker reports the call to the loader named after the endpoint:
// loading before the rest of the chain, then success or error depending on
// the response. errFn extracts the error message; nil uses
// DefaultErrorMessage.
func LoadingTracker(errFn func(c *Ctx) string) compose.Middleware[*Ctx] {
	if errFn == nil {
		errFn = DefaultErrorMessage
	}
	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		id := c.Name
		if err := c.Put(ctx, store.Loading(id)); err != nil {
			return err
		}

		if err := next(ctx); err != nil {
			if perr := c.Put(ctx, store.Error(id, err.Error())); perr != nil {
				slog.Error(fmt.Sprintf("%s - failed to record loader error for %s: %v", middlewareLogPrefix, id, perr))
			}
			return err
		}

		if !c.Response.OK {
			return c.Put(ctx, store.Error(id, errFn(c)))
		}
		return c.Put(ctx, store.Success(id))
	}
}

// SimpleCache queues the response data under the call key when the call was
// marked with CacheOn and succeeded.
func SimpleCache(ctx context.Context, c *Ctx, next compose.Next) error {
	if err := next(ctx); err != nil {
		return err
	}
	if !c.Cache || !c.Response.OK || len(c.Response.Data) == 0 {
		return nil
	}
	msg, err := store.AddData(map[string]json.RawMessage{c.Key: c.Response.Data})
	if err != nil {
		return err
	}
	c.Actions = append(c.Actions, msg)
	return nil
}

// PutActions dispatches the queued actions once the rest of the chain has
// unwound.
func PutActions(ctx context.Context, c *Ctx, next compose.Next) error {
	if err := next(ctx); err != nil {
		return err
	}
	if len(c.Actions) == 0 {
		return nil
	}
	return c.Put(ctx, c.Actions...)
}

// Optimistic applies c.Optimistic before the rest of the chain and reverts
// it when the response is not OK.
func Optimistic(ctx context.Context, c *Ctx, next compose.Next) error {
	if c.Optimistic == nil {
		return next(ctx)
	}
	patch := *c.Optimistic
	if err := c.Put(ctx, patch.Apply); err != nil {
		return err
	}

	err := next(ctx)
	if err != nil || !c.Response.OK {
		if rerr := c.Put(ctx, patch.Revert); rerr != nil {
			slog.Error(fmt.Sprintf("%s - failed to revert optimistic update of %s: %v", middlewareLogPrefix, c.Name, rerr))
		}
	}
	return err
}

// OptimisticWith sets patch as the optimistic update of the call and runs
// Optimistic. Place it in an endpoint chain.
func OptimisticWith(patch Patch) compose.Middleware[*Ctx] {
	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		c.Optimistic = &patch
		return Optimistic(ctx, c, next)
	}
}

// Undoer applies c.Undo and holds the rest of the chain for window. An
// undoType message arriving first reverts the change and stops the chain.
// Zero window and empty undoType use DefaultUndoWindow and UndoType.
func Undoer(b bus.Bus, window time.Duration, undoType string) compose.Middleware[*Ctx] {
	if window <= 0 {
		window = DefaultUndoWindow
	}
	if undoType == "" {
		undoType = UndoType
	}
	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		if c.Undo == nil {
			return next(ctx)
		}
		patch := *c.Undo

		sub, err := b.Subscribe(ctx, undoType)
		if err != nil {
			return fmt.Errorf("%s - failed to watch %s: %w", middlewareLogPrefix, undoType, err)
		}
		defer sub.Close()

		if err := c.Put(ctx, patch.Apply); err != nil {
			return err
		}

		timer := time.NewTimer(window)
		defer timer.Stop()

		select {
		case <-sub.C():
			slog.Info(fmt.Sprintf("%s - Undo requested for %s", middlewareLogPrefix, c.Name))
			return c.Put(ctx, patch.Revert)
		case <-timer.C:
			return next(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
