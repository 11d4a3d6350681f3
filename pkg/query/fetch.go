package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/morezero/querypipe/pkg/backoff"
	"github.com/morezero/querypipe/pkg/compose"
)

const fetchLogPrefix = "query:fetch"

// DefaultFetchTimeout bounds a fetch when the client sets no timeout.
const DefaultFetchTimeout = 30 * time.Second

// FetchParams configures Fetch.
type FetchParams struct {
	// Client defaults to an http.Client with DefaultFetchTimeout.
	Client *http.Client
	// BaseURL is prepended to relative request URLs.
	BaseURL string
	// Header is sent with every request; request headers win.
	Header http.Header
}

// Fetch performs the HTTP request described by c.Request and records the
// response. Calls without a request URL pass through. Transport failures
// become a non-OK response with status 0 and a "message" member.
func Fetch(params FetchParams) compose.Middleware[*Ctx] {
	client := params.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	base := strings.TrimSuffix(params.BaseURL, "/")

	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		if c.Request.URL == "" {
			return next(ctx)
		}

		url := c.Request.URL
		if !strings.Contains(url, "://") {
			url = base + "/" + strings.TrimPrefix(url, "/")
		}
		method := c.Request.Method
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if len(c.Request.Body) > 0 {
			body = bytes.NewReader(c.Request.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return fmt.Errorf("%s - failed to build request for %s: %w", fetchLogPrefix, c.Name, err)
		}
		for k, vs := range params.Header {
			req.Header[k] = append([]string(nil), vs...)
		}
		for k, vs := range c.Request.Header {
			req.Header[k] = append([]string(nil), vs...)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		slog.Debug(fmt.Sprintf("%s - %s %s", fetchLogPrefix, method, url))
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Response = transportFailure(err)
			return next(ctx)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			c.Response = transportFailure(err)
			return next(ctx)
		}
		c.Response = Response{
			Status: resp.StatusCode,
			OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
			Data:   asJSON(raw),
		}
		return next(ctx)
	}
}

func transportFailure(err error) Response {
	data, _ := json.Marshal(map[string]string{"message": err.Error()})
	return Response{Status: 0, OK: false, Data: data}
}

// asJSON keeps JSON bodies verbatim and encodes anything else as a string.
func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if gjson.ValidBytes(trimmed) {
		return json.RawMessage(trimmed)
	}
	data, _ := json.Marshal(string(raw))
	return data
}

// Retryable reports whether a response is worth another attempt: transport
// failures, 429 and 5xx.
func Retryable(r Response) bool {
	return !r.OK && (r.Status == 0 || r.Status == http.StatusTooManyRequests || r.Status >= 500)
}

// ErrRetriesExhausted is returned when every attempt failed with an error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry runs inner up to retries+1 times until it succeeds or returns a
// response that is not Retryable, then continues the chain once. Each
// attempt composes inner afresh, so inner may call next normally; the next
// of inner is a no-op.
func Retry(retries int, strat backoff.Strategy, inner ...compose.Middleware[*Ctx]) compose.Middleware[*Ctx] {
	if strat == nil {
		strat = backoff.Default()
	}
	chain := compose.Must(inner...)

	return func(ctx context.Context, c *Ctx, next compose.Next) error {
		var lastErr error
		for attempt := 1; attempt <= retries+1; attempt++ {
			c.Response = Response{}
			lastErr = chain(ctx, c, nil)
			if lastErr == nil && !Retryable(c.Response) {
				return next(ctx)
			}
			if attempt > retries {
				break
			}
			delay := strat.Delay(attempt)
			slog.Warn(fmt.Sprintf("%s - Attempt %d of %s failed (status %d), retrying in %s", fetchLogPrefix, attempt, c.Name, c.Response.Status, delay))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		if lastErr != nil {
			return fmt.Errorf("%s - %s: %w: %w", fetchLogPrefix, c.Name, ErrRetriesExhausted, lastErr)
		}
		return next(ctx)
	}
}
