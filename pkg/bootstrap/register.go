package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/query"
	"github.com/morezero/querypipe/pkg/strategy"
)

const registerLogPrefix = "bootstrap:register"

// StrategyFor maps a manifest strategy name and interval to a subscription
// strategy. An empty name returns nil, which leaves the registry default.
func StrategyFor(ep EndpointSpec) (strategy.Strategy, error) {
	interval, err := ep.IntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("%s - endpoint %s: %w", registerLogPrefix, ep.Path, err)
	}
	if interval == 0 {
		interval = strategy.DefaultWindow
	}

	switch ep.Strategy {
	case "":
		return nil, nil
	case StrategyEvery:
		return strategy.Every, nil
	case StrategyLatest:
		return strategy.Latest, nil
	case StrategyLeading:
		return strategy.Leading, nil
	case StrategyThrottle:
		return strategy.Throttle(interval), nil
	case StrategyDebounce:
		return strategy.Debounce(interval), nil
	case StrategyTimer:
		return strategy.Timer(interval), nil
	case StrategyPoll:
		return strategy.Poll(interval), nil
	}
	return nil, fmt.Errorf("%s - %w: unknown strategy %q", registerLogPrefix, ErrInvalidManifest, ep.Strategy)
}

// Register creates one query endpoint per manifest entry.
func Register(api *query.API, rm *ResolvedManifest) error {
	for _, route := range rm.Routes() {
		ep := rm.Get(route)

		strat, err := StrategyFor(*ep)
		if err != nil {
			return err
		}

		var mws []compose.Middleware[*query.Ctx]
		if ep.URL != "" || len(ep.Headers) > 0 {
			req := query.Request{URL: ep.URL}
			if len(ep.Headers) > 0 {
				req.Header = make(http.Header, len(ep.Headers))
				for k, v := range ep.Headers {
					req.Header.Set(k, v)
				}
			}
			mws = append(mws, query.RequestWith(req))
		}
		if ep.Cache {
			mws = append(mws, query.CacheOn)
		}

		if _, err := api.Method(ep.Method, ep.Path, query.Options{Strategy: strat, Middleware: mws}); err != nil {
			return fmt.Errorf("%s - failed to register %s: %w", registerLogPrefix, route, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Registered %d endpoint(s) from manifest %s", registerLogPrefix, len(rm.Routes()), rm.Name()))
	return nil
}
