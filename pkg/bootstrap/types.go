// Package bootstrap loads the endpoint manifest that declares which query
// endpoints a querypipe service registers and how they are scheduled.
package bootstrap

import "time"

// Strategy names accepted in a manifest.
const (
	StrategyEvery    = "every"
	StrategyLatest   = "latest"
	StrategyLeading  = "leading"
	StrategyThrottle = "throttle"
	StrategyDebounce = "debounce"
	StrategyTimer    = "timer"
	StrategyPoll     = "poll"
)

// EndpointSpec declares one endpoint.
type EndpointSpec struct {
	// Path is the endpoint path, e.g. "/users/:id".
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
	// URL overrides the request URL derived from Path. Its ":param"
	// placeholders are filled from the call params.
	URL         string            `json:"url,omitempty"`
	Strategy    string            `json:"strategy,omitempty"`
	Interval    string            `json:"interval,omitempty"`
	Cache       bool              `json:"cache,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Description string            `json:"description,omitempty"`
}

// IntervalDuration parses Interval; empty means zero.
func (e EndpointSpec) IntervalDuration() (time.Duration, error) {
	if e.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(e.Interval)
}

// Manifest is the root endpoint manifest.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	// BaseURL is prepended to relative request URLs.
	BaseURL   string            `json:"baseUrl,omitempty"`
	Endpoints []EndpointSpec    `json:"endpoints"`
	Aliases   map[string]string `json:"aliases,omitempty"`
}

// ResolvedManifest provides fast lookup of manifest endpoints by route
// name ("<path> [METHOD]") or alias.
type ResolvedManifest struct {
	name      string
	version   string
	baseURL   string
	endpoints map[string]*EndpointSpec
	order     []string
	aliases   map[string]string
}

// Get returns an endpoint by route name or alias.
func (rm *ResolvedManifest) Get(ref string) *EndpointSpec {
	if ep, ok := rm.endpoints[ref]; ok {
		return ep
	}
	if resolved, ok := rm.aliases[ref]; ok {
		if ep, ok := rm.endpoints[resolved]; ok {
			return ep
		}
	}
	return nil
}

// ResolveAlias resolves an alias to the route name.
func (rm *ResolvedManifest) ResolveAlias(alias string) string {
	if resolved, ok := rm.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// Routes returns route names in manifest order.
func (rm *ResolvedManifest) Routes() []string {
	return append([]string(nil), rm.order...)
}

// Name returns the manifest name.
func (rm *ResolvedManifest) Name() string {
	return rm.name
}

// Version returns the manifest version.
func (rm *ResolvedManifest) Version() string {
	return rm.version
}

// BaseURL returns the manifest base URL.
func (rm *ResolvedManifest) BaseURL() string {
	return rm.baseURL
}
