package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/morezero/querypipe/pkg/query"
)

const logPrefix = "bootstrap:loader"

// SupportedVersions is the semver constraint manifest versions must satisfy.
const SupportedVersions = "^1.0.0"

// ErrInvalidManifest wraps every manifest validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

var knownStrategies = map[string]bool{
	"": true, StrategyEvery: true, StrategyLatest: true, StrategyLeading: true,
	StrategyThrottle: true, StrategyDebounce: true, StrategyTimer: true, StrategyPoll: true,
}

// LoadManifest loads the endpoint manifest from file paths or environment.
// It tries paths in order: first any paths passed in, then
// QUERYPIPE_MANIFEST_FILE, then defaults. A file that fails to parse or
// validate is skipped with a warning.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("QUERYPIPE_MANIFEST_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/querypipe.json", "querypipe.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		m, err := ParseManifest(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to load manifest %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded manifest %s@%s from %s", logPrefix, m.Name, m.Version, p))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", logPrefix))
	return GetDefaultManifest(), nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - failed to parse manifest: %w", logPrefix, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest version and every endpoint declaration.
func Validate(m *Manifest) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("%s - %w: version %q: %v", logPrefix, ErrInvalidManifest, m.Version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%s - %w: version %s does not satisfy %s", logPrefix, ErrInvalidManifest, v, SupportedVersions)
	}

	seen := make(map[string]bool, len(m.Endpoints))
	for i, ep := range m.Endpoints {
		if ep.Path == "" {
			return fmt.Errorf("%s - %w: endpoint %d has no path", logPrefix, ErrInvalidManifest, i)
		}
		method := methodOf(ep)
		if !knownMethods[method] {
			return fmt.Errorf("%s - %w: endpoint %s has unknown method %q", logPrefix, ErrInvalidManifest, ep.Path, ep.Method)
		}
		if !knownStrategies[ep.Strategy] {
			return fmt.Errorf("%s - %w: endpoint %s has unknown strategy %q", logPrefix, ErrInvalidManifest, ep.Path, ep.Strategy)
		}
		d, err := ep.IntervalDuration()
		if err != nil || d < 0 {
			return fmt.Errorf("%s - %w: endpoint %s has invalid interval %q", logPrefix, ErrInvalidManifest, ep.Path, ep.Interval)
		}
		route := query.Route(ep.Path, method)
		if seen[route] {
			return fmt.Errorf("%s - %w: duplicate endpoint %s", logPrefix, ErrInvalidManifest, route)
		}
		seen[route] = true
	}

	for alias, target := range m.Aliases {
		if !seen[target] {
			return fmt.Errorf("%s - %w: alias %q targets unknown endpoint %q", logPrefix, ErrInvalidManifest, alias, target)
		}
	}
	return nil
}

func methodOf(ep EndpointSpec) string {
	if ep.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(ep.Method)
}

// GetDefaultManifest returns the fallback manifest: a single health check.
func GetDefaultManifest() *Manifest {
	return &Manifest{
		Name:        "querypipe-default",
		Version:     "1.0.0",
		Description: "Default endpoint manifest",
		Endpoints: []EndpointSpec{
			{
				Path:        "/health",
				Method:      http.MethodGet,
				Strategy:    StrategyLeading,
				Description: "Upstream health check",
			},
		},
		Aliases: map[string]string{
			"health": "/health [GET]",
		},
	}
}

// CreateResolvedManifest builds a ResolvedManifest for fast lookups.
func CreateResolvedManifest(m *Manifest) *ResolvedManifest {
	endpoints := make(map[string]*EndpointSpec, len(m.Endpoints))
	order := make([]string, 0, len(m.Endpoints))
	for _, ep := range m.Endpoints {
		e := ep
		e.Method = methodOf(ep)
		route := query.Route(e.Path, e.Method)
		endpoints[route] = &e
		order = append(order, route)
	}

	aliases := make(map[string]string, len(m.Aliases))
	for alias, target := range m.Aliases {
		aliases[alias] = target
	}

	return &ResolvedManifest{
		name:      m.Name,
		version:   m.Version,
		baseURL:   m.BaseURL,
		endpoints: endpoints,
		order:     order,
		aliases:   aliases,
	}
}

// MergeManifests merges override into base. Endpoints with the same route
// are replaced; new ones are appended.
func MergeManifests(base, override *Manifest) *Manifest {
	merged := *base
	merged.Endpoints = append([]EndpointSpec(nil), base.Endpoints...)

	index := make(map[string]int, len(merged.Endpoints))
	for i, ep := range merged.Endpoints {
		index[query.Route(ep.Path, methodOf(ep))] = i
	}
	for _, ep := range override.Endpoints {
		route := query.Route(ep.Path, methodOf(ep))
		if i, ok := index[route]; ok {
			merged.Endpoints[i] = ep
			continue
		}
		index[route] = len(merged.Endpoints)
		merged.Endpoints = append(merged.Endpoints, ep)
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	if override.BaseURL != "" {
		merged.BaseURL = override.BaseURL
	}
	return &merged
}
