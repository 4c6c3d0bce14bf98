// Package proxy resolves named proxy pools into ordered fallback tiers.
//
// Pools form a directed graph: each pool carries its own endpoints plus
// references to fallback pools. Resolving a pool walks the graph
// depth-first, and every visited pool contributes one tier (its own
// endpoint list) in visitation order: the pool itself first, then its
// first fallback and everything below it, then the second fallback, and
// so on. A pool reachable through several paths contributes once, at
// its first visit, and cycles terminate naturally because visited pools
// are never expanded twice.
package proxy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oiwn/FetchBox/pkg/log"
)

// ErrPoolNotFound indicates the named pool does not exist in the
// current definitions.
var ErrPoolNotFound = errors.New("proxy: pool not found")

// Endpoint is a single egress choice. An empty URL means a direct
// connection with no proxy.
type Endpoint struct {
	URL string
}

// Direct reports whether the endpoint bypasses any proxy.
func (e Endpoint) Direct() bool { return e.URL == "" }

func (e Endpoint) String() string {
	if e.Direct() {
		return "direct"
	}
	return e.URL
}

// PoolDef is one node of the pool graph as configured.
type PoolDef struct {
	// Endpoints are proxy URLs; the literal "direct" (or an empty
	// string) stands for a proxyless connection.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
	// Fallback names pools to try when every endpoint here fails.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// ResolvedPool is the flattened fallback plan for one pool.
type ResolvedPool struct {
	Name  string
	Tiers [][]Endpoint
}

// Endpoints returns all endpoints in tier order.
func (p *ResolvedPool) Endpoints() []Endpoint {
	var out []Endpoint
	for _, tier := range p.Tiers {
		out = append(out, tier...)
	}
	return out
}

// Resolver caches resolved pools until the definitions change.
type Resolver struct {
	mu     sync.RWMutex
	pools  map[string]PoolDef
	cache  map[string]*ResolvedPool
	logger log.Logger
}

// NewResolver builds a resolver over the given pool definitions.
func NewResolver(pools map[string]PoolDef, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Resolver{
		pools:  pools,
		cache:  make(map[string]*ResolvedPool),
		logger: logger.With(log.Component("proxy")),
	}
}

// Reload replaces the pool definitions and invalidates the cache.
func (r *Resolver) Reload(pools map[string]PoolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = pools
	r.cache = make(map[string]*ResolvedPool)
	r.logger.Info("proxy pools reloaded", log.Int("pools", len(pools)))
}

// Names returns the configured pool names, sorted.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for n := range r.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the tiered fallback plan for a pool. Results are
// cached; unknown fallback references are skipped with a warning so one
// bad edge does not take the whole pool down.
func (r *Resolver) Resolve(name string) (*ResolvedPool, error) {
	r.mu.RLock()
	if cached, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[name]; ok {
		return cached, nil
	}
	if _, ok := r.pools[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, name)
	}

	visited := make(map[string]bool)
	var tiers [][]Endpoint
	r.walk(name, visited, &tiers)

	resolved := &ResolvedPool{Name: name, Tiers: tiers}
	r.cache[name] = resolved
	return resolved, nil
}

// walk appends one tier per visited pool in depth-first preorder. Pools
// without endpoints of their own contribute no tier but are still
// expanded for their fallbacks.
func (r *Resolver) walk(name string, visited map[string]bool, tiers *[][]Endpoint) {
	if visited[name] {
		return
	}
	def, ok := r.pools[name]
	if !ok {
		r.logger.Warn("fallback references unknown pool", log.Str("pool", name))
		return
	}
	visited[name] = true
	if len(def.Endpoints) > 0 {
		tier := make([]Endpoint, 0, len(def.Endpoints))
		for _, raw := range def.Endpoints {
			tier = append(tier, parseEndpoint(raw))
		}
		*tiers = append(*tiers, tier)
	}
	for _, fb := range def.Fallback {
		r.walk(fb, visited, tiers)
	}
}

func parseEndpoint(raw string) Endpoint {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "direct") {
		return Endpoint{}
	}
	return Endpoint{URL: raw}
}
