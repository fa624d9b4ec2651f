// Package policy implements the request-policy orchestrator: the per-call
// state machine that decides the cache/network mix for every logical
// operation, performs the remote call through the injected client, and
// writes results back through the local document store.
package policy

import (
	"fmt"
	"time"
)

// Policy enumerates the cache/network strategies.
type Policy string

const (
	// CacheOnly never touches the network; writes are tagged noSync and
	// excluded from the retry scheduler.
	CacheOnly Policy = "cacheOnly"
	// NetworkOnly never touches the cache; failures are surfaced.
	NetworkOnly Policy = "networkOnly"
	// CacheAndNetwork prefers the network and falls back to the cache,
	// giving resilient offline-first behavior. This is the default.
	CacheAndNetwork Policy = "cacheAndNetwork"
	// CacheFirst serves the cache immediately and refreshes from the
	// network in the background.
	CacheFirst Policy = "cacheFirst"
	// NetworkFirst requires the network and fails hard when it is
	// unreachable; the cache is only written after a network success.
	NetworkFirst Policy = "networkFirst"
)

// usesNetwork reports whether the policy attempts a synchronous network leg.
func (p Policy) usesNetwork() bool {
	return p == NetworkOnly || p == CacheAndNetwork || p == NetworkFirst
}

// usesCache reports whether the policy may read from or write to the cache.
func (p Policy) usesCache() bool {
	return p != NetworkOnly
}

// strict reports whether a network failure must be surfaced instead of
// falling back to the cache.
func (p Policy) strict() bool {
	return p == NetworkOnly || p == NetworkFirst
}

// Options configures a single orchestrated call.
type Options struct {
	// Policy defaults to CacheAndNetwork when empty.
	Policy Policy

	// Filter, Sort, Expand, and Fields use the textual surfaces of the
	// remote API and are applied identically to network and cache legs.
	Filter string
	Sort   string
	Expand string
	Fields string

	// Timeout bounds the network leg only; cache operations are not
	// subject to caller-supplied timeouts.
	Timeout time.Duration
}

func (o Options) policy() Policy {
	if o.Policy == "" {
		return CacheAndNetwork
	}
	return o.Policy
}

// NoDataError reports a read that neither network nor cache could satisfy.
type NoDataError struct {
	Op         string
	Collection string
	Policy     Policy
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data available for %s on %s (policy %s)", e.Op, e.Collection, e.Policy)
}
