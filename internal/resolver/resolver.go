// Package resolver maps symbolic (service, region) destinations to concrete
// CIDR sets, with a TTL cache, single-flight refresh collapsing, and
// stale-but-available fallback when the authoritative source is down.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/edvin/egress/internal/model"
	"github.com/edvin/egress/internal/policy"
)

// ErrSourceUnavailable is returned when a refresh fails and no cached value
// exists to degrade to.
var ErrSourceUnavailable = errors.New("cidr source unavailable")

// UnknownServiceError marks a (service, region) pair the registry no longer
// recognizes. Possible when the registry shrank after a declaration was
// admitted.
type UnknownServiceError struct {
	Service string
	Region  string
}

func (e *UnknownServiceError) Error() string {
	if e.Region != "" {
		return fmt.Sprintf("unknown service/region pair %s/%s", e.Service, e.Region)
	}
	return fmt.Sprintf("unknown service %s", e.Service)
}

type cacheEntry struct {
	cidrs     []netip.Prefix
	fetchedAt time.Time
}

// Resolver caches per-(service, region) CIDR sets. Shared across all
// concurrent reconciliations: entry replacement is whole-value under the lock
// so readers never observe a torn set, and concurrent refreshes for the same
// key collapse to a single in-flight fetch.
type Resolver struct {
	logger zerolog.Logger
	source Source
	reg    *policy.Registry
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group
}

// New creates a resolver with the given cache TTL.
func New(logger zerolog.Logger, source Source, reg *policy.Registry, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		logger: logger.With().Str("component", "resolver").Logger(),
		source: source,
		reg:    reg,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve expands a service reference into the union of CIDRs for its regions.
// The result is sorted, so repeated resolution against the same cache state is
// deterministic. A refresh failure degrades to the last-known-good entry with
// the Stale flag set; only when no cached value exists does Resolve fail hard.
func (r *Resolver) Resolve(ctx context.Context, service string, regions []string) (model.ResolvedDestination, error) {
	if !r.reg.SupportsService(service) {
		return model.ResolvedDestination{}, &UnknownServiceError{Service: service}
	}

	dest := model.ResolvedDestination{
		Service:   service,
		Regions:   regions,
		FetchedAt: r.now(),
	}

	seen := make(map[netip.Prefix]struct{})
	for _, region := range regions {
		if !r.reg.SupportsRegion(region) {
			return model.ResolvedDestination{}, &UnknownServiceError{Service: service, Region: region}
		}
		entry, stale, err := r.resolvePair(ctx, service, region)
		if err != nil {
			return model.ResolvedDestination{}, err
		}
		if stale {
			dest.Stale = true
		}
		if entry.fetchedAt.Before(dest.FetchedAt) {
			dest.FetchedAt = entry.fetchedAt
		}
		for _, prefix := range entry.cidrs {
			if _, dup := seen[prefix]; dup {
				continue
			}
			seen[prefix] = struct{}{}
			dest.CIDRs = append(dest.CIDRs, prefix)
		}
	}

	sort.Slice(dest.CIDRs, func(i, j int) bool {
		a, b := dest.CIDRs[i], dest.CIDRs[j]
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		return a.Bits() < b.Bits()
	})

	return dest, nil
}

// resolvePair returns the cache entry for one (service, region) key,
// refreshing it when missing or older than the TTL.
func (r *Resolver) resolvePair(ctx context.Context, service, region string) (cacheEntry, bool, error) {
	key := service + "/" + region

	if entry, ok := r.lookup(key); ok && r.fresh(entry) {
		return entry, false, nil
	}

	// Collapse concurrent refreshes for the same key into one fetch; waiters
	// share its outcome.
	result, err, _ := r.sf.Do(key, func() (any, error) {
		// A refresh that completed while this caller waited on the lock makes
		// the fetch unnecessary.
		if entry, ok := r.lookup(key); ok && r.fresh(entry) {
			return entry, nil
		}
		cidrs, err := r.source.Fetch(ctx, service, region)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{cidrs: cidrs, fetchedAt: r.now()}
		r.mu.Lock()
		r.cache[key] = entry
		r.mu.Unlock()
		return entry, nil
	})

	if err != nil {
		// Stale-but-available beats unavailable.
		if entry, ok := r.lookup(key); ok {
			r.logger.Warn().
				Err(err).
				Str("key", key).
				Time("fetched_at", entry.fetchedAt).
				Msg("refresh failed, serving stale cached ranges")
			return entry, true, nil
		}
		return cacheEntry{}, false, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, key, err)
	}

	return result.(cacheEntry), false, nil
}

// Invalidate drops the cache entry for one (service, region) pair.
func (r *Resolver) Invalidate(service, region string) {
	r.mu.Lock()
	delete(r.cache, service+"/"+region)
	r.mu.Unlock()
}

func (r *Resolver) lookup(key string) (cacheEntry, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	return entry, ok
}

func (r *Resolver) fresh(entry cacheEntry) bool {
	return r.now().Sub(entry.fetchedAt) < r.ttl
}
