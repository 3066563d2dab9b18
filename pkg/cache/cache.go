// Package cache provides the per-kind configuration caches: keyed
// entries loaded on demand through an injected loader, expired by TTL
// and, for authorization contexts, by semantic fields inside the cached
// value. There is no single-key eviction, only whole-cache clearing.
package cache

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/metrics"
)

// DefaultTTL is the base expiration window when none is configured.
const DefaultTTL = 30 * time.Minute

// Loader fetches the record for an id. Returning a nil value or an
// error both surface as a uniform load error naming the entry kind.
type Loader[V any] func(ctx context.Context, id string) (V, error)

// ExpiryFunc reports whether a cached value is semantically expired,
// beyond the base TTL.
type ExpiryFunc[V any] func(value V, created, now time.Time) bool

type entry[V any] struct {
	value   V
	created time.Time
}

// Cache is a keyed cache for one configuration kind. Concurrent misses
// on the same id may both invoke the loader; the last writer wins. This
// is an accepted race, not an at-most-one-load guarantee.
type Cache[V any] struct {
	kind    string
	loader  Loader[V]
	items   *ttlcache.Cache[string, entry[V]]
	expired ExpiryFunc[V]
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithExpiry installs a semantic expiration check evaluated on every
// lookup in addition to the base TTL.
func WithExpiry[V any](fn ExpiryFunc[V]) Option[V] {
	return func(c *Cache[V]) { c.expired = fn }
}

// WithClock overrides the time source. Intended for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithLogger attaches a logger.
func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = logger }
}

// New creates a cache for the given entry kind. The kind appears in
// error messages ("machine configuration", "authorization context") and
// metric labels.
func New[V any](kind string, ttl time.Duration, loader Loader[V], opts ...Option[V]) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache[V]{
		kind:   kind,
		loader: loader,
		items: ttlcache.New[string, entry[V]](
			ttlcache.WithTTL[string, entry[V]](ttl),
			ttlcache.WithDisableTouchOnHit[string, entry[V]](),
		),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the unexpired cached value for id, or invokes the loader
// and caches its result. Loader failure, or a nil/absent result, wraps
// into a load error naming the entry kind and id.
func (c *Cache[V]) Get(ctx context.Context, id string) (V, error) {
	if item := c.items.Get(id); item != nil {
		e := item.Value()
		if c.expired == nil || !c.expired(e.value, e.created, c.now()) {
			metrics.CacheHits.WithLabelValues(c.kind).Inc()
			return e.value, nil
		}
		c.logger.Debug("cached entry semantically expired",
			zap.String("kind", c.kind), zap.String("id", id))
	}
	metrics.CacheMisses.WithLabelValues(c.kind).Inc()

	value, err := c.loader(ctx, id)
	if err == nil && isNil(value) {
		err = errors.New(errors.ErrorTypeLoad, "no value")
	}
	if err != nil {
		metrics.LoadFailures.WithLabelValues(c.kind).Inc()
		var zero V
		return zero, errors.Wrap(err, errors.ErrorTypeLoad,
			fmt.Sprintf("unable to load a %s for %q", c.kind, id))
	}

	c.items.Set(id, entry[V]{value: value, created: c.now()}, ttlcache.DefaultTTL)
	return value, nil
}

// Clear drops all entries.
func (c *Cache[V]) Clear() {
	c.items.DeleteAll()
}

// Len returns the number of stored entries, including ones past their
// TTL that have not been touched since.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
