package xcache

import (
	"context"
	"math"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"
)

// NewMemory returns an in-process cache with no size limit and a one hour
// TTL, sized to the lifetime of a single build invocation rather than a
// long-running service.
func NewMemory[T any]() Cache[T] {
	cache, err := otter.MustBuilder[string, T](math.MaxInt).
		WithTTL(time.Hour).
		Build()
	if err != nil {
		panic(err)
	}
	return &memoryCache[T]{cache: cache}
}

type memoryCache[T any] struct {
	cache     otter.Cache[string, T]
	loadGroup singleflight.Group
}

// Get returns the cached value for key, loading it through the Loader
// option on miss. Concurrent misses for the same key collapse into a
// single loader call.
func (c *memoryCache[T]) Get(ctx context.Context, key string, options ...Option[T]) (T, bool) {
	if v, ok := c.cache.Get(key); ok {
		return v, true
	}
	type loadResult struct {
		value T
		ok    bool
	}
	o := MakeOptions(options...)
	loaded, err, _ := c.loadGroup.Do(key, func() (any, error) {
		value, ok := o.Loader(ctx, key)
		if ok {
			c.cache.Set(key, value)
		}
		return loadResult{value: value, ok: ok}, nil
	})
	if err != nil {
		var zero T
		return zero, false
	}
	result := loaded.(loadResult)
	return result.value, result.ok
}

// Set stores value under key.
func (c *memoryCache[T]) Set(_ context.Context, key string, value T, _ ...Option[T]) {
	c.cache.Set(key, value)
}

// Delete removes key.
func (c *memoryCache[T]) Delete(_ context.Context, key string) {
	c.cache.Delete(key)
}
