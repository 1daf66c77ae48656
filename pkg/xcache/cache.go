// Package xcache provides a small generic cache abstraction used to hold
// bearer tokens and auth challenges per registry host, so a build touching
// many base-layer blobs on the same host authenticates once.
package xcache

import "context"

// Cache stores values of type T keyed by string.
type Cache[T any] interface {
	// Get returns the value of key, loading it via the Loader option on miss.
	Get(ctx context.Context, key string, options ...Option[T]) (T, bool)
	// Set stores value under key.
	Set(ctx context.Context, key string, value T, options ...Option[T])
	// Delete removes key.
	Delete(ctx context.Context, key string)
}

// ValueLoader loads the value for key on a cache miss.
type ValueLoader[T any] func(ctx context.Context, key string) (T, bool)

// Option configures a Get or Set call.
type Option[T any] func(*Options[T])

// Options holds the configuration assembled from a call's Option values.
type Options[T any] struct {
	Loader ValueLoader[T]
}

// WithLoader sets the loader invoked on a cache miss.
func WithLoader[T any](loader ValueLoader[T]) Option[T] {
	return func(o *Options[T]) { o.Loader = loader }
}

// MakeOptions applies options over a zero Options value.
func MakeOptions[T any](options ...Option[T]) *Options[T] {
	o := &Options[T]{}
	for _, apply := range options {
		apply(o)
	}
	if o.Loader == nil {
		o.Loader = func(context.Context, string) (T, bool) {
			var zero T
			return zero, false
		}
	}
	return o
}
