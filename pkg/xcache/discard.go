package xcache

import "context"

// NewDiscard returns a Cache that stores nothing, useful for tests that
// want every token/challenge lookup to miss deterministically.
func NewDiscard[T any]() Cache[T] {
	return discardCache[T]{}
}

type discardCache[T any] struct{}

func (discardCache[T]) Get(ctx context.Context, key string, options ...Option[T]) (T, bool) {
	o := MakeOptions(options...)
	return o.Loader(ctx, key)
}

func (discardCache[T]) Set(context.Context, string, T, ...Option[T]) {}

func (discardCache[T]) Delete(context.Context, string) {}
