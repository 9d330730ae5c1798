package parallel

import (
	"context"
	"iter"
	"sync"
)

// Map applies a function to the items of an iterator using at most limit
// goroutines. Results are yielded in the order of completion.
type Map[T, R any] struct {
	ctx   context.Context
	limit int
	f     func(context.Context, T) (R, error)
}

func NewMap[T, R any](ctx context.Context, limit int, f func(context.Context, T) (R, error)) Map[T, R] {
	if limit <= 0 {
		limit = 1
	}
	return Map[T, R]{
		ctx:   ctx,
		limit: limit,
		f:     f,
	}
}

type result[R any] struct {
	value R
	err   error
}

// Iter consumes seq and yields the results of f. No new item is taken from
// seq once the context is done and results of calls running while the
// context got cancelled are dropped. Input errors are passed through.
// All spawned goroutines have finished when the returned iterator returns.
func (m Map[T, R]) Iter(seq iter.Seq2[T, error]) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		results := make(chan result[R])
		sem := make(chan struct{}, m.limit)

		go func() {
			var wg sync.WaitGroup
			defer func() {
				wg.Wait()
				close(results)
			}()

			for item, err := range seq {
				if err != nil {
					var zero R
					select {
					case results <- result[R]{value: zero, err: err}:
						continue
					case <-ctx.Done():
						return
					}
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				if ctx.Err() != nil {
					<-sem
					return
				}

				wg.Go(func() {
					defer func() { <-sem }()
					value, err := m.f(ctx, item)
					if ctx.Err() != nil {
						return
					}
					select {
					case results <- result[R]{value: value, err: err}:
					case <-ctx.Done():
					}
				})
			}
		}()

		for r := range results {
			if !yield(r.value, r.err) {
				cancel()
				break
			}
		}
		// wait for the producers to finish
		for range results {
		}
	}
}
