package keeper

import (
	"context"
	"sync"
)

// runBounded calls fn for every item with at most limit calls in flight and
// blocks until all of them have returned. Items not yet started when ctx is
// cancelled are skipped.
func runBounded[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) {
	if len(items) == 0 {
		return
	}
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, item := range items {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(it T) {
			defer func() {
				<-semaphore
				wg.Done()
			}()
			fn(ctx, it)
		}(item)
	}

	wg.Wait()
}
