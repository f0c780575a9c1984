package utils

import "sync"

// ForEachLimit runs fn over every item with at most maxWorkers concurrent
// invocations. Items beyond the limit wait for a slot; the call returns once
// every invocation has finished.
func ForEachLimit[T any](items []T, maxWorkers int, fn func(T)) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	workers := min(len(items), maxWorkers)
	queue := make(chan T)

	wg := sync.WaitGroup{}
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			for item := range queue {
				fn(item)
			}
		}()
	}

	for _, item := range items {
		queue <- item
	}
	close(queue)

	wg.Wait()
}
