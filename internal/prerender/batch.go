package prerender

import (
	"golang.org/x/sync/errgroup"
)

// Job is one admitted unit of work.
type Job[T any] func() (T, error)

// RunBatches issues total jobs in waves of at most limit concurrent jobs. A
// wave is awaited in full before the next one is admitted; there is no work
// stealing. admit is called on the caller's goroutine, in index order, right
// before the wave containing that index starts; it may return nil to skip the
// slot. A limit <= 0 runs everything in a single wave.
//
// The first failing job fails the whole call. Jobs already running in that
// wave finish, but no further wave is admitted. Results are returned in
// admission order, with the zero value for skipped slots.
func RunBatches[T any](total, limit int, admit func(i int) Job[T]) ([]T, error) {
	if total <= 0 {
		return nil, nil
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	results := make([]T, total)
	for start := 0; start < total; start += limit {
		end := min(start+limit, total)
		var g errgroup.Group
		for i := start; i < end; i++ {
			job := admit(i)
			if job == nil {
				continue
			}
			g.Go(func() error {
				out, err := job()
				if err != nil {
					return err
				}
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results[:start], err
		}
	}
	return results, nil
}
