package pathkv

import "golang.org/x/sync/errgroup"

// fanOut runs f(0..n-1) concurrently, at most limit at a time when limit > 0,
// and returns the results by input position. It waits for every call to
// finish, then returns the first error that occurred; nothing already
// started is cancelled.
func fanOut[T any](n, limit int, f func(i int) (T, error)) ([]T, error) {
	results := make([]T, n)
	if n == 0 {
		return results, nil
	}
	if n == 1 {
		v, err := f(0)
		results[0] = v
		return results, err
	}
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := f(i)
			results[i] = v
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// fanOutErr is fanOut for calls without a result.
func fanOutErr(n, limit int, f func(i int) error) error {
	_, err := fanOut(n, limit, func(i int) (struct{}, error) {
		return struct{}{}, f(i)
	})
	return err
}
