// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
)

// TaskError pairs a failed task's index with its error.
type TaskError struct {
	Index int
	Err   error
}

func (e TaskError) Error() string {
	return e.Err.Error()
}

// Gather runs every task concurrently and returns the successes alongside
// the failures. Unlike errgroup, one failing task does not cancel or fail
// the rest; this is the resilient-aggregation primitive used for upstream
// fan-out.
func Gather[T any](ctx context.Context, tasks []func(context.Context) (T, error)) ([]T, []TaskError) {
	results := make([]*T, len(tasks))
	errs := make([]*TaskError, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func(context.Context) (T, error)) {
			defer wg.Done()
			v, err := task(ctx)
			if err != nil {
				errs[i] = &TaskError{Index: i, Err: err}
				return
			}
			results[i] = &v
		}(i, task)
	}
	wg.Wait()

	var successes []T
	var failures []TaskError
	for i := range tasks {
		if errs[i] != nil {
			failures = append(failures, *errs[i])
			continue
		}
		successes = append(successes, *results[i])
	}
	return successes, failures
}
