package core

import (
	"context"
	"fmt"
	"sync"
)

// PipelineFunc runs one request through a fully assembled pipeline and
// produces its envelope. Implementations never return an error; all failure
// modes are encoded in the Response.
type PipelineFunc[T any] func(ctx context.Context, item T) *Response

// RunBatch fans items out over the pipeline with at most maxWorkers calls in
// flight. Results are returned in input order regardless of completion order,
// and the slice always has exactly len(items) entries: a worker panic is
// recovered and converted into an ERROR envelope for that slot.
//
// The pipeline is shared across workers; per-call state lives inside the
// decorator stack, which is safe for concurrent use.
func RunBatch[T any](ctx context.Context, items []T, maxWorkers int, fn PipelineFunc[T]) []*Response {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]*Response, len(items))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i] = &Response{
						Status: StatusError,
						Error:  fmt.Sprintf("panic in pipeline: %v", r),
					}
				}
			}()
			results[i] = fn(ctx, item)
		}(i, item)
	}
	wg.Wait()
	return results
}
