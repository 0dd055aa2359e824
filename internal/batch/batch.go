// Package batch wraps go-microbatch's Batcher to merge values submitted
// within a short window into one dispatch. The adapter queue variant uses
// it to debounce its delivery kicks; the tasks themselves stay in the
// queue's own priority maps.
package batch

import (
	"context"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
)

// Job is one value handed to a Dispatcher, identified opaquely by Value; the
// adapter queue variant submits an empty struct{}{} per kick.
type Job struct {
	Value any
}

// Dispatcher runs one batch of jobs; errors are logged by the caller, not
// propagated to individual jobs (a queue dispatch has no caller waiting on
// a return value).
type Dispatcher func(jobs []any)

// Batcher merges same-priority due tasks arriving within a short window
// into a single Dispatcher call instead of one call per task.
type Batcher struct {
	inner *microbatch.Batcher[Job]
}

// New constructs a Batcher that flushes after maxSize jobs accumulate or
// flushInterval elapses, whichever comes first.
func New(maxSize int, flushInterval time.Duration, dispatch Dispatcher) *Batcher {
	b := &Batcher{}
	b.inner = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       maxSize,
		FlushInterval: flushInterval,
		MaxConcurrency: 1,
	}, func(ctx context.Context, jobs []Job) error {
		values := make([]any, len(jobs))
		for i, j := range jobs {
			values[i] = j.Value
		}
		dispatch(values)
		return nil
	})
	return b
}

// Submit enqueues value for the next batch and blocks until that batch has
// been dispatched.
func (b *Batcher) Submit(ctx context.Context, value any) error {
	result, err := b.inner.Submit(ctx, Job{Value: value})
	if err != nil {
		return err
	}
	return result.Wait(ctx)
}

// Close stops accepting new jobs and waits for in-flight batches to finish.
func (b *Batcher) Close() error {
	return b.inner.Close()
}
