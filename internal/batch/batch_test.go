package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt/internal/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherMergesWithinFlushInterval(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var total int

	b := batch.New(16, 30*time.Millisecond, func(jobs []any) {
		mu.Lock()
		calls++
		total += len(jobs)
		mu.Unlock()
	})
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Submit(ctx, i))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, total)
	assert.LessOrEqual(t, calls, 5)
}

func TestBatcherFlushesOnMaxSize(t *testing.T) {
	batchSizes := make(chan int, 4)
	b := batch.New(2, time.Hour, func(jobs []any) {
		batchSizes <- len(jobs)
	})
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Submit(ctx, i))
		}()
	}
	wg.Wait()

	select {
	case n := <-batchSizes:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("batch did not flush on reaching max size")
	}
}
