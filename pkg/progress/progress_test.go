package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazil/sha1t48/pkg/progress"
)

func TestCounter_incrementAndSnapshot(t *testing.T) {
	t.Parallel()

	c := progress.NewCounter(10)

	for i := 0; i < 4; i++ {
		c.Increment()
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(4), snap.Done)
	assert.Equal(t, uint64(10), snap.Total)
	assert.False(t, c.Done())
}

func TestCounter_doneWhenTotalReached(t *testing.T) {
	t.Parallel()

	c := progress.NewCounter(3)
	c.Increment()
	c.Increment()
	c.Increment()

	assert.True(t, c.Done())
}

func TestCounter_concurrentIncrements(t *testing.T) {
	t.Parallel()

	const n = 1000

	c := progress.NewCounter(n)

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			c.Increment()
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(n), c.Snapshot().Done)
}

func TestRun_reportsUntilDone(t *testing.T) {
	t.Parallel()

	c := progress.NewCounter(2)

	var (
		mu        sync.Mutex
		snapshots []progress.Snapshot
	)

	reporter := progress.ReporterFunc(func(s progress.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		snapshots = append(snapshots, s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Increment()
		c.Increment()
	}()

	progress.Run(ctx, c, reporter, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, snapshots)
	assert.Equal(t, uint64(2), snapshots[len(snapshots)-1].Done)
}

func TestRun_stopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	c := progress.NewCounter(100)

	reported := make(chan progress.Snapshot, 1)
	reporter := progress.ReporterFunc(func(s progress.Snapshot) {
		select {
		case reported <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	progress.Run(ctx, c, reporter, time.Hour)

	select {
	case <-reported:
	default:
		t.Fatal("expected a final snapshot report on cancellation")
	}
}

func TestRun_nilReporterIsNoop(t *testing.T) {
	t.Parallel()

	c := progress.NewCounter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	progress.Run(ctx, c, nil, time.Millisecond)
}
