package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := newWorkerPool(2, 8, discardLogger())

	var ran atomic.Uint64
	for i := 0; i < 10; i++ {
		pool.submit("count", func(context.Context) {
			ran.Add(1)
		})
	}
	pool.drain()

	assert.Equal(t, uint64(10), ran.Load())
}

func TestWorkerPoolInlineWhenFull(t *testing.T) {
	pool := newWorkerPool(1, 1, discardLogger())

	block := make(chan struct{})
	pool.submit("blocker", func(context.Context) {
		<-block
	})
	// The single worker is busy; fill the queue slot, then overflow.
	pool.submit("queued", func(context.Context) {})

	inlineRan := make(chan struct{})
	pool.submit("overflow", func(context.Context) {
		close(inlineRan)
	})

	select {
	case <-inlineRan:
	case <-time.After(2 * time.Second):
		t.Fatal("overflow task did not run inline")
	}
	assert.Equal(t, uint64(1), pool.inline.Load())

	close(block)
	pool.drain()
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := newWorkerPool(1, 4, discardLogger())

	done := make(chan struct{})
	pool.submit("boom", func(context.Context) {
		panic("boom")
	})
	pool.submit("after", func(context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	pool.drain()
}

func TestWorkerPoolSubmitDuringDrain(t *testing.T) {
	// Submits racing drain must never be lost or panic; after drain both
	// queued and late tasks have run, late ones inline on the caller.
	pool := newWorkerPool(2, 4, discardLogger())

	var ran atomic.Uint64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pool.submit("racer", func(context.Context) {
				ran.Add(1)
			})
		}()
	}

	close(start)
	pool.drain()
	wg.Wait()

	assert.Equal(t, uint64(32), ran.Load())
}

func TestWorkerPoolDrainIdempotent(t *testing.T) {
	pool := newWorkerPool(1, 1, discardLogger())
	pool.drain()
	require.NotPanics(t, pool.drain)
}
