package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/imgforge/internal/apierror"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(4, 16)
	defer p.Shutdown()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(Task{Run: func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		}})
		require.NoError(t, err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, seen)
}

func TestPool_SubmitReturnsQueueFullWhenSaturated(t *testing.T) {
	p := New(1, 1)
	defer p.Shutdown()

	block := make(chan struct{})
	unblock := make(chan struct{})

	// Occupy the single worker so the queue backs up.
	require.NoError(t, p.Submit(Task{Run: func() {
		close(block)
		<-unblock
	}}))
	<-block

	// Fill the one queue slot.
	require.NoError(t, p.Submit(Task{Run: func() {}}))

	// Pool is now saturated: worker busy, queue full.
	err := p.Submit(Task{Run: func() {}})
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.QueueFull, ae.Kind)

	close(unblock)
}

func TestPool_ExecuteRecoversPanickingTask(t *testing.T) {
	p := New(1, 4)
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(Task{Run: func() {
		defer wg.Done()
		panic("boom")
	}}))
	wg.Wait()

	// Pool must still accept further work after recovering a panic.
	var ran bool
	var wg2 sync.WaitGroup
	wg2.Add(1)
	require.NoError(t, p.Submit(Task{Run: func() {
		defer wg2.Done()
		ran = true
	}}))
	wg2.Wait()
	assert.True(t, ran)
}

func TestPool_StatsReportsUtilization(t *testing.T) {
	p := New(2, 8)
	defer p.Shutdown()

	stats := p.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 8, stats.QueueCapacity)
	assert.Equal(t, 0, stats.Active)
}

func TestPool_ShutdownDrainsInFlightTasks(t *testing.T) {
	p := New(2, 8)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	require.NoError(t, p.Submit(Task{Run: func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
	}}))

	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return in time")
	}
	wg.Wait()
}
