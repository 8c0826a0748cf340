package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunClosureFIFOWithinBand(t *testing.T) {
	s := New(1)
	defer s.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, s.RunClosure(Med, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPriorityDominance(t *testing.T) {
	s := New(1)
	defer s.Shutdown()

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, s.RunClosure(Low, func() {
		<-block
		wg.Done()
	}))

	var mu sync.Mutex
	var order []string
	wg.Add(2)
	require.NoError(t, s.RunClosure(Low, func() {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
		wg.Done()
	}))
	require.NoError(t, s.RunClosure(Immediate, func() {
		mu.Lock()
		order = append(order, "immediate")
		mu.Unlock()
		wg.Done()
	}))
	close(block)
	wg.Wait()
	assert.Equal(t, []string{"immediate", "low"}, order)
}

func TestRunClosureInThreadPinned(t *testing.T) {
	s := New(4)
	defer s.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, s.RunClosureInThread(1, Med, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	s := New(1)
	s.Shutdown()
	err := s.RunClosure(Med, func() {})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestRegisterPeriodicClosureFiresRepeatedly(t *testing.T) {
	s := New(1)
	defer s.Shutdown()

	var n int32
	id := s.RegisterPeriodicClosure(5*time.Millisecond, func() {
		atomic.AddInt32(&n, 1)
	})
	time.Sleep(60 * time.Millisecond)
	s.UnregisterPeriodicClosure(id)
	got := atomic.LoadInt32(&n)
	assert.True(t, got >= 2, "expected at least 2 firings, got %d", got)
}

func TestNamedPoolIsolatesWork(t *testing.T) {
	s := New(1, WithPool("compiler_info", 1))
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	var ran bool
	require.NoError(t, s.RunClosureInPool("compiler_info", Med, func() {
		ran = true
		wg.Done()
	}))
	wg.Wait()
	assert.True(t, ran)
}
