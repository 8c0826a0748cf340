package compileservice

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compileproxy/compileproxy/internal/wire"
)

func newTestService(opt Options, run RunFunc) *Service {
	ct := NewCounterTable(prometheus.NewRegistry())
	if run == nil {
		run = func(ctx context.Context, t *Task) {
			t.SetState(StateFinished)
		}
	}
	return New(opt, ct, nil, run)
}

func TestExecAdmitsUnderCap(t *testing.T) {
	s := newTestService(Options{MaxActiveTasks: 2}, func(ctx context.Context, t *Task) {})
	task, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.ID)
	assert.Eventually(t, func() bool { return s.ActiveCount() == 1 }, time.Second, time.Millisecond)
}

func TestExecQueuesOverCapAndPromotesOnRetire(t *testing.T) {
	release := make(chan struct{})
	var s *Service
	s = newTestService(Options{MaxActiveTasks: 1, MaxFinishedTasks: 10}, func(ctx context.Context, t *Task) {
		<-release
		t.SetState(StateFinished)
		s.CompileTaskDone(t)
	})

	t1, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)
	t2, err := s.Exec(context.Background(), "t2", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.ActiveCount() == 1 && s.PendingCount() == 1 }, time.Second, time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool { return s.FinishedCount() == 2 && s.ActiveCount() == 0 }, time.Second, time.Millisecond)
	_ = t1
	_ = t2
}

func TestFailedTaskEntersFailedRing(t *testing.T) {
	var s *Service
	s = newTestService(Options{MaxActiveTasks: 5, MaxFinishedTasks: 10, MaxFailedTasks: 10}, func(ctx context.Context, t *Task) {
		t.MarkFailed()
		t.SetState(StateFinished)
		s.CompileTaskDone(t)
	})
	_, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.FailedCount() == 1 }, time.Second, time.Millisecond)
}

func TestCanceledTaskSkipsRings(t *testing.T) {
	var s *Service
	s = newTestService(Options{MaxActiveTasks: 5, MaxFinishedTasks: 10}, func(ctx context.Context, t *Task) {
		t.MarkCanceled()
		t.SetState(StateAborted)
		s.CompileTaskDone(t)
	})
	_, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.ActiveCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.FinishedCount())
}

func TestFinishedRingEvictsOldest(t *testing.T) {
	var s *Service
	s = newTestService(Options{MaxActiveTasks: 5, MaxFinishedTasks: 2}, func(ctx context.Context, t *Task) {
		t.SetState(StateFinished)
		s.CompileTaskDone(t)
	})
	for i := 0; i < 5; i++ {
		_, err := s.Exec(context.Background(), "t", wire.Requester{}, wire.ExecReq{})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return s.FinishedCount() == 2 }, time.Second, time.Millisecond)
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	release := make(chan struct{})
	var s *Service
	s = newTestService(Options{MaxActiveTasks: 5, MaxFinishedTasks: 10}, func(ctx context.Context, t *Task) {
		<-release
		t.SetState(StateFinished)
		s.CompileTaskDone(t)
	})
	_, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	require.NoError(t, err)

	waitDone := make(chan error, 1)
	go func() { waitDone <- s.Wait(context.Background()) }()

	select {
	case <-waitDone:
		t.Fatal("Wait returned before task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestFallbackBudgetGrantsWithinGraceWindow(t *testing.T) {
	s := newTestService(Options{MaxActiveFailFallbackTasks: 2, AllowedMaxActiveFailFallbackDuration: 50 * time.Millisecond}, nil)
	assert.True(t, s.IncrementActiveFailFallbackTasks())
	assert.True(t, s.IncrementActiveFailFallbackTasks())
	assert.True(t, s.IncrementActiveFailFallbackTasks(), "third exceeds cap but is within grace window")
}

func TestFallbackBudgetRefusesAfterGraceWindow(t *testing.T) {
	s := newTestService(Options{MaxActiveFailFallbackTasks: 1, AllowedMaxActiveFailFallbackDuration: 10 * time.Millisecond}, nil)
	assert.True(t, s.IncrementActiveFailFallbackTasks())
	assert.True(t, s.IncrementActiveFailFallbackTasks(), "exceeds cap but within grace window")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.IncrementActiveFailFallbackTasks(), "grace window elapsed")
}

func TestFallbackBudgetResetsAfterDecrementBelowCap(t *testing.T) {
	s := newTestService(Options{MaxActiveFailFallbackTasks: 1, AllowedMaxActiveFailFallbackDuration: 10 * time.Millisecond}, nil)
	assert.True(t, s.IncrementActiveFailFallbackTasks())
	assert.True(t, s.IncrementActiveFailFallbackTasks())
	s.DecrementActiveFailFallbackTasks()
	s.DecrementActiveFailFallbackTasks()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.IncrementActiveFailFallbackTasks(), "budget reset once back under cap")
}

func TestQuitThenWaitCompletesOnEmptyRegistry(t *testing.T) {
	s := newTestService(Options{MaxActiveTasks: 1}, nil)
	s.Quit()
	require.NoError(t, s.Wait(context.Background()))

	_, err := s.Exec(context.Background(), "t1", wire.Requester{}, wire.ExecReq{})
	assert.ErrorIs(t, err, ErrQuitting)
}
