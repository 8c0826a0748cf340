package compileservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBudgetAcquireRelease(t *testing.T) {
	b := NewOutputBudget(100)
	require.NoError(t, b.Acquire(context.Background(), 60))
	assert.Equal(t, int64(60), b.Cur())
	b.Release(60)
	assert.Equal(t, int64(0), b.Cur())
}

func TestOutputBudgetTryAcquireFailsOverCap(t *testing.T) {
	b := NewOutputBudget(100)
	assert.True(t, b.TryAcquire(100))
	assert.False(t, b.TryAcquire(1))
	assert.Equal(t, int64(100), b.Cur())
}

func TestOutputBudgetTracksReqPeak(t *testing.T) {
	b := NewOutputBudget(1000)
	require.NoError(t, b.Acquire(context.Background(), 10))
	require.NoError(t, b.Acquire(context.Background(), 20))
	assert.Equal(t, int64(20), b.ReqPeak())
}
