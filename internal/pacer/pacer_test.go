package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecay(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in            State
		decayConstant uint
		want          time.Duration
	}{
		{State{SleepTime: 8 * time.Millisecond}, 1, 4 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond}, 0, 1 * time.Microsecond},
		{State{SleepTime: 1 * time.Millisecond}, 2, (3 * time.Millisecond) / 4},
	} {
		c.decayConstant = test.decayConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestAttack(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in             State
		attackConstant uint
		want           time.Duration
	}{
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 1, (3 * time.Millisecond) / 2},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 0, 1 * time.Second},
	} {
		c.attackConstant = test.attackConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestCallStopsOnNonRetryableSuccess(t *testing.T) {
	p := New(CalculatorOption(NewDefault(MinSleep(time.Microsecond))))
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesUpToLimit(t *testing.T) {
	p := New(RetriesOption(3), CalculatorOption(NewDefault(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))))
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return true, errors.New("transient")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls, "1 initial + 3 retries")
}

func TestMaxConnections(t *testing.T) {
	p := New()
	p.SetMaxConnections(20)
	assert.Equal(t, 20, cap(p.connTokens))
	p.SetMaxConnections(0)
	assert.Nil(t, p.connTokens)
}
