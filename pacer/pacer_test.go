package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	const expectedRetries = 7
	const expectedConnections = 9
	p := New(RetriesOption(expectedRetries), MaxConnectionsOption(expectedConnections))
	d, ok := p.calculator.(*Default)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d.minSleep)
	assert.Equal(t, 2*time.Second, d.maxSleep)
	assert.Equal(t, d.minSleep, p.state.SleepTime)
	assert.Equal(t, uint(2), d.decayConstant)
	assert.Equal(t, uint(1), d.attackConstant)
	assert.Equal(t, expectedRetries, p.retries)
	assert.Equal(t, expectedConnections, p.maxConnections)
	assert.Equal(t, expectedConnections, cap(p.connTokens))
	assert.Equal(t, 0, p.state.ConsecutiveRetries)
}

func TestMaxConnections(t *testing.T) {
	p := New()
	p.SetMaxConnections(20)
	assert.Equal(t, 20, p.maxConnections)
	assert.Equal(t, 20, cap(p.connTokens))
	p.SetMaxConnections(0)
	assert.Equal(t, 0, p.maxConnections)
	assert.Nil(t, p.connTokens)
}

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
		{State{SleepTime: 1 * time.Millisecond}, 3, (7 * time.Millisecond) / 8},
	} {
		c.decayConstant = test.decayConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestTokenDispenser(t *testing.T) {
	td := NewTokenDispenser(5)
	assert.Equal(t, 5, len(td.tokens))
	td.Get()
	assert.Equal(t, 4, len(td.tokens))
	td.Put()
	assert.Equal(t, 5, len(td.tokens))
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	p := New(RetriesOption(5), MinSleep(time.Microsecond), MaxSleep(time.Millisecond))
	attempts := 0
	err := p.Call(func() (bool, error) {
		attempts++
		if attempts < 3 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCallExhaustsRetries(t *testing.T) {
	p := New(RetriesOption(2), MinSleep(time.Microsecond), MaxSleep(time.Millisecond))
	attempts := 0
	wantErr := errors.New("permanent")
	err := p.Call(func() (bool, error) {
		attempts++
		return true, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestCallNoRetry(t *testing.T) {
	p := New()
	calls := 0
	err := p.CallNoRetry(func() error {
		calls++
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
