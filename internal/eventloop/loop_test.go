package eventloop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesOnLoop(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	ran := false
	err := l.Run(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunPropagatesError(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	want := errors.New("boom")
	err := l.Run(func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestRunRecoversPanic(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	err := l.Run(func() error { panic("bad work item") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad work item")

	// The loop survives the panic.
	err = l.Run(func() error { return nil })
	assert.NoError(t, err)
}

func TestSubmissionOrder(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	// Run flushes behind the posted items.
	require.NoError(t, l.Run(func() error { return nil }))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRunAfterStopReturnsNil(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()

	ran := false
	err := l.Run(func() error {
		ran = true
		return errors.New("should never surface")
	})
	assert.NoError(t, err)
	assert.False(t, ran)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()
	l.Stop()
}

func TestOnStopHookRuns(t *testing.T) {
	l := New()
	var hookRan atomic.Bool
	l.OnStop(func() { hookRan.Store(true) })
	l.Start()
	l.Stop()
	assert.True(t, hookRan.Load())
}

func TestAfterFires(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	fired := make(chan struct{})
	l.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestAfterStopCancels(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	var fired atomic.Bool
	timer := l.After(50*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, l.Run(func() error { return nil }))
	assert.False(t, fired.Load())
}

func TestTimerStopAfterFire(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	fired := make(chan struct{})
	timer := l.After(time.Millisecond, func() { close(fired) })
	<-fired
	timer.Stop()
}
