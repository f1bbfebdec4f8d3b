package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() Backoff {
	return Backoff{
		Initial:         time.Millisecond,
		Max:             4 * time.Millisecond,
		Multiplier:      2,
		StartupAttempts: 4,
		Poll:            5 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
	}
}

func quietMonitor() *Monitor {
	return NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDefaultBackoff(t *testing.T) {
	b := Backoff{Initial: time.Second}.withDefaults()
	assert.Equal(t, time.Second, b.Initial)
	assert.Equal(t, time.Minute, b.Max)
	assert.Equal(t, 2.0, b.Multiplier)
	assert.Equal(t, 5, b.StartupAttempts)
	assert.Equal(t, time.Minute, b.Poll)
	assert.Equal(t, 10*time.Second, b.ProbeTimeout)
}

func TestMonitor_ReadyAfterRetries(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	var calls atomic.Int32
	m.Watch(t.Context(), "openai", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastBackoff())

	require.Eventually(t, m.Ready, time.Second, time.Millisecond)
	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "openai", st[0].Name)
	assert.Empty(t, st[0].LastError)
	assert.False(t, st[0].LastCheck.IsZero())
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestMonitor_TransitionsWhilePolling(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	var down atomic.Bool
	m.Watch(t.Context(), "store", func(context.Context) error {
		if down.Load() {
			return errors.New("store offline")
		}
		return nil
	}, fastBackoff())

	require.Eventually(t, m.Ready, time.Second, time.Millisecond)

	down.Store(true)
	require.Eventually(t, func() bool { return !m.Ready() }, time.Second, time.Millisecond)
	assert.Equal(t, "store offline", m.Status()[0].LastError)

	down.Store(false)
	require.Eventually(t, m.Ready, time.Second, time.Millisecond)
}

func TestMonitor_StartupGivesUp(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	m.Watch(t.Context(), "anthropic", func(context.Context) error {
		return errors.New("unauthorized")
	}, fastBackoff())

	require.Eventually(t, func() bool {
		st := m.Status()
		return len(st) == 1 && st[0].LastError == "unauthorized"
	}, time.Second, time.Millisecond)
	assert.False(t, m.Ready())
}

func TestMonitor_StatusSortedAndNilSafe(t *testing.T) {
	var nilMonitor *Monitor
	assert.Nil(t, nilMonitor.Status())
	assert.True(t, nilMonitor.Ready())

	m := quietMonitor()
	ok := func(context.Context) error { return nil }
	m.Watch(t.Context(), "store", ok, fastBackoff())
	m.Watch(t.Context(), "anthropic", ok, fastBackoff())
	m.Watch(t.Context(), "openai", ok, fastBackoff())

	st := m.Status()
	require.Len(t, st, 3)
	assert.Equal(t, []string{"anthropic", "openai", "store"}, []string{st[0].Name, st[1].Name, st[2].Name})

	m.Stop()
}

func TestMonitor_StopsWithContext(t *testing.T) {
	m := quietMonitor()
	ctx, cancel := context.WithCancel(t.Context())

	var calls atomic.Int32
	m.Watch(ctx, "slow", func(context.Context) error {
		calls.Add(1)
		return nil
	}, fastBackoff())

	require.Eventually(t, m.Ready, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
