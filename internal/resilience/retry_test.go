package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withinJitter(t *testing.T, got, base time.Duration, frac float64) {
	t.Helper()
	delta := time.Duration(float64(base) * frac)
	require.GreaterOrEqual(t, got, base-delta-time.Millisecond)
	require.LessOrEqual(t, got, base+delta+time.Millisecond)
}

func TestBackoff_GrowsExponentiallyUpToCap(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0 // deterministic for this test

	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())
	require.Equal(t, 8*time.Second, b.Next())
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0
	b.Initial = 600 * time.Second
	b.current = 600 * time.Second

	first := b.Next()
	require.Equal(t, 600*time.Second, first)
	second := b.Next()
	require.Equal(t, b.Max, second)
}

func TestBackoff_ResetsAfterStableConnection(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0
	b.Next()
	b.Next()
	b.Next() // current is now well above Reset

	b.NoteConnectionDuration(10 * time.Second) // > StableAfter
	require.Equal(t, b.Reset, b.current)
}

func TestBackoff_DoesNotResetOnShortConnection(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0
	b.Next()
	before := b.current

	b.NoteConnectionDuration(1 * time.Second) // < StableAfter
	require.Equal(t, before, b.current)
}

func TestBackoff_JitterStaysWithinFraction(t *testing.T) {
	b := NewBackoff()
	b.Initial = 10 * time.Second
	b.current = 10 * time.Second
	got := b.Next()
	withinJitter(t, got, 10*time.Second, b.Jitter)
}
