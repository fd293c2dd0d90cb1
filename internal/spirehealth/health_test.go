package spirehealth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPassiveThresholdCrossingTransitions(t *testing.T) {
	r := NewRegistry(time.Minute)
	const key = "endpoint-e"

	// A single observation never flips state by itself before threshold.
	r.RecordPassive(key, false)
	r.RecordPassive(key, false)
	require.True(t, r.IsHealthy(key), "still healthy before 3rd consecutive failure")

	r.RecordPassive(key, false)
	require.False(t, r.IsHealthy(key), "3 consecutive failures trips unhealthy")

	// One success doesn't recover it; needs 2 consecutive per default.
	r.RecordPassive(key, true)
	require.False(t, r.IsHealthy(key))

	r.RecordPassive(key, true)
	require.True(t, r.IsHealthy(key), "2 consecutive successes recovers")
}

func TestUnknownEndpointTreatedHealthy(t *testing.T) {
	r := NewRegistry(time.Minute)
	require.True(t, r.IsHealthy("never-seen"))
	require.Equal(t, StateUnknown, r.State("never-seen"))
}

func TestStartProbeCancelsPriorGoroutineUnderSameKey(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := Target{Key: "e", Authority: "127.0.0.1", Port: 1, Prober: &TCPProber{}, Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}
	r.StartProbe(ctx, target, 1, 1)
	time.Sleep(30 * time.Millisecond)
	require.False(t, r.IsHealthy("e"), "dialing a closed port should fail the probe")

	r.StartProbe(ctx, target, 1, 1)
	r.StopProbe("e")
}

func TestFailureStreakResetsOnIntermittentSuccess(t *testing.T) {
	r := NewRegistry(time.Minute)
	const key = "endpoint-flaky"

	r.RecordPassive(key, false)
	r.RecordPassive(key, false)
	r.RecordPassive(key, true) // resets the failure streak
	r.RecordPassive(key, false)
	r.RecordPassive(key, false)
	require.True(t, r.IsHealthy(key), "streak was broken, threshold of 3 never reached consecutively")
}

func TestStopProbeRemovesKeyFromProbeKeys(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := Target{Key: "dropped", Authority: "127.0.0.1", Port: 1, Prober: &TCPProber{}, Interval: time.Hour, Timeout: time.Second}
	r.StartProbe(ctx, target, 1, 1)
	require.Contains(t, r.ProbeKeys(), "dropped")

	r.StopProbe("dropped")
	require.NotContains(t, r.ProbeKeys(), "dropped")
}

func TestSetOnTransitionReportsStateAfterEveryObservation(t *testing.T) {
	r := NewRegistry(time.Minute)
	var seen []State
	r.SetOnTransition(func(key string, state State) {
		require.Equal(t, "e", key)
		seen = append(seen, state)
	})

	r.RecordPassive("e", false)
	r.RecordPassive("e", false)
	r.RecordPassive("e", false) // 3rd consecutive failure trips Unhealthy

	require.Len(t, seen, 3)
	require.Equal(t, StateUnknown, seen[0])
	require.Equal(t, StateUnknown, seen[1])
	require.Equal(t, StateUnhealthy, seen[2])
}
