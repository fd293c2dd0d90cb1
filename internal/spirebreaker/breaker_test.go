package spirebreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pterx/spire/internal/spireerr"
)

func TestBreakerTripsAfterThresholdAndRecovers(t *testing.T) {
	var transitions []string
	reg := NewRegistry(func(endpoint string, from, to Phase) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	cfg := Config{FailureThreshold: 5, WindowSeconds: 10 * time.Second, Cooldown: 150 * time.Millisecond}
	const key = "upstream-e"

	upstreamErr := errors.New("502")
	for i := 0; i < 5; i++ {
		err := Allow(reg, key, cfg, func() error { return upstreamErr })
		require.ErrorIs(t, err, upstreamErr)
	}
	require.Equal(t, PhaseOpen, reg.Phase(key))

	err := Allow(reg, key, cfg, func() error {
		t.Fatal("fn must not be called while breaker is open")
		return nil
	})
	se, ok := spireerr.As(err)
	require.True(t, ok)
	require.Equal(t, spireerr.KindBreakerOpen, se.Kind)

	time.Sleep(200 * time.Millisecond)

	err = Allow(reg, key, cfg, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, PhaseClosed, reg.Phase(key))
}

func TestBreakerHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	reg := NewRegistry(nil)
	cfg := Config{FailureThreshold: 1, WindowSeconds: 10 * time.Second, Cooldown: 100 * time.Millisecond}
	const key = "upstream-f"

	require.Error(t, Allow(reg, key, cfg, func() error { return errors.New("fail") }))
	require.Equal(t, PhaseOpen, reg.Phase(key))

	time.Sleep(150 * time.Millisecond)

	require.Equal(t, PhaseHalfOpen, reg.Phase(key))

	trialRan := false
	err := Allow(reg, key, cfg, func() error {
		trialRan = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, trialRan)
	require.Equal(t, PhaseClosed, reg.Phase(key))
}
