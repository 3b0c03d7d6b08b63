package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestBreaker(cfg CircuitConfig) (*CircuitBreaker, *fakeClock) {
	cb := NewCircuitBreaker(cfg)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb.now = clock.Now
	return cb, clock
}

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error {
			return eris.New("upstream 503")
		})
		require.Error(t, err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitConfig{FailureThreshold: 3})
	failN(t, cb, 3)

	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitConfig{FailureThreshold: 3})
	failN(t, cb, 2)

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error {
		return nil
	}))

	failN(t, cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	failures, state := cb.Counters()
	assert.Equal(t, 2, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(CircuitConfig{FailureThreshold: 2, ResetTimeout: 30 * time.Second})
	failN(t, cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error {
		return nil
	}))
	assert.Equal(t, CircuitClosed, cb.State())

	failures, _ := cb.Counters()
	assert.Zero(t, failures)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(CircuitConfig{FailureThreshold: 2, ResetTimeout: 30 * time.Second})
	failN(t, cb, 2)

	clock.Advance(31 * time.Second)
	failN(t, cb, 1) // the probe

	assert.Equal(t, CircuitOpen, cb.State())
	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_ShouldTripFilter(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitConfig{FailureThreshold: 2, ShouldTrip: IsTransient})

	// Permanent errors pass through without tripping anything.
	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error {
			return eris.New("bad request")
		})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error {
			return NewTransientError(eris.New("service unavailable"), 503)
		})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreaker_ExecuteVal(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitConfig{FailureThreshold: 1})

	got, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", got)

	failN(t, cb, 1)

	got, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "never", nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, got)
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitConfig{FailureThreshold: 1})
	failN(t, cb, 1)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error {
		return nil
	}))
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	type change struct {
		from, to CircuitState
	}
	var changes []change

	cb, clock := newTestBreaker(CircuitConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(from, to CircuitState) {
			changes = append(changes, change{from, to})
		},
	})

	failN(t, cb, 1)
	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error {
		return nil
	}))

	assert.Equal(t, []change{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}, changes)
}

func TestSourceBreakers_OnePerSource(t *testing.T) {
	t.Parallel()

	sb := NewSourceBreakers(DefaultCircuitConfig())

	wiki := sb.Get("wikidata")
	assert.Same(t, wiki, sb.Get("wikidata"))
	assert.NotSame(t, wiki, sb.Get("openfoodfacts"))
}

func TestSourceBreakers_IsolatesSources(t *testing.T) {
	t.Parallel()

	sb := NewSourceBreakers(CircuitConfig{FailureThreshold: 1})
	failN(t, sb.Get("wikidata"), 1)

	states := sb.States()
	assert.Equal(t, CircuitOpen, states["wikidata"])

	require.NoError(t, sb.Get("openfoodfacts").Execute(context.Background(), func(context.Context) error {
		return nil
	}))
	assert.Equal(t, CircuitClosed, sb.States()["openfoodfacts"])
}

func TestSourceBreakers_ConcurrentGet(t *testing.T) {
	t.Parallel()

	sb := NewSourceBreakers(DefaultCircuitConfig())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sb.Get("catalogdb")
		}(i)
	}
	wg.Wait()

	for _, cb := range results {
		assert.Same(t, results[0], cb)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	t.Parallel()

	cfg := FromCircuitConfig(0, 0)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)

	cfg = FromCircuitConfig(8, 60)
	assert.Equal(t, 8, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.ResetTimeout)
}
