package counter

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroken = errors.New("kv unavailable")

// faultyStore wraps a Memory store and fails selected operations.
type faultyStore struct {
	*store.Memory

	mu       sync.Mutex
	failGet  map[string]bool
	failPut  map[string]bool
	panicGet bool
	gets     int
	puts     int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		Memory:  store.NewMemory(),
		failGet: map[string]bool{},
		failPut: map[string]bool{},
	}
}

func (f *faultyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	f.gets++
	fail, shouldPanic := f.failGet[key] || f.failGet["*"], f.panicGet
	f.mu.Unlock()

	if shouldPanic {
		panic("store exploded")
	}
	if fail {
		return "", false, errBroken
	}
	return f.Memory.Get(ctx, key)
}

func (f *faultyStore) Put(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.puts++
	fail := f.failPut[key] || f.failPut["*"]
	f.mu.Unlock()

	if fail {
		return errBroken
	}
	return f.Memory.Put(ctx, key, value)
}

func newTestCounter(t *testing.T, st store.Store, now time.Time, opts ...Option) *Counter {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(now)

	return New(st, append([]Option{WithClock(clock)}, opts...)...)
}

var march10 = time.Date(2025, time.March, 10, 15, 4, 5, 0, time.UTC)

func TestIncrement_AbsentKeyStartsAtOne(t *testing.T) {
	st := store.NewMemory()
	c := newTestCounter(t, st, march10)
	ctx := context.Background()

	c.Increment(ctx, "daily_2025-03-10")

	got, found, err := st.Get(ctx, "daily_2025-03-10")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got)
}

func TestIncrement_ExistingValue(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "daily_2025-03-10", "5"))

	c := newTestCounter(t, st, march10)
	c.Increment(ctx, "daily_2025-03-10")

	got, _, err := st.Get(ctx, "daily_2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, "6", got)
}

func TestIncrement_Sequential(t *testing.T) {
	st := store.NewMemory()
	c := newTestCounter(t, st, march10)
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		c.Increment(ctx, "weekly_2025-11")
	}

	got, err := c.Read(ctx, "weekly_2025-11")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)
}

func TestIncrement_ConcurrentIsApproximate(t *testing.T) {
	st := store.NewMemory()
	c := newTestCounter(t, st, march10)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.Increment(ctx, "total_requests")
		}()
	}
	wg.Wait()

	got, err := c.Read(ctx, "total_requests")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, int64(n))
}

func TestIncrement_UnparseableValueRestartsFromZero(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "monthly_2025-03", "NaN"))

	c := newTestCounter(t, st, march10)
	c.Increment(ctx, "monthly_2025-03")

	got, _, err := st.Get(ctx, "monthly_2025-03")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestIncrement_SwallowsStoreErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*faultyStore)
	}{
		{"get fails", func(f *faultyStore) { f.failGet["daily_2025-03-10"] = true }},
		{"put fails", func(f *faultyStore) { f.failPut["daily_2025-03-10"] = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFaultyStore()
			tt.setup(st)
			m := metrics.New()
			c := newTestCounter(t, st, march10, WithMetrics(m))

			assert.NotPanics(t, func() {
				c.Increment(context.Background(), "daily_2025-03-10")
			})
			assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterIncrementFailures.WithLabelValues("daily")))
		})
	}
}

func TestIncrementAll(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "total_requests", "99"))

	c := newTestCounter(t, st, march10)
	c.IncrementAll(ctx)

	want := map[string]string{
		"total_requests":   "100",
		"daily_2025-03-10": "1",
		"weekly_2025-11":   "1",
		"monthly_2025-03":  "1",
	}
	for key, value := range want {
		got, found, err := st.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found, "key %s", key)
		assert.Equal(t, value, got, "key %s", key)
	}
	assert.Equal(t, 4, st.Len())
}

func TestIncrementAll_UsesLocation(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// 2025-03-10 23:30 UTC is already 2025-03-11 in Tokyo.
	tokyo := time.FixedZone("JST", 9*60*60)
	c := newTestCounter(t, st, time.Date(2025, time.March, 10, 23, 30, 0, 0, time.UTC), WithLocation(tokyo))
	c.IncrementAll(ctx)

	_, found, err := st.Get(ctx, "daily_2025-03-11")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestIncrementAll_PartialFailure(t *testing.T) {
	st := newFaultyStore()
	st.failPut["weekly_2025-11"] = true
	m := metrics.New()
	c := newTestCounter(t, st, march10, WithMetrics(m))
	ctx := context.Background()

	assert.NotPanics(t, func() { c.IncrementAll(ctx) })

	for _, key := range []string{"total_requests", "daily_2025-03-10", "monthly_2025-03"} {
		got, err := c.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got, "key %s", key)
	}
	_, found, err := st.Memory.Get(ctx, "weekly_2025-11")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterIncrementFailures.WithLabelValues("weekly")))
}

func TestIncrementAll_RecoversPanics(t *testing.T) {
	st := newFaultyStore()
	st.panicGet = true
	c := newTestCounter(t, st, march10)

	assert.NotPanics(t, func() { c.IncrementAll(context.Background()) })
}

func TestReadStats(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	for key, value := range map[string]string{
		"total_requests":   "1200",
		"daily_2025-03-10": "5",
		"daily_2025-03-09": "400",
		"weekly_2025-11":   "17",
		"monthly_2025-03":  "88",
	} {
		require.NoError(t, st.Put(ctx, key, value))
	}

	c := newTestCounter(t, st, march10)
	stats, err := c.ReadStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{
		TotalRequests: 1200,
		Today:         5,
		ThisWeek:      17,
		ThisMonth:     88,
		Periods:       Periods{Day: "2025-03-10", Week: "2025-11", Month: "2025-03"},
	}, stats)
}

func TestReadStats_EmptyStoreReadsZero(t *testing.T) {
	c := newTestCounter(t, store.NewMemory(), march10)

	stats, err := c.ReadStats(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.Today)
	assert.Zero(t, stats.ThisWeek)
	assert.Zero(t, stats.ThisMonth)
	assert.NotEmpty(t, stats.Periods.Day)
	assert.NotEmpty(t, stats.Periods.Week)
	assert.NotEmpty(t, stats.Periods.Month)
}

func TestReadStats_UnparseableReadsZero(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "daily_2025-03-10", "lots"))
	require.NoError(t, st.Put(ctx, "weekly_2025-11", "-3"))

	c := newTestCounter(t, st, march10)
	stats, err := c.ReadStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Today)
	assert.Zero(t, stats.ThisWeek)
}

func TestReadStats_StoreErrorFails(t *testing.T) {
	st := newFaultyStore()
	st.failGet["monthly_2025-03"] = true
	c := newTestCounter(t, st, march10)

	_, err := c.ReadStats(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatsUnavailable)
	assert.ErrorIs(t, err, errBroken)
}

func TestIncrementThenReadStats(t *testing.T) {
	st := store.NewMemory()
	c := newTestCounter(t, st, march10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.IncrementAll(ctx)
	}

	stats, err := c.ReadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.Today)
	assert.Equal(t, int64(3), stats.ThisWeek)
	assert.Equal(t, int64(3), stats.ThisMonth)
}

func TestCounterName(t *testing.T) {
	c := New(store.NewMemory())

	tests := map[string]string{
		"total_requests":   "total",
		"daily_2025-03-10": "daily",
		"weekly_2025-11":   "weekly",
		"monthly_2025-03":  "monthly",
		"something_else":   "other",
	}
	for key, want := range tests {
		assert.Equal(t, want, c.counterName(key), "key %s", key)
	}
}

func TestParseCount(t *testing.T) {
	tests := map[string]int64{
		"0":     0,
		"42":    42,
		" 7\n":  7,
		"":      0,
		"NaN":   0,
		"-1":    0,
		"1.5":   0,
		"99999": 99999,
	}
	for raw, want := range tests {
		assert.Equal(t, want, parseCount(raw), "raw %q", raw)
	}
	assert.Equal(t, int64(9223372036854775807), parseCount(strconv.FormatInt(9223372036854775807, 10)))
}
