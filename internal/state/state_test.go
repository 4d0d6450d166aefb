package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	hrs    []int
	motion []float64
}

func (r *recorder) HeartRate(bpm int) { r.hrs = append(r.hrs, bpm) }
func (r *recorder) Motion(g float64)  { r.motion = append(r.motion, g) }

func newAttached(t *testing.T) (*Aggregator, *telemetry.Dispatcher, *timeutil.MockClock, *recorder) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	agg := New(clock, Options{})
	var d telemetry.Dispatcher
	agg.Attach(&d)
	rec := &recorder{}
	agg.AddListener(rec)
	return agg, &d, clock, rec
}

func TestAggregator_HeartRateMedian(t *testing.T) {
	agg, d, clock, rec := newAttached(t)

	d.Publish(telemetry.HeartRate{BPM: 60})
	clock.Advance(time.Second)
	d.Publish(telemetry.HeartRate{BPM: 80})
	clock.Advance(time.Second)
	d.Publish(telemetry.HeartRate{BPM: 200, Derived: true})

	assert.Equal(t, []int{60, 70, 80}, rec.hrs)
	snap := agg.Snapshot()
	assert.Equal(t, 80, snap.HeartRate)
	assert.True(t, snap.HeartRateSet)
	assert.True(t, snap.Derived)
	assert.False(t, snap.Stale)
}

func TestAggregator_StaleKeepsLastValue(t *testing.T) {
	agg, d, clock, _ := newAttached(t)

	assert.True(t, agg.Snapshot().Stale, "no reading yet")

	d.Publish(telemetry.HeartRate{BPM: 72})
	clock.Advance(3 * time.Second)
	assert.False(t, agg.Snapshot().Stale)

	clock.Advance(time.Millisecond)
	snap := agg.Snapshot()
	assert.True(t, snap.Stale)
	assert.Equal(t, 72, snap.HeartRate)
}

func TestAggregator_InvalidHeartRateNotForwarded(t *testing.T) {
	_, d, _, rec := newAttached(t)
	d.Publish(telemetry.HeartRate{BPM: 300})
	assert.Empty(t, rec.hrs)
}

func TestAggregator_MotionSmoothing(t *testing.T) {
	agg, d, _, rec := newAttached(t)

	d.Publish(telemetry.Motion{G: 1.0}, telemetry.Motion{G: 2.0}, telemetry.Motion{G: 0.01})

	require.Len(t, rec.motion, 3)
	assert.InDelta(t, 1.0, rec.motion[0], 1e-9)
	assert.InDelta(t, 1.2, rec.motion[1], 1e-9)
	assert.InDelta(t, 0.96, rec.motion[2], 1e-9)
	assert.InDelta(t, 0.96, agg.Snapshot().Motion, 1e-9)
}

func TestAggregator_WornAndBattery(t *testing.T) {
	agg, d, _, _ := newAttached(t)

	snap := agg.Snapshot()
	assert.Nil(t, snap.Worn)
	assert.Nil(t, snap.Battery)

	d.Publish(telemetry.Worn{Worn: true}, telemetry.Battery{Percent: 40}, telemetry.Battery{Percent: 38})
	snap = agg.Snapshot()
	require.NotNil(t, snap.Worn)
	assert.True(t, *snap.Worn)
	require.NotNil(t, snap.Battery)
	assert.Equal(t, 38, *snap.Battery, "last report wins")
}

func TestAggregator_Reset(t *testing.T) {
	agg, d, _, _ := newAttached(t)
	d.Publish(telemetry.HeartRate{BPM: 72}, telemetry.Motion{G: 1}, telemetry.Battery{Percent: 50})

	agg.Reset()
	snap := agg.Snapshot()
	assert.False(t, snap.HeartRateSet)
	assert.Zero(t, snap.Motion)
	require.NotNil(t, snap.Battery)
}
