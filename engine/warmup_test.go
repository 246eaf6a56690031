package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentile_NearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, 50.0, percentile(samples, 0.80))
	assert.Equal(t, 10.0, percentile(samples, 0.01))
	assert.Equal(t, 50.0, percentile(samples, 1.0))
}

func TestPercentile_EmptyIsNaN(t *testing.T) {
	assert.True(t, math.IsNaN(percentile(nil, 0.8)))
}

func TestChunkSizeRamp_MonotonicAndBounded(t *testing.T) {
	ramp := chunkSizeRamp()
	assert.Len(t, ramp, 50)
	assert.Equal(t, 4*1024, ramp[0])
	assert.InDelta(t, 128*1024, ramp[len(ramp)-1], 1)
	for i := 1; i < len(ramp); i++ {
		assert.GreaterOrEqual(t, ramp[i], ramp[i-1])
	}
}

func TestRunWarmupGrid_FallsBackOnDegenerateMeasurements(t *testing.T) {
	d := &SaturationDriver{}
	got := d.runWarmupGrid(context.Background(), func(_ context.Context, _ OptimalParameters, _ *ThroughputAccountant) {
		// no-op run: every cell measures zero throughput, every score is
		// non-positive, so the grid must fall back.
	})
	assert.Equal(t, FallbackOptimalParameters, got)
}
