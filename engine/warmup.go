package engine

import (
	"context"
	"math"
	"sort"
	"time"
)

const (
	warmupCellWindow  = 2 * time.Second
	warmupSampleTick  = 250 * time.Millisecond
	percentileForGrid = 0.80
)

// warmupCandidates is the small grid of (stream-count, pending-per-stream,
// chunk-size) tuples the warmup phase searches (spec.md §4.F).
var warmupCandidates = []OptimalParameters{
	{StreamCount: 2, PendingPerStream: 2, ChunkSize: 64 * 1024},
	{StreamCount: 4, PendingPerStream: 2, ChunkSize: 128 * 1024},
	{StreamCount: 4, PendingPerStream: 4, ChunkSize: 256 * 1024},
	{StreamCount: 6, PendingPerStream: 4, ChunkSize: 256 * 1024},
}

// RunDownloadWarmup measures achievable download throughput across the
// candidate grid and returns the winning configuration, falling back to
// FallbackOptimalParameters if every cell is degenerate (spec.md §8
// scenario 5).
func (d *SaturationDriver) RunDownloadWarmup(ctx context.Context) OptimalParameters {
	return d.runWarmupGrid(ctx, func(cellCtx context.Context, params OptimalParameters, acct *ThroughputAccountant) {
		_ = d.RunDownload(cellCtx, params, acct)
	})
}

// RunUploadWarmup measures achievable upload throughput across the
// candidate grid the same way.
func (d *SaturationDriver) RunUploadWarmup(ctx context.Context) OptimalParameters {
	return d.runWarmupGrid(ctx, func(cellCtx context.Context, params OptimalParameters, acct *ThroughputAccountant) {
		_ = d.RunUpload(cellCtx, params, true, acct)
	})
}

// runWarmupGrid runs each candidate for warmupCellWindow, recording the
// 80th-percentile throughput sampled at 250ms cadence, and returns the
// candidate with the highest score. run is RunDownload or RunUpload bound
// to the direction under test.
func (d *SaturationDriver) runWarmupGrid(ctx context.Context, run func(context.Context, OptimalParameters, *ThroughputAccountant)) OptimalParameters {
	best := FallbackOptimalParameters
	bestScore := 0.0
	found := false

	for _, candidate := range warmupCandidates {
		if ctx.Err() != nil {
			break
		}
		score := d.measureCell(ctx, candidate, run)
		if math.IsNaN(score) || math.IsInf(score, 0) || score <= 0 {
			continue
		}
		if !found || score > bestScore {
			best = candidate
			bestScore = score
			found = true
		}
	}

	if !found {
		return FallbackOptimalParameters
	}
	return best
}

// measureCell runs one candidate configuration for warmupCellWindow and
// returns its 80th-percentile sampled throughput.
func (d *SaturationDriver) measureCell(ctx context.Context, params OptimalParameters, run func(context.Context, OptimalParameters, *ThroughputAccountant)) float64 {
	cellCtx, cancel := context.WithTimeout(ctx, warmupCellWindow)
	defer cancel()

	acct := NewThroughputAccountant()
	done := make(chan struct{})
	go func() {
		run(cellCtx, params, acct)
		close(done)
	}()

	var samples []float64
	ticker := time.NewTicker(warmupSampleTick)
	defer ticker.Stop()

	for {
		select {
		case <-cellCtx.Done():
			<-done
			return percentile(samples, percentileForGrid)
		case <-ticker.C:
			samples = append(samples, d.sampleOrNaN(acct))
		}
	}
}

func (d *SaturationDriver) sampleOrNaN(acct *ThroughputAccountant) float64 {
	v := acct.SlidingWindowBps()
	if v < 0 {
		return math.NaN()
	}
	return v
}

// percentile returns the p-th percentile (0..1) of samples using
// nearest-rank interpolation. Returns NaN for an empty slice.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// chunkSizeRamp returns the logarithmic 4 KiB -> 128 KiB ramp of ~50
// payload sizes warmup uses to converge a sustainable upload chunk size
// without head-of-line stalls on narrow uplinks (spec.md §4.D).
func chunkSizeRamp() []int {
	const (
		steps = 50
		lo    = 4 * 1024
		hi    = 128 * 1024
	)
	sizes := make([]int, steps)
	logLo := math.Log(float64(lo))
	logHi := math.Log(float64(hi))
	for i := 0; i < steps; i++ {
		frac := float64(i) / float64(steps-1)
		sizes[i] = int(math.Round(math.Exp(logLo + frac*(logHi-logLo))))
	}
	return sizes
}
