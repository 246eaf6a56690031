package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	readBufferSize         = 81920 // 80 KiB read buffer per download stream
	fifoRefillFloor        = 5
	fifoBatchSteady        = 10
	fifoBatchWarmupLow     = 20
	fifoBatchWarmupHigh    = 30
	uploadStallWarmup      = 300 * time.Millisecond
	uploadStallSteady      = 500 * time.Millisecond
	replacementRunwayFloor = 2 * time.Second
	postRetryBackoff       = 500 * time.Millisecond
	consecutiveErrorLimit  = 3
)

// SaturationDriver drives N concurrent streams pushing or pulling as fast
// as the link sustains for a phase, per spec.md §4.D.
type SaturationDriver struct {
	cfg      Config
	ds       *DataSource
	registry *Registry
	bus      *Bus
}

// NewSaturationDriver constructs a SaturationDriver.
func NewSaturationDriver(cfg Config, ds *DataSource, registry *Registry, bus *Bus) *SaturationDriver {
	return &SaturationDriver{cfg: cfg, ds: ds, registry: registry, bus: bus}
}

// RunDownload saturates the download direction until ctx is done (the
// caller sets ctx's deadline to the phase end). Each of params.StreamCount
// streams is a long-lived GET whose bytes are counted incrementally.
func (d *SaturationDriver) RunDownload(ctx context.Context, params OptimalParameters, acct *ThroughputAccountant) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < params.StreamCount; i++ {
		g.Go(func() error {
			d.downloadSlot(gctx, params, acct)
			return nil
		})
	}
	return g.Wait()
}

// downloadSlot keeps one download stream alive, replacing it on transient
// error as long as the phase has runway remaining.
func (d *SaturationDriver) downloadSlot(ctx context.Context, params OptimalParameters, acct *ThroughputAccountant) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := d.runOneDownloadStream(ctx, params, acct)
		if err != nil && !isContextErr(err) {
			if d.remaining(ctx) < replacementRunwayFloor {
				return
			}
			continue // replace immediately
		}
		if d.remaining(ctx) <= 0 {
			return
		}
	}
}

func (d *SaturationDriver) runOneDownloadStream(ctx context.Context, params OptimalParameters, acct *ThroughputAccountant) error {
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	defer close(done)

	stream := d.registry.Register(Download, params.ChunkSize, cancel, done)
	defer d.registry.Terminate(stream.ID)

	client, err := newStreamClient(d.cfg, 0)
	if err != nil {
		return newErr(KindConfiguration, "download.newStreamClient", err)
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.cfg.ServerBaseURL+"/download", nil)
	if err != nil {
		return newErr(KindTransient, "download.newRequest", err)
	}
	req.Header.Set("cache-control", "no-store")
	req.Header.Set("x-stream-id", fmt.Sprintf("%d", stream.ID))

	resp, err := client.Do(req)
	if err != nil {
		if isContextErr(err) {
			return newErr(KindCancelled, "download.do", err)
		}
		return newErr(KindTransient, "download.do", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			stream.AddBytes(int64(n))
			acct.Record(int64(n))
		}
		if rerr != nil {
			// Server closing the stream (EOF) or the phase ending (context
			// cancel) are both normal ends, not errors (spec.md §4.D).
			if rerr.Error() == "EOF" || isContextErr(rerr) {
				return nil
			}
			return newErr(KindTransient, "download.read", rerr)
		}
	}
}

// remaining returns time left until ctx's deadline, or a large duration if
// ctx carries no deadline.
func (d *SaturationDriver) remaining(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}
	return time.Until(dl)
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// uploadStream holds one upload stream's FIFO of pre-generated payload
// buffers and its in-flight POST count (spec.md §4.D).
type uploadStream struct {
	mu           sync.Mutex
	fifo         [][]byte
	lastActivity time.Time
	rampIdx      int // position in chunkSizeRamp during warmup
}

// RunUpload saturates the upload direction until ctx is done. warmup
// selects the larger warmup-phase replenishment batch and shorter stall
// threshold.
func (d *SaturationDriver) RunUpload(ctx context.Context, params OptimalParameters, warmup bool, acct *ThroughputAccountant) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < params.StreamCount; i++ {
		g.Go(func() error {
			d.uploadSlot(gctx, params, warmup, acct)
			return nil
		})
	}
	return g.Wait()
}

func (d *SaturationDriver) uploadSlot(ctx context.Context, params OptimalParameters, warmup bool, acct *ThroughputAccountant) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := d.runOneUploadStream(ctx, params, warmup, acct)
		if err != nil && !isContextErr(err) {
			if d.remaining(ctx) < replacementRunwayFloor {
				return
			}
			continue
		}
		if d.remaining(ctx) <= 0 {
			return
		}
	}
}

func (d *SaturationDriver) runOneUploadStream(ctx context.Context, params OptimalParameters, warmup bool, acct *ThroughputAccountant) error {
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	defer close(done)

	stream := d.registry.Register(Upload, params.ChunkSize, cancel, done)
	defer d.registry.Terminate(stream.ID)

	client, err := newStreamClient(d.cfg, 0)
	if err != nil {
		return newErr(KindConfiguration, "upload.newStreamClient", err)
	}
	defer client.CloseIdleConnections()

	us := &uploadStream{lastActivity: time.Now()}
	d.refill(us, params.ChunkSize, warmup)

	stallThreshold := uploadStallSteady
	if warmup {
		stallThreshold = uploadStallWarmup
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, params.PendingPerStream)
	consecutiveErrors := 0
	var cErrMu sync.Mutex

	stallTicker := time.NewTicker(50 * time.Millisecond)
	defer stallTicker.Stop()

	for {
		select {
		case <-streamCtx.Done():
			wg.Wait()
			return nil
		case <-stallTicker.C:
			us.mu.Lock()
			idle := time.Since(us.lastActivity)
			empty := len(us.fifo) == 0
			pending := stream.PendingCount.Load()
			us.mu.Unlock()
			if empty && pending == 0 && idle > stallThreshold {
				d.refill(us, params.ChunkSize, warmup)
				us.mu.Lock()
				us.lastActivity = time.Now()
				us.mu.Unlock()
			}
		case sem <- struct{}{}:
			buf := d.dequeue(us, params.ChunkSize, warmup)
			if buf == nil {
				<-sem
				continue
			}
			stream.PendingCount.Add(1)
			wg.Add(1)
			go func(payload []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				defer stream.PendingCount.Add(-1)

				if params.UploadDelay > 0 {
					select {
					case <-time.After(params.UploadDelay):
					case <-streamCtx.Done():
						return
					}
				}

				ok := d.postOnce(streamCtx, client, payload) // postOnce already retries once internally

				us.mu.Lock()
				us.lastActivity = time.Now()
				us.mu.Unlock()

				cErrMu.Lock()
				if ok {
					consecutiveErrors = 0
				} else {
					consecutiveErrors++
				}
				overErrLimit := consecutiveErrors >= consecutiveErrorLimit
				cErrMu.Unlock()

				if ok {
					stream.AddBytes(int64(len(payload)))
					acct.Record(int64(len(payload)))
				} else if overErrLimit {
					us.mu.Lock()
					nearEmpty := len(us.fifo) < fifoRefillFloor
					us.mu.Unlock()
					if nearEmpty {
						cancel()
					}
				}
			}(buf)
		}
	}
}

// postOnce issues a single POST of payload, retrying once after a fixed
// backoff on timeout or non-2xx (spec.md §4.D). Returns true on eventual
// 2xx.
func (d *SaturationDriver) postOnce(ctx context.Context, client *http.Client, payload []byte) bool {
	if d.doUploadPost(ctx, client, payload) {
		return true
	}
	select {
	case <-time.After(postRetryBackoff):
	case <-ctx.Done():
		return false
	}
	return d.doUploadPost(ctx, client, payload)
}

func (d *SaturationDriver) doUploadPost(ctx context.Context, client *http.Client, payload []byte) bool {
	postCtx, cancel := context.WithTimeout(ctx, d.cfg.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, d.cfg.ServerBaseURL+"/upload", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("content-type", "application/octet-stream")
	req.Header.Set("connection", "keep-alive")
	req.Header.Set("cache-control", "no-store")
	req.Header.Set("accept-encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// refill enqueues a batch of fresh payload buffers onto us's FIFO. During
// warmup, buffer sizes walk chunkSizeRamp instead of using a fixed size, so
// the grid search converges on a sustainable chunk size without a
// head-of-line stall on narrow uplinks (spec.md §4.D).
func (d *SaturationDriver) refill(us *uploadStream, chunkSize int, warmup bool) {
	batch := fifoBatchSteady
	if warmup {
		batch = fifoBatchWarmupLow + (fifoBatchWarmupHigh-fifoBatchWarmupLow)/2
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if !warmup {
		for i := 0; i < batch; i++ {
			us.fifo = append(us.fifo, d.ds.Acquire(chunkSize))
		}
		return
	}

	ramp := chunkSizeRamp()
	for i := 0; i < batch; i++ {
		size := ramp[us.rampIdx%len(ramp)]
		us.rampIdx++
		us.fifo = append(us.fifo, d.ds.Acquire(size))
	}
}

// dequeue pops the next buffer off the FIFO, replenishing first if the
// queue has dropped below the refill floor.
func (d *SaturationDriver) dequeue(us *uploadStream, chunkSize int, warmup bool) []byte {
	us.mu.Lock()
	if len(us.fifo) < fifoRefillFloor {
		us.mu.Unlock()
		d.refill(us, chunkSize, warmup)
		us.mu.Lock()
	}
	if len(us.fifo) == 0 {
		us.mu.Unlock()
		return nil
	}
	buf := us.fifo[0]
	us.fifo = us.fifo[1:]
	us.mu.Unlock()
	return buf
}
