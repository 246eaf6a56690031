package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// bidiUploadStagger is the delay between starting download and upload
// saturation in the Bidi phase (spec.md §4.D).
const bidiUploadStagger = 200 * time.Millisecond

// Engine wires the six components together for one test run: a fresh
// Engine is constructed per invocation, never reused across runs.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	bus      *Bus
	ds       *DataSource
	registry *Registry
	driver   *SaturationDriver
	optimal  *OptimalStore
	metrics  *Metrics
	start    time.Time // test start of the current RunSingleUser run
}

// New constructs an Engine for a single run. log may be nil, in which case
// a no-op logger is used.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	bus := NewBus()
	registry := NewRegistry(bus, cfg.StreamTerminate, cfg.TerminateAll)
	ds := NewDataSource()

	e := &Engine{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		ds:       ds,
		registry: registry,
		driver:   NewSaturationDriver(cfg, ds, registry, bus),
		optimal:  NewOptimalStore(),
	}
	return e
}

// EnableMetrics registers Prometheus collectors against reg and subscribes
// them to the engine's event bus for the lifetime of the run.
func (e *Engine) EnableMetrics(reg prometheus.Registerer) {
	e.metrics = NewMetrics(reg)
	ch := e.bus.Subscribe(256)
	go func() {
		for evt := range ch {
			e.metrics.observeEvent(evt)
		}
	}()
}

// Subscribe exposes the engine's event bus to callers that want to stream
// progress (a CLI printing progress lines, a future HTTP/WebSocket view).
func (e *Engine) Subscribe(buffer int) <-chan Event {
	return e.bus.Subscribe(buffer)
}

// RunSingleUser drives the fixed 60s sequenced saturation timetable
// (spec.md §3, §4.C/D) and returns the Result. The Result's Phases holds a
// single entry naming the last phase reached; its throughput and latency
// fields are not filled in, and the unloaded latency fields are not set.
func (e *Engine) RunSingleUser(ctx context.Context) (Result, error) {
	testID := uuid.New()
	result := Result{Mode: "single-user", TestID: testID, Timestamp: time.Now()}
	e.start = time.Now()

	ctx, cancel := context.WithTimeout(ctx, TestEnd+5*time.Second)
	defer cancel()

	phaseCh := e.bus.Subscribe(64)
	defer func() {
		// best-effort drain; Bus.Close is called once by the caller's
		// top-level shutdown, not here, since other subscribers may still
		// be reading.
	}()

	controller := NewPhaseController(e.bus)

	var phaseMu sync.Mutex
	var phases []PhaseResult
	var currentPhase Phase

	downAcct := NewThroughputAccountant()
	upAcct := NewThroughputAccountant()
	latencyAcct := NewLatencyAccountant()

	phaseDone := make(chan struct{})
	go func() {
		defer close(phaseDone)
		for evt := range phaseCh {
			switch evt.Type {
			case EventPhaseChanged:
				p := evt.Payload.(PhaseChangedPayload)
				phaseMu.Lock()
				currentPhase = p.Phase
				phaseMu.Unlock()
				e.log.Info("phase transition", zap.String("phase", p.Phase.String()))
			case EventTestComplete:
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		controller.Start(gctx)
		return nil
	})

	g.Go(func() error {
		return e.runBaseline(gctx, latencyAcct)
	})

	g.Go(func() error {
		<-e.phaseStart(gctx, PhaseDLWarmup)
		warmupCtx, cancel := e.phaseWindow(gctx, PhaseDLWarmup)
		defer cancel()
		params := e.driver.RunDownloadWarmup(warmupCtx)
		e.optimal.SetDownload(params)

		dlCtx, cancel2 := e.phaseWindow(gctx, PhaseDL)
		defer cancel2()
		return e.driver.RunDownload(dlCtx, e.optimal.Download(), downAcct)
	})

	g.Go(func() error {
		<-e.phaseStart(gctx, PhaseULWarmup)
		warmupCtx, cancel := e.phaseWindow(gctx, PhaseULWarmup)
		defer cancel()
		params := e.driver.RunUploadWarmup(warmupCtx)
		e.optimal.SetUpload(params)

		ulCtx, cancel2 := e.phaseWindow(gctx, PhaseUL)
		defer cancel2()
		return e.driver.RunUpload(ulCtx, e.optimal.Upload(), false, upAcct)
	})

	g.Go(func() error {
		<-e.phaseStart(gctx, PhaseBidi)
		bidiCtx, cancel := e.phaseWindow(gctx, PhaseBidi)
		defer cancel()
		bg, bgctx := errgroup.WithContext(bidiCtx)
		bg.Go(func() error { return e.driver.RunDownload(bgctx, e.optimal.Download(), downAcct) })

		select {
		case <-time.After(bidiUploadStagger):
		case <-bgctx.Done():
		}
		bg.Go(func() error { return e.driver.RunUpload(bgctx, e.optimal.Upload(), false, upAcct) })
		return bg.Wait()
	})

	runErr := g.Wait()
	e.registry.TerminateAll()
	<-phaseDone

	phaseMu.Lock()
	phases = append(phases, PhaseResult{Phase: currentPhase})
	phaseMu.Unlock()
	result.Phases = phases

	if runErr != nil && !IsCancelled(runErr) {
		result.Success = false
		result.Error = runErr.Error()
		return result, runErr
	}
	result.Success = true
	return result, nil
}

// phaseWindow returns a context bounded by w's end offset from test start,
// derived from Timetable. Callers that need to block until a phase begins
// use phaseStart instead.
func (e *Engine) phaseWindow(parent context.Context, phase Phase) (context.Context, context.CancelFunc) {
	for _, w := range Timetable {
		if w.Phase == phase {
			return context.WithDeadline(parent, e.start.Add(w.End))
		}
	}
	return context.WithCancel(parent)
}

// phaseStart returns a channel closed once elapsed time has reached phase's
// start offset, letting a goroutine wait for its turn in the timetable
// without polling the phase-changed event stream itself.
func (e *Engine) phaseStart(ctx context.Context, phase Phase) <-chan struct{} {
	ch := make(chan struct{})
	var start time.Duration
	for _, w := range Timetable {
		if w.Phase == phase {
			start = w.Start
			break
		}
	}
	go func() {
		defer close(ch)
		select {
		case <-time.After(start):
		case <-ctx.Done():
		}
	}()
	return ch
}

// runBaseline measures unloaded latency during the baseline window by
// polling a lightweight ping endpoint at a steady cadence.
func (e *Engine) runBaseline(ctx context.Context, acct *LatencyAccountant) error {
	baseCtx, cancel := e.phaseWindow(ctx, PhaseBaseline)
	defer cancel()

	client, err := newStreamClient(e.cfg, 2*time.Second)
	if err != nil {
		return newErr(KindConfiguration, "baseline.newStreamClient", err)
	}
	defer client.CloseIdleConnections()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-baseCtx.Done():
			return nil
		case <-ticker.C:
			acct.RecordPing()
			start := time.Now()
			req, err := http.NewRequestWithContext(baseCtx, http.MethodGet, e.cfg.ServerBaseURL+"/ping", nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			acct.RecordRTT(float64(time.Since(start).Milliseconds()))
		}
	}
}

// RunHousehold drives the Virtual Household concurrent-user simulation
// (spec.md §4.E): an adaptive bulk-download probe for the computer profile,
// then four concurrent per-user WebSocket workers until ctx is cancelled.
func (e *Engine) RunHousehold(ctx context.Context) (Result, error) {
	testID := uuid.New()
	result := Result{Mode: "household", TestID: testID, Timestamp: time.Now()}

	profiles := DefaultProfiles()

	probe := NewAdaptiveProbe(e.cfg)
	mbps, err := probe.Run(ctx)
	if err != nil {
		var e2 *Error
		if asError(err, &e2) && e2.Kind == KindFatal {
			e.log.Error("adaptive probe unreachable, aborting household run", zap.Error(err))
			result.Success = false
			result.Error = err.Error()
			return result, err
		}
		e.log.Warn("adaptive probe degenerate, using static computer profile", zap.Error(err))
	} else {
		profiles[UserComputer].TargetDownMbps = mbps
	}

	workers := make([]*HouseholdWorker, 0, len(profiles))
	for _, p := range profiles {
		workers = append(workers, NewHouseholdWorker(e.cfg, p, e.bus, testID, dscpFor(p.ID)))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	runErr := g.Wait()

	_ = StopAllSessions(context.Background(), e.cfg, testID, "test-complete", false)

	users := make([]UserResult, 0, len(workers))
	for _, w := range workers {
		users = append(users, w.Result())
	}
	result.Users = users

	if runErr != nil && !IsCancelled(runErr) {
		result.Success = false
		result.Error = runErr.Error()
		return result, runErr
	}
	result.Success = true
	return result, nil
}

// dscpFor returns the DSCP tag request parameter for a user's priority
// class (spec.md §3's latency-critical/sensitive/best-effort tiers).
func dscpFor(id UserID) string {
	switch id {
	case UserAlex:
		return "EF"
	case UserSarah:
		return "AF41"
	case UserJake:
		return "AF31"
	default:
		return "BE"
	}
}

// Close releases the engine's event bus. Call once, after the caller has
// drained any subscriptions it cares about.
func (e *Engine) Close() {
	e.bus.Close()
}
