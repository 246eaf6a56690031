package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval       = 2 * time.Second
	reconnectBackoff   = 1 * time.Second
	workerIdleFault    = 2 * time.Second
	downloadRequestGap = 1 * time.Second
)

// HouseholdWorker owns exactly one WebSocket to its dedicated user endpoint
// and generates that user's traffic shape (spec.md §4.E). Workers never
// share sockets.
type HouseholdWorker struct {
	cfg     Config
	profile *VirtualUserProfile
	bus     *Bus
	testID  uuid.UUID
	dscp    string

	connMu sync.Mutex
	conn   *websocket.Conn

	active   atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	seq            atomic.Uint32
	lastActivity   atomic.Int64 // unix nano
	pingsSent      atomic.Int32
	pongsReceived  atomic.Int32
	reconnects     atomic.Int32

	latency  *LatencyAccountant
	downAcct *ThroughputAccountant
	upAcct   *ThroughputAccountant

	sendMu sync.Mutex
}

// NewHouseholdWorker constructs a worker for one virtual user.
func NewHouseholdWorker(cfg Config, profile *VirtualUserProfile, bus *Bus, testID uuid.UUID, dscp string) *HouseholdWorker {
	return &HouseholdWorker{
		cfg:      cfg,
		profile:  profile,
		bus:      bus,
		testID:   testID,
		dscp:     dscp,
		stopCh:   make(chan struct{}),
		latency:  NewLatencyAccountant(),
		downAcct: NewThroughputAccountant(),
		upAcct:   NewThroughputAccountant(),
	}
}

// Run opens the WebSocket, drives traffic generation, ping sampling and
// download requests until ctx is done or Stop is called, reconnecting with
// a 1s backoff on unexpected close while the test is still active.
func (w *HouseholdWorker) Run(ctx context.Context) error {
	w.active.Store(true)
	w.lastActivity.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		err := w.runSession(ctx)
		if err == nil {
			return nil // clean stop
		}
		if w.stopped.Load() {
			return nil
		}
		w.reconnects.Add(1)
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		}
	}
}

// runSession dials once, runs the traffic/ping/download-request timers, and
// returns nil on an intentional stop or a non-nil error on unexpected
// close (triggering Run's reconnect loop).
func (w *HouseholdWorker) runSession(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := w.dial(sessionCtx)
	if err != nil {
		return newErr(KindFatal, "household.dial", err)
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	defer func() {
		w.connMu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.connMu.Unlock()
	}()

	if err := w.sendControl(ControlMessage{Type: ControlStartTraffic}); err != nil {
		return err
	}
	w.bus.Publish(Event{Type: EventTrafficUpdate, Payload: TrafficUpdatePayload{UserID: w.profile.ID, Status: "active"}})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(4)
	go func() { defer wg.Done(); errCh <- w.readLoop(sessionCtx) }()
	go func() { defer wg.Done(); errCh <- w.uploadLoop(sessionCtx) }()
	go func() { defer wg.Done(); errCh <- w.pingLoop(sessionCtx) }()
	go func() { defer wg.Done(); errCh <- w.downloadRequestLoop(sessionCtx) }()

	select {
	case <-sessionCtx.Done():
		wg.Wait()
		return nil
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}
}

// dial opens the household WebSocket. If the server instead replies over
// HTTP with a JSON redirect, dial follows it (spec.md §6).
func (w *HouseholdWorker) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/virtual-household/%s?test_id=%s&dscp=%s",
		w.cfg.HouseholdWSBaseURL, w.profile.ID, w.testID, w.dscp)

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.WSOpenTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err == nil {
		return conn, nil
	}
	if resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	var redirect struct {
		Redirect     bool   `json:"redirect"`
		WebSocketURL string `json:"websocket_url"`
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil || json.Unmarshal(body, &redirect) != nil || !redirect.Redirect {
		return nil, err
	}
	conn, _, err = dialer.DialContext(ctx, redirect.WebSocketURL, nil)
	return conn, err
}

// readLoop consumes binary traffic frames (download) and JSON control
// frames (ping/pong, download responses) until the connection closes.
func (w *HouseholdWorker) readLoop(ctx context.Context) error {
	for {
		conn := w.currentConn()
		if conn == nil {
			return fmt.Errorf("no connection")
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.lastActivity.Store(time.Now().UnixNano())

		switch msgType {
		case websocket.BinaryMessage:
			if pkt, derr := DecodePacket(data); derr == nil {
				w.downAcct.Record(int64(len(data)))
				_ = pkt
			}
		case websocket.TextMessage:
			w.handleControl(data)
		}
	}
}

func (w *HouseholdWorker) handleControl(data []byte) {
	var msg ControlMessage
	if json.Unmarshal(data, &msg) != nil {
		return
	}
	switch msg.Type {
	case ControlPong:
		w.pongsReceived.Add(1)
		rtt := float64(time.Now().UnixMilli()-msg.ClientTS)
		w.latency.RecordRTT(rtt)
		mean, jitter := w.latency.MeanJitter()
		w.bus.Publish(Event{
			Type: EventLatencyMeasure,
			Payload: LatencyMeasurementPayload{
				UserID:    w.profile.ID,
				Latency:   mean,
				Jitter:    jitter,
				Timestamp: time.Now().UnixMilli(),
			},
		})
	case ControlPing:
		// Symmetric: answer a server-initiated ping (spec.md §4.E).
		_ = w.sendControl(ControlMessage{Type: ControlPong, ClientTS: msg.ClientTS, ServerTS: time.Now().UnixMilli()})
	case ControlDownloadResponse:
		// download payload itself arrives as subsequent binary frames.
	case ControlConnectionTest:
		_ = w.sendControl(ControlMessage{Type: ControlConnectionTestResp})
	}
}

// pingLoop sends a ping every 2s carrying the client's wall-clock Unix time
// in milliseconds. The timestamp is not monotonic: a clock step between a
// ping and its pong skews that RTT sample.
func (w *HouseholdWorker) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pingsSent.Add(1)
			w.latency.RecordPing()
			if err := w.sendControl(ControlMessage{Type: ControlPing, ClientTS: time.Now().UnixMilli()}); err != nil {
				return err
			}
		}
	}
}

// downloadRequestLoop periodically asks the server for download traffic.
func (w *HouseholdWorker) downloadRequestLoop(ctx context.Context) error {
	ticker := time.NewTicker(downloadRequestGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.sendControl(ControlMessage{Type: ControlRequestDownload}); err != nil {
				return err
			}
		}
	}
}

// uploadLoop generates this user's traffic shape on its own interval,
// emitting binary frames with user-specific payload markers.
func (w *HouseholdWorker) uploadLoop(ctx context.Context) error {
	shape := w.profile.Shape
	interval := shape.Interval
	seqPackets := 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if shape.IntervalJitter > 0 {
				jitter := time.Duration(rand.Int63n(int64(2*shape.IntervalJitter))) - shape.IntervalJitter
				ticker.Reset(interval + jitter)
			}

			size := shape.MinPacketBytes
			if shape.MaxPacketBytes > shape.MinPacketBytes {
				size += rand.Intn(shape.MaxPacketBytes - shape.MinPacketBytes + 1)
			}
			payloadType := shape.PayloadType
			if shape.GOPLength > 0 {
				switch {
				case seqPackets%shape.GOPLength == 0:
					payloadType = PayloadVideoI
				case seqPackets%3 == 0:
					payloadType = PayloadVideoB
				default:
					payloadType = PayloadVideoP
				}
			}
			seqPackets++

			payload := make([]byte, size)
			fillMarker(payload, payloadType)

			pkt := EncodePacket(Packet{
				Seq:         w.seq.Add(1),
				TSMillisLo:  uint32(time.Now().UnixMilli()),
				Direction:   DirUp,
				PayloadType: payloadType,
				Payload:     payload,
			})

			if err := w.sendBinary(pkt); err != nil {
				return err
			}
			w.upAcct.Record(int64(len(pkt)))
		}
	}
}

// sendControl marshals and writes a JSON control frame, checking
// connection state first so a send after close is skipped rather than
// panicking (spec.md §4.E back-pressure).
func (w *HouseholdWorker) sendControl(msg ControlMessage) error {
	conn := w.currentConn()
	if conn == nil {
		w.active.Store(false)
		return fmt.Errorf("household: connection not open")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, body)
}

func (w *HouseholdWorker) sendBinary(data []byte) error {
	conn := w.currentConn()
	if conn == nil {
		w.active.Store(false)
		return fmt.Errorf("household: connection not open")
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *HouseholdWorker) currentConn() *websocket.Conn {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return w.conn
}

// Idle reports whether the worker has seen no activity for longer than
// workerIdleFault, the error-to-orchestrator threshold (spec.md §4.E).
func (w *HouseholdWorker) Idle() bool {
	last := time.Unix(0, w.lastActivity.Load())
	return time.Since(last) > workerIdleFault
}

// Stop best-effort sends stop_traffic, closes the socket, and signals Run to
// return. Idempotent. It does not cancel the session's timers itself; they
// end when the session sees the closed socket. Per-user counters and
// accountants are not cleared, so Result still reports them afterwards.
func (w *HouseholdWorker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.active.Store(false)
		_ = w.sendControl(ControlMessage{Type: ControlStopTraffic})
		w.connMu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.connMu.Unlock()
		close(w.stopCh)
	})
}

// Result summarizes this worker's session for the top-level Result.
func (w *HouseholdWorker) Result() UserResult {
	mean, jitter := w.latency.MeanJitter()
	loss := w.latency.PacketLoss()
	downBps := w.downAcct.SlidingWindowBps()
	upBps := w.upAcct.SlidingWindowBps()
	// DeriveSentiment takes throughput in bytes per second.
	sentiment := DeriveSentiment(w.profile, downBps/8, upBps/8, mean, jitter, loss, Sentiment{}, false)
	return UserResult{
		User:           w.profile.ID,
		DownBps:        downBps,
		UpBps:          upBps,
		MeanLatencyMs:  mean,
		JitterMs:       jitter,
		PacketLoss:     loss,
		FinalSentiment: sentimentMessage(sentiment.Level, sentiment.Trend),
		PingsSent:      int(w.pingsSent.Load()),
		PongsReceived:  int(w.pongsReceived.Load()),
		ReconnectCount: int(w.reconnects.Load()),
	}
}

// AdaptiveProbe measures a bulk-download speed probe and sends the result
// exactly once to the computer user's endpoint, per spec.md §4.E.
type AdaptiveProbe struct {
	cfg Config
}

// NewAdaptiveProbe constructs an AdaptiveProbe.
func NewAdaptiveProbe(cfg Config) *AdaptiveProbe {
	return &AdaptiveProbe{cfg: cfg}
}

// Run performs the 10s bulk download, takes its 80th-percentile sample as
// the new computer target-down, and POSTs the profile update. RunHousehold
// waits for it: a KindFatal error (probe or update endpoint unreachable, or
// update not acknowledged) aborts the household run, while a
// KindConfiguration error (degenerate samples, no update sent) leaves the
// static computer profile in place and the run continues.
func (p *AdaptiveProbe) Run(ctx context.Context) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.WarmupDownload+p.cfg.WarmupGrace)
	defer cancel()

	client, err := newStreamClient(p.cfg, 0)
	if err != nil {
		return 0, newErr(KindConfiguration, "probe.newStreamClient", err)
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.cfg.ServerBaseURL+"/api/warmup/bulk-download", nil)
	if err != nil {
		return 0, newErr(KindFatal, "probe.newRequest", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, newErr(KindFatal, "probe.do", err)
	}
	defer resp.Body.Close()

	acct := NewThroughputAccountant()
	buf := make([]byte, readBufferSize)
	var samples []float64
	sampleTicker := time.NewTicker(warmupSampleTick)
	defer sampleTicker.Stop()

	deadline := time.Now().Add(p.cfg.WarmupDownload)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for time.Now().Before(deadline) {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				acct.Record(int64(n))
			}
			if rerr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			goto summarize
		case <-sampleTicker.C:
			samples = append(samples, acct.SlidingWindowBps())
		case <-probeCtx.Done():
			goto summarize
		}
	}

summarize:
	bps := percentile(samples, percentileForGrid)
	if len(samples) == 0 || bps <= 0 {
		return 0, newErr(KindConfiguration, "probe.summarize", fmt.Errorf("degenerate warmup samples"))
	}
	mbps := bps / 1_000_000

	if err := p.updateComputerProfile(ctx, mbps); err != nil {
		return 0, err
	}
	return mbps, nil
}

func (p *AdaptiveProbe) updateComputerProfile(ctx context.Context, downloadMbps float64) error {
	body := map[string]any{
		"user_type": "computer",
		"profile_updates": map[string]any{
			"download_mbps": downloadMbps,
			"upload_mbps":   5.0,
			"description":   "adaptive bulk profile",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/ws/virtual-household/%s/update-profile", p.cfg.HouseholdWSBaseURL, UserComputer)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return newErr(KindFatal, "probe.updateProfile.newRequest", err)
	}
	req.Header.Set("content-type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		// best-effort, no retry per spec.md §5 — but the household phase
		// cannot begin without an ack, so this is fatal for the run.
		return newErr(KindFatal, "probe.updateProfile.do", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newErr(KindFatal, "probe.updateProfile.status", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return nil
}

// StopAllSessions relays a best-effort stop request to the central ISP
// relay (spec.md §9: direct per-user POSTs are dead code and are not
// reimplemented here).
func StopAllSessions(ctx context.Context, cfg Config, testID uuid.UUID, reason string, all bool) error {
	target := testID.String()
	if all {
		target = "all"
	}
	body, _ := json.Marshal(map[string]any{
		"action": "stop",
		"reason": reason,
		"test_id": func() any {
			if all {
				return nil
			}
			return testID.String()
		}(),
	})

	url := fmt.Sprintf("%s/api/virtual-household/stop-user-sessions/%s", cfg.ISPRelayBaseURL, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil // best-effort relay; failure is not fatal to the run
	}
	defer resp.Body.Close()
	return nil
}
