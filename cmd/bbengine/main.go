// Command bbengine runs a bufferbloat measurement against a compatible
// server and prints the resulting Result as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LibreQoE/bufferbloat-test-sub002/engine"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bbengine", flag.ContinueOnError)
	var (
		mode          = fs.String("mode", "single-user", "test mode: single-user or household")
		serverURL     = fs.String("server", "https://bufferbloat.example.net", "measurement server base URL")
		wsURL         = fs.String("ws-server", "wss://bufferbloat.example.net", "household WebSocket base URL")
		ispRelayURL   = fs.String("isp-relay", "https://isp.example.net", "ISP stop-user-sessions relay base URL")
		iface         = fs.String("interface", "", "bind outgoing connections to this network interface")
		metricsAddr   = fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
		verbose       = fs.Bool("verbose", false, "enable debug logging")
		showVersion   = fs.Bool("version", false, "print version and exit")
		householdTime = fs.Duration("household-duration", 2*time.Minute, "how long to run the household simulation")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("bbengine", version)
		return 0
	}

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		return 1
	}
	defer log.Sync()

	cfg := engine.DefaultConfig()
	cfg.ServerBaseURL = *serverURL
	cfg.HouseholdWSBaseURL = *wsURL
	cfg.ISPRelayBaseURL = *ispRelayURL
	cfg.Interface = *iface

	eng := engine.New(cfg, log)
	defer eng.Close()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		eng.EnableMetrics(reg)
		go serveMetrics(*metricsAddr, reg, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := eng.Subscribe(64)
	go printProgress(progress, log)

	var result engine.Result
	switch *mode {
	case "single-user":
		result, err = eng.RunSingleUser(ctx)
	case "household":
		hctx, hcancel := context.WithTimeout(ctx, *householdTime)
		defer hcancel()
		result, err = eng.RunHousehold(hctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: must be single-user or household\n", *mode)
		return 2
	}

	if err != nil && !engine.IsCancelled(err) {
		log.Error("run failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		fmt.Fprintln(os.Stderr, "encode result:", encErr)
		return 1
	}

	if !result.Success {
		return 1
	}
	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// printProgress renders phase/stream/latency events to stderr so a human
// running the CLI interactively sees live status without it polluting the
// JSON result on stdout.
func printProgress(events <-chan engine.Event, log *zap.Logger) {
	for evt := range events {
		switch p := evt.Payload.(type) {
		case engine.PhaseChangedPayload:
			fmt.Fprintf(os.Stderr, "phase -> %s\n", p.Phase)
		case engine.LatencyMeasurementPayload:
			log.Debug("latency sample",
				zap.String("user", string(p.UserID)),
				zap.Float64("latency_ms", p.Latency),
				zap.Float64("jitter_ms", p.Jitter),
			)
		case engine.StreamLifecyclePayload:
			log.Debug("stream lifecycle",
				zap.String("kind", p.Kind),
				zap.Uint64("stream_id", p.StreamID),
				zap.String("direction", p.StreamType.String()),
			)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server", zap.Error(err))
	}
}
