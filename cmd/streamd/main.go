package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"

	"tilestream.ai/internal/config"
	"tilestream.ai/internal/transport/viewer"
)

var (
	// Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "tilestream_info",
		Help:        "Tile stream server information.",
		ConstLabels: prometheus.Labels{"version": version},
	})

	viewersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_viewers",
		Help: "Connected viewers.",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilestream_tick_duration_seconds",
		Help:    "Duration of one observe and select tick.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

var _ = reflect.TypeOf(options{})

type options struct {
	Config       string `cli:""        env:"TILESTREAM_CONFIG"        help:"Path to the streamd yaml config."`
	LogLevel     string `cli:""        env:"TILESTREAM_LOG_LEVEL"     help:"Log level (debug|info|warning|error). Overrides the config."`
	LogIndent    bool   `cli:""        env:"TILESTREAM_LOG_INDENT"    help:"Indent logs."`
	ViewerAddr   string `cli:""        env:"TILESTREAM_VIEWER_ADDR"   help:"Viewer listening address. Overrides the config."`
	AdminAddr    string `cli:""        env:"TILESTREAM_ADMIN_ADDR"    help:"Admin listening address. Overrides the config."`
	LoopbackOnly bool   `cli:",hidden" env:"TILESTREAM_LOOPBACK_ONLY" help:"Only accept viewers from loopback addresses."`
	Version      bool   `cli:""        env:"-"                        help:"Show version."`
	Help         bool   `cli:""        env:"-"                        help:"Show help."`
}

func main() {
	opts := options{
		Config: "configs/streamd.yaml",
	}

	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Streams terrain tiles around connected viewers.").
		Options(&opts)
	cli.Load()

	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logs.Fatal(errors.New("loading config failed").
			WithTag("path", opts.Config).
			Wrap(err))
	}
	overrideConfig(&cfg, opts)

	logs.SetLevel(logs.ParseLevel(cfg.Log.Level))
	logs.Encoder = json.Marshal
	if cfg.Log.Indent || opts.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	rt, err := openRuntime(cfg)
	if err != nil {
		logs.Fatal(errors.New("opening runtime failed").Wrap(err))
	}
	defer rt.Close()

	viewers := viewer.NewServer(viewer.Options{
		TickRateHz:   cfg.Server.TickRateHz,
		LoopbackOnly: opts.LoopbackOnly,
		OnJoin:       func(s *viewer.Session) { rt.join(s.ID, s) },
		OnLeave:      func(s *viewer.Session) { rt.leave(s.ID) },
	})

	var service http.ServeMux
	service.HandleFunc("/v1/viewer", viewers.WSHandler())
	service.HandleFunc("/health", handleHealthCheck)

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", handleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)

	servers := []*http.Server{
		{Addr: cfg.Server.ViewerAddr, Handler: &service, ReadHeaderTimeout: 5 * time.Second},
	}
	if cfg.Server.AdminAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.Server.AdminAddr, Handler: &admin, ReadHeaderTimeout: 5 * time.Second})
	}

	logs.WithTag("version", version).
		WithTag("log_level", cfg.Log.Level).
		WithTag("viewer_addr", cfg.Server.ViewerAddr).
		WithTag("admin_addr", cfg.Server.AdminAddr).
		WithTag("tick_rate_hz", cfg.Server.TickRateHz).
		Info("starting tile stream server")

	done := make(chan struct{})
	go func() {
		defer close(done)
		runTicks(ctx, rt, cfg.TickInterval())
	}()

	listenAndServe(ctx, servers...)
	cancel()
	<-done
}

func overrideConfig(cfg *config.Config, opts options) {
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.ViewerAddr != "" {
		cfg.Server.ViewerAddr = opts.ViewerAddr
	}
	if opts.AdminAddr != "" {
		cfg.Server.AdminAddr = opts.AdminAddr
	}
}

func runTicks(ctx context.Context, rt *runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			rt.tick()
			tickDuration.Observe(time.Since(start).Seconds())
		}
	}
}
