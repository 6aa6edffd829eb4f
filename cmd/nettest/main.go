// nettest - Ethernet port validation console
//
// Drives iperf3, ethtool, ip, ping and stress-ng against up to four local
// ports, each paired with an END system running iperf3 -s:
//   - Link, MTU/jumbo and NIC error counter checks
//   - TCP and UDP throughput, reverse, bidirectional and mixed traffic
//   - CPU stress pairing, microburst, fairness and soak runs
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/discovery"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/executor"
	"github.com/krisarmstrong/nettest/pkg/logging"
	"github.com/krisarmstrong/nettest/pkg/menu"
	"github.com/krisarmstrong/nettest/pkg/metrics"
	"github.com/krisarmstrong/nettest/pkg/report"
	"github.com/krisarmstrong/nettest/pkg/runner"
	"github.com/krisarmstrong/nettest/pkg/session"
	"github.com/krisarmstrong/nettest/pkg/tui"
	"github.com/krisarmstrong/nettest/pkg/web"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1 // a test failed or the run was cancelled
	exitSetup  = 2 // configuration or preflight error
)

var version = "1.0.0"

// flags holds the command line
type flags struct {
	cfgFile   string
	iface     string
	src       string
	dst       string
	port      int
	suite     bool
	tests     []string
	output    string
	format    string
	useTUI    bool
	webAddr   string
	debug     bool
	logFormat string
	logFile   string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:     "nettest",
		Short:   "nettest - Ethernet port validation console",
		Version: version,
		Long: `nettest

Validates Ethernet ports against END systems running iperf3 -s:
  - Link speed/duplex, MTU/jumbo and NIC error counters
  - 21 iperf3 throughput tests (TCP, UDP, mixed, stress, soak)
  - Pass/warn/fail verdicts with text, JSON, YAML, CSV, Markdown, XLSX and PDF reports

Examples:
  # Interactive menu
  nettest

  # Full suite on one channel, non-interactive
  nettest -i eth0 --dst 192.168.1.20 --suite

  # Selected tests with a report
  nettest -c nettest.yaml --suite -t link,tcp-unidir,udp-100m -o report.xlsx

  # Dashboard and HTTP API
  nettest -c nettest.yaml --tui --web :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(cmd.Context(), f))
		},
	}

	fl := rootCmd.Flags()
	fl.StringVarP(&f.cfgFile, "config", "c", "", "Config file (YAML)")
	fl.StringVarP(&f.iface, "interface", "i", "", "Interface of a single channel (replaces configured channels)")
	fl.StringVar(&f.src, "src", "", "Source IP of the channel (default: address of the interface)")
	fl.StringVar(&f.dst, "dst", "", "END system IP of the channel")
	fl.IntVar(&f.port, "port", 0, "iperf3 server port of the channel (default 5201)")
	fl.BoolVar(&f.suite, "suite", false, "Run the test suite non-interactively and exit")
	fl.StringSliceVarP(&f.tests, "tests", "t", nil, "Test ids or numbers to run with --suite (default: all)")
	fl.StringVarP(&f.output, "output", "o", "", "Write the run report to this file")
	fl.StringVarP(&f.format, "format", "f", "", "Report format: text, json, yaml, csv, markdown, xlsx, pdf")
	fl.BoolVar(&f.useTUI, "tui", false, "Full-screen dashboard")
	fl.StringVar(&f.webAddr, "web", "", "Serve the HTTP API on address (e.g., :8080)")
	fl.BoolVar(&f.debug, "debug", false, "Debug logging with source locations")
	fl.StringVar(&f.logFormat, "log-format", "", "Log format: auto, text, json")
	fl.StringVar(&f.logFile, "log-file", "", "Write logs to this file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetup)
	}
}

// loadConfig reads the config file, if any, and applies the flags
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.cfgFile != "" {
		var err error
		if cfg, err = config.Load(f.cfgFile); err != nil {
			return nil, err
		}
	}

	if f.iface != "" {
		cfg.Channels = []config.Channel{{
			Interface:  f.iface,
			SourceIP:   f.src,
			EndIP:      f.dst,
			ServerPort: f.port,
		}}
	} else if f.src != "" || f.dst != "" || f.port != 0 {
		return nil, errors.New("--src, --dst and --port need --interface")
	}
	if len(f.tests) > 0 {
		cfg.Tests.Only = f.tests
	}
	if f.webAddr != "" {
		cfg.WebUI.Enabled = true
		cfg.WebUI.Address = f.webAddr
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.logFile != "" {
		cfg.Log.File = f.logFile
	}
	return cfg, nil
}

// reportFormat resolves --format, falling back to the output extension
func reportFormat(f flags) (config.ReportFormat, error) {
	if f.output == "" {
		return "", nil
	}
	if f.format != "" {
		rf := config.ReportFormat(strings.ToLower(f.format))
		if !config.ValidFormat(rf) {
			return "", fmt.Errorf("unknown report format %q", f.format)
		}
		return rf, nil
	}
	if rf, ok := report.FormatFromPath(f.output); ok {
		return rf, nil
	}
	return config.FormatText, nil
}

// fillSourceIPs reads missing source addresses from the interfaces
func fillSourceIPs(ctx context.Context, cfg *config.Config, disc *discovery.Discoverer) error {
	for i, ch := range cfg.Channels {
		if ch.SourceIP != "" {
			continue
		}
		ip, err := disc.SourceIP(ctx, ch.Interface)
		if err != nil {
			return fmt.Errorf("%w; use --src", err)
		}
		cfg.Channels[i].SourceIP = ip
	}
	return nil
}

func run(parent context.Context, f flags) int {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitSetup
	}
	format, err := reportFormat(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSetup
	}

	logOpts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File, Debug: f.debug}
	if f.useTUI && cfg.Log.File == "" {
		logOpts.Writer = io.Discard
	}
	logger, closeLog, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSetup
	}
	defer closeLog()
	slog.SetDefault(logger)

	// SIGINT is left to the menu, which uses it to cancel one run
	signals := []os.Signal{syscall.SIGTERM}
	interactive := !f.suite && !f.useTUI && !cfg.WebUI.Enabled
	if !interactive {
		signals = append(signals, os.Interrupt)
	}
	ctx, stop := signal.NotifyContext(parent, signals...)
	defer stop()

	r := runner.NewLocal(logger)
	disc := discovery.New(r, cfg.Tools, cfg.Timeouts.Inspect, logger)
	if err := fillSourceIPs(ctx, cfg, disc); err != nil {
		logger.Error("channel setup failed", slog.Any("err", err))
		return exitSetup
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("err", err))
		return exitSetup
	}

	defs, err := catalog.Select(cfg.Tests.Only)
	if err != nil {
		logger.Error("invalid test selection", slog.Any("err", err))
		return exitSetup
	}

	var dash *tui.App
	onEvent := menu.Progress(os.Stdout)
	if f.useTUI {
		dash = tui.New()
		onEvent = dash.HandleEvent
	} else if cfg.WebUI.Enabled {
		onEvent = nil
	}

	rec := metrics.New()
	exec, err := executor.New(r, cfg,
		executor.WithLogger(logger),
		executor.WithRecorder(rec),
		executor.WithEventHandler(onEvent),
	)
	if err != nil {
		logger.Error("invalid verdict rules", slog.Any("err", err))
		return exitSetup
	}

	missing, err := exec.Preflight()
	if err != nil {
		logger.Error("preflight failed", slog.Any("err", err))
		return exitSetup
	}
	for _, tool := range missing {
		logger.Warn("tool not found; tests that need it will fail", slog.String("tool", tool))
	}

	switch {
	case f.suite:
		return runSuite(ctx, cfg, exec, defs, f.output, format, logger)
	case f.useTUI || cfg.WebUI.Enabled:
		return runDashboard(ctx, cfg, exec, disc, rec, dash, defs, logger)
	}

	opts := []menu.Option{menu.WithChannels(cfg.Channels), menu.WithSuite(defs), menu.WithLogger(logger)}
	if f.output != "" {
		opts = append(opts, menu.WithReport(f.output, format))
	}
	ctrl := menu.New(os.Stdin, os.Stdout, exec, disc, opts...)
	if err := ctrl.Run(ctx); err != nil {
		logger.Error("menu stopped", slog.Any("err", err))
	}
	return exitOK
}

func runSuite(ctx context.Context, cfg *config.Config, exec *executor.Executor, defs []catalog.Definition,
	output string, format config.ReportFormat, logger *slog.Logger) int {
	if len(cfg.Channels) == 0 {
		logger.Error("no channels configured; use -i/--dst or a config file")
		return exitSetup
	}

	s := session.New(cfg.Channels)
	dir, err := exec.RunSuite(ctx, s, defs)
	if errors.Is(err, executor.ErrLocked) {
		logger.Error("cannot start suite", slog.Any("err", err))
		return exitSetup
	}

	sum := report.Summarize(s)
	fmt.Print(report.Text(sum))
	if dir != "" {
		fmt.Printf("Results saved to %s\n", dir)
	}
	if output != "" {
		if err := report.Write(sum, output, format); err != nil {
			logger.Error("write report", slog.String("path", output), slog.Any("err", err))
		} else {
			fmt.Printf("Report written to %s\n", output)
		}
	}

	switch {
	case errkind.Is(err, errkind.Cancelled):
		logger.Warn("run cancelled", slog.Int("results", sum.Total))
		return exitFailed
	case err != nil:
		logger.Error("run stopped", slog.Any("err", err))
		return exitFailed
	case sum.Counts.Fail > 0:
		return exitFailed
	}
	return exitOK
}

// runDashboard serves the TUI, the HTTP API or both over one background job
func runDashboard(ctx context.Context, cfg *config.Config, exec *executor.Executor, disc *discovery.Discoverer,
	rec *metrics.Recorder, dash *tui.App, defs []catalog.Definition, logger *slog.Logger) int {
	job := executor.NewJob(exec)
	defer func() {
		// Wait for the run to restore MTU and stop stress-ng
		job.Cancel()
		job.Wait()
	}()

	var srv *web.Server
	srvErr := make(chan error, 1)
	if cfg.WebUI.Enabled {
		srv = web.New(cfg.WebUI.Address, cfg, job,
			web.WithUI(web.Assets, "ui"),
			web.WithInspector(disc),
			web.WithMetrics(rec.Handler()),
			web.WithLogger(logger),
			web.WithVersion(version),
			web.WithContext(ctx),
		)
		go func() { srvErr <- srv.Start() }()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if dash == nil {
		if err := <-srvErr; err != nil {
			logger.Error("web server error", slog.Any("err", err))
			return exitFailed
		}
		return exitOK
	}

	dash.OnStart = func() {
		dash.ClearResults()
		if _, err := job.Start(ctx, cfg.Channels, defs, true); err != nil {
			dash.LogError("Cannot start: %v", err)
			return
		}
		dash.LogInfo("Started %d test(s) on %d channel(s)", len(defs), len(cfg.Channels))
	}
	dash.OnCancel = func() {
		if job.Cancel() {
			dash.LogWarn("Run cancelled")
		}
	}
	dash.OnQuit = func() {
		job.Cancel()
	}

	go func() {
		dash.LogInfo("nettest v%s", version)
		for i, ch := range cfg.Channels {
			dash.LogInfo("Channel %d: %s (%s -> %s)", i+1, ch.Interface, ch.SourceIP, ch.Addr())
		}
		if len(cfg.Channels) == 0 {
			dash.LogWarn("No channels configured; use -c or -i/--dst")
		}
		if srv != nil {
			dash.LogInfo("HTTP API on %s", cfg.WebUI.Address)
		}
		dash.Log("Press F1 to start, F2 to cancel, F10 to quit")
	}()

	go func() {
		<-ctx.Done()
		dash.Stop()
	}()

	if err := dash.Run(); err != nil {
		logger.Error("TUI error", slog.Any("err", err))
		return exitFailed
	}
	if srv != nil {
		_ = srv.Stop()
	}
	return exitOK
}
