package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/report"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/runner"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// LockFile is created in the results directory while a suite runs
const LockFile = ".nettest.lock"

// ErrLocked is returned when another suite run holds the results directory
var ErrLocked = errors.New("another nettest run is in progress")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._+&()-]+`)

// SafeName turns a display name into a file name
func SafeName(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Trim(unsafeName.ReplaceAllString(s, "-"), "-")
}

// RunSuite runs defs like RunTests and writes the run's artefacts to
// <results_dir>/full_test_run_<timestamp>/. The directory is returned even
// when the run was cancelled part-way.
func (e *Executor) RunSuite(ctx context.Context, s *session.Session, defs []catalog.Definition) (string, error) {
	base := e.cfg.ResultsDir
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", errors.Wrap(err, "create results directory")
	}

	lock := flock.New(filepath.Join(base, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return "", errors.Wrap(err, "lock results directory")
	}
	if !locked {
		return "", errors.Wrapf(ErrLocked, "lock %s", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	dir := filepath.Join(base, "full_test_run_"+s.Started.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "create run directory")
	}
	e.logger.Info("full suite started", slog.String("dir", dir), slog.Int("tests", len(defs)), slog.Int("channels", len(s.Channels)))

	runErr := e.run(ctx, s, defs, &suiteWriter{e: e, dir: dir})
	e.writeReports(dir, report.Summarize(s))
	return dir, runErr
}

func (e *Executor) writeReports(dir string, sum report.Summary) {
	e.save(filepath.Join(dir, "overall_summary.txt"), report.Overall(sum))

	for _, f := range e.cfg.Report.Formats {
		path := filepath.Join(dir, "report"+report.Extension(f))
		if err := report.Write(sum, path, f); err != nil {
			e.logger.Warn("write report", slog.String("format", string(f)), slog.Any("err", err))
		}
	}
	if e.cfg.Report.Chart {
		if _, err := report.WriteChart(sum, filepath.Join(dir, report.ChartFile)); err != nil {
			e.logger.Warn("write chart", slog.Any("err", err))
		}
	}
}

// save writes an artefact; a failed write is logged, not fatal
func (e *Executor) save(path, content string) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err == nil {
		err = os.WriteFile(path, []byte(content), 0644)
	}
	if err != nil {
		e.logger.Warn("write artefact", slog.String("path", path), slog.Any("err", err))
	}
}

type suiteWriter struct {
	e   *Executor
	dir string
}

// begin creates NN_Name/, writes test_config.txt and the ethtool snapshots
// taken before the test
func (w *suiteWriter) begin(ctx context.Context, def catalog.Definition, chs []config.Channel) string {
	dir := filepath.Join(w.dir, fmt.Sprintf("%02d_%s", def.Number, SafeName(def.Name)))
	w.e.save(filepath.Join(dir, "test_config.txt"), testConfig(def, chs, w.e.cfg.Tools))
	w.snapshots(ctx, dir, "before", chs)
	return dir
}

// finish writes per-channel summaries, raw tool output and the ethtool
// snapshots taken after the test
func (w *suiteWriter) finish(ctx context.Context, dir string, results []result.Result, chs []config.Channel) {
	for _, r := range results {
		chDir := filepath.Join(dir, r.Channel)
		w.e.save(filepath.Join(chDir, "test_summary.txt"), report.TestSummary(r))
		for i, s := range r.Steps {
			if s.Raw != "" {
				w.e.save(filepath.Join(chDir, rawName(i+1, s.Label, s.Raw)), s.Raw)
			}
		}
		if len(r.Steps) == 0 && r.Raw != "" {
			w.e.save(filepath.Join(chDir, rawName(1, r.TestID, r.Raw)), r.Raw)
		}
	}
	w.snapshots(ctx, dir, "after", chs)
}

func (w *suiteWriter) snapshots(ctx context.Context, dir, when string, chs []config.Channel) {
	for _, ch := range chs {
		cmd := runner.Cmd(w.e.cfg.Tools.Ethtool, "-S", ch.Interface)
		out, err := w.e.runner.Run(ctx, cmd, w.e.cfg.Timeouts.Inspect)
		content := out.Combined()
		if err != nil {
			content = fmt.Sprintf("%s: %v\n%s", cmd, err, content)
		}
		w.e.save(filepath.Join(dir, fmt.Sprintf("ethtool_%s_%s.txt", when, ch.Interface)), content)
	}
}

func rawName(n int, label, raw string) string {
	ext := ".txt"
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		ext = ".json"
	}
	return fmt.Sprintf("%02d_%s%s", n, SafeName(label), ext)
}

func testConfig(def catalog.Definition, chs []config.Channel, tools config.ToolsConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test: %s\n", def.Name)
	fmt.Fprintf(&b, "ID: %s\n", def.ID)
	fmt.Fprintf(&b, "Description: %s\n", def.Description)
	fmt.Fprintf(&b, "Time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	if d := def.TotalDuration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d)
	}
	if def.Stress {
		fmt.Fprintln(&b, "CPU stress: yes")
	}
	fmt.Fprintf(&b, "Channels: %d\n", len(chs))
	for i, ch := range chs {
		fmt.Fprintf(&b, "\nChannel %d:\n", i+1)
		fmt.Fprintf(&b, "  Interface: %s\n", ch.Interface)
		fmt.Fprintf(&b, "  Source IP: %s\n", ch.SourceIP)
		fmt.Fprintf(&b, "  End IP: %s\n", ch.EndIP)
		fmt.Fprintf(&b, "  Server Port: %d\n", ch.Port())
		for _, s := range def.Steps {
			fmt.Fprintf(&b, "  %s: %s\n", s.Label, s.Spec(ch.EndIP, ch.Port(), ch.SourceIP).Command(tools.Iperf))
		}
	}
	return b.String()
}
