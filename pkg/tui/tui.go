// Package tui provides a full-screen dashboard for nettest runs
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/krisarmstrong/nettest/pkg/executor"
	"github.com/krisarmstrong/nettest/pkg/iperf"
	"github.com/krisarmstrong/nettest/pkg/result"
)

// Current describes the test in progress
type Current struct {
	Number  int
	Test    string
	Channel string
	State   string
	Index   int
	Total   int
	Started time.Time
	Pass    int
	Warn    int
	Fail    int
}

// Progress of the run in percent
func (c Current) Progress() float64 {
	if c.Total == 0 {
		return 0
	}
	done := c.Pass + c.Warn + c.Fail
	pct := float64(done) / float64(c.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// App represents the TUI application
type App struct {
	app         *tview.Application
	pages       *tview.Pages
	statsView   *tview.Table
	resultsView *tview.Table
	logView     *tview.TextView
	progressBar *tview.TextView
	statusBar   *tview.TextView

	mu      sync.Mutex
	current Current
	results []result.Result

	// Event loop state. Updates are applied directly before Run and
	// dropped after Stop.
	loopMu   sync.Mutex
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once

	// Callbacks
	OnStart  func()
	OnCancel func()
	OnQuit   func()
}

// New creates a new TUI application
func New() *App {
	a := &App{
		app:     tview.NewApplication(),
		pages:   tview.NewPages(),
		results: make([]result.Result, 0),
		stopped: make(chan struct{}),
	}
	a.build()
	return a
}

func (a *App) build() {
	// Current test (left side)
	a.statsView = tview.NewTable().
		SetBorders(false).
		SetSelectable(false, false)
	a.statsView.SetTitle(" Current Test ").SetBorder(true)
	a.initStatsView()

	// Results (right side)
	a.resultsView = tview.NewTable().
		SetBorders(true).
		SetSelectable(true, false)
	a.resultsView.SetTitle(" Results ").SetBorder(true)
	a.initResultsView()

	a.progressBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.progressBar.SetTitle(" Progress ").SetBorder(true)
	a.progressBar.SetText(progressText(0))

	a.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.logView.SetTitle(" Log ").SetBorder(true)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.statusBar.SetText(idleStatus)

	topRow := tview.NewFlex().
		AddItem(a.statsView, 0, 1, false).
		AddItem(a.resultsView, 0, 2, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 3, false).
		AddItem(a.progressBar, 3, 0, false).
		AddItem(a.logView, 0, 1, false).
		AddItem(a.statusBar, 1, 0, false)

	a.pages.AddPage("main", mainFlex, true, true)
	a.app.SetInputCapture(a.handleKey)
	a.app.SetRoot(a.pages, true)
}

const idleStatus = "[yellow]nettest[white] | [green]F1[white] Start | [red]F2[white] Cancel | [blue]F10[white] Quit"

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyF1:
		if a.OnStart != nil {
			go a.OnStart()
		}
		return nil
	case tcell.KeyF2, tcell.KeyCtrlC:
		if a.OnCancel != nil {
			a.OnCancel()
		}
		return nil
	case tcell.KeyF10, tcell.KeyEscape:
		if a.OnQuit != nil {
			a.OnQuit()
		}
		a.Stop()
		return nil
	}
	return event
}

var statLabels = []string{
	"Test:",
	"Channel:",
	"State:",
	"Position:",
	"Elapsed:",
	"",
	"Pass:",
	"Warn:",
	"Fail:",
}

func (a *App) initStatsView() {
	for i, label := range statLabels {
		a.statsView.SetCell(i, 0, tview.NewTableCell(label).
			SetTextColor(tcell.ColorYellow).
			SetAlign(tview.AlignRight))
		a.statsView.SetCell(i, 1, tview.NewTableCell("-").
			SetTextColor(tcell.ColorWhite).
			SetAlign(tview.AlignLeft))
	}
}

var resultHeaders = []string{"#", "Test", "Channel", "Result", "Throughput", "Details"}

func (a *App) initResultsView() {
	for i, h := range resultHeaders {
		a.resultsView.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetAlign(tview.AlignCenter).
			SetSelectable(false))
	}
}

func statValues(c Current) []string {
	elapsed := "-"
	if !c.Started.IsZero() {
		elapsed = time.Since(c.Started).Round(time.Second).String()
	}
	return []string{
		fmt.Sprintf("%02d %s", c.Number, c.Test),
		c.Channel,
		c.State,
		fmt.Sprintf("%d / %d", c.Index, c.Total),
		elapsed,
		"",
		fmt.Sprintf("%d", c.Pass),
		fmt.Sprintf("%d", c.Warn),
		fmt.Sprintf("%d", c.Fail),
	}
}

func resultRow(r result.Result) []string {
	bps := "-"
	if v, ok := r.Metrics[result.MetricThroughput]; ok {
		bps = iperf.PrettyBps(v)
	}
	details := r.Message
	if r.Kind != "" {
		details = fmt.Sprintf("[%s] %s", r.Kind, details)
	}
	return []string{
		fmt.Sprintf("%d", r.Number),
		r.TestName,
		r.Channel,
		strings.ToUpper(string(r.Verdict)),
		bps,
		details,
	}
}

func verdictColor(v result.Verdict) tcell.Color {
	switch v {
	case result.Pass:
		return tcell.ColorGreen
	case result.Warn:
		return tcell.ColorYellow
	}
	return tcell.ColorRed
}

// HandleEvent is an executor event handler
func (a *App) HandleEvent(ev executor.Event) {
	switch ev.Type {
	case executor.EventTestStarted:
		a.mu.Lock()
		a.current.Number = ev.Test.Number
		a.current.Test = ev.Test.Name
		a.current.Channel = ev.Channel
		a.current.Index = ev.Index
		a.current.Total = ev.Total
		a.current.State = "running"
		a.current.Started = time.Now()
		cur := a.current
		a.mu.Unlock()
		a.LogInfo("[%d/%d] %s started", ev.Index, ev.Total, ev.Test.Name)
		a.updateStats(cur)

	case executor.EventResult:
		if ev.Result == nil {
			return
		}
		a.AddResult(*ev.Result)

	case executor.EventRunDone:
		a.mu.Lock()
		a.current.State = "done"
		cur := a.current
		a.mu.Unlock()
		a.LogInfo("Run finished: %d pass, %d warn, %d fail", cur.Pass, cur.Warn, cur.Fail)
		a.updateStats(cur)
		a.SetStatus(idleStatus)
	}
}

func (a *App) updateStats(c Current) {
	values := statValues(c)
	pct := c.Progress()
	a.update(func() {
		for i, v := range values {
			a.statsView.SetCell(i, 1, tview.NewTableCell(v).
				SetTextColor(tcell.ColorWhite).
				SetAlign(tview.AlignLeft))
		}
		a.progressBar.SetText(progressText(pct))
	})
}

// AddResult adds a test result to the results table
func (a *App) AddResult(r result.Result) {
	a.mu.Lock()
	a.results = append(a.results, r)
	switch r.Verdict {
	case result.Pass:
		a.current.Pass++
	case result.Warn:
		a.current.Warn++
	default:
		a.current.Fail++
	}
	row := len(a.results)
	cur := a.current
	a.mu.Unlock()

	cells := resultRow(r)
	color := verdictColor(r.Verdict)
	a.update(func() {
		for i, v := range cells {
			cell := tview.NewTableCell(v).SetAlign(tview.AlignCenter)
			if i == 3 {
				cell.SetTextColor(color)
			}
			if i == len(cells)-1 {
				cell.SetAlign(tview.AlignLeft).SetExpansion(1)
			}
			a.resultsView.SetCell(row, i, cell)
		}
	})

	switch r.Verdict {
	case result.Pass:
		a.LogInfo("%s on %s: %s", r.TestName, r.Channel, cells[4])
	case result.Warn:
		a.LogWarn("%s on %s: %s", r.TestName, r.Channel, r.Message)
	default:
		a.LogError("%s on %s: %s", r.TestName, r.Channel, r.Message)
	}
	a.updateStats(cur)
}

// Results returns the results shown so far
func (a *App) Results() []result.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]result.Result(nil), a.results...)
}

// Snapshot returns the current test state
func (a *App) Snapshot() Current {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Log adds a message to the log view
func (a *App) Log(format string, args ...interface{}) {
	a.logLine("", format, args...)
}

// LogInfo logs an info message
func (a *App) LogInfo(format string, args ...interface{}) {
	a.logLine("[green][INFO]", format, args...)
}

// LogWarn logs a warning message
func (a *App) LogWarn(format string, args ...interface{}) {
	a.logLine("[yellow][WARN]", format, args...)
}

// LogError logs an error message
func (a *App) LogError(format string, args ...interface{}) {
	a.logLine("[red][ERROR]", format, args...)
}

func (a *App) logLine(tag, format string, args ...interface{}) {
	msg := tview.Escape(fmt.Sprintf(format, args...))
	timestamp := time.Now().Format("15:04:05")
	if tag != "" {
		tag = " " + tag
	}
	a.update(func() {
		fmt.Fprintf(a.logView, "[gray]%s%s[white] %s\n", timestamp, tag, msg)
		a.logView.ScrollToEnd()
	})
}

func progressText(pct float64) string {
	width := 50
	filled := int(pct / 100.0 * float64(width))
	if filled > width {
		filled = width
	}

	var bar strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			bar.WriteString("[green]█")
		} else {
			bar.WriteString("[gray]░")
		}
	}
	return fmt.Sprintf("%s[white] %.1f%%", bar.String(), pct)
}

// SetStatus updates the status bar
func (a *App) SetStatus(msg string) {
	a.update(func() {
		a.statusBar.SetText(msg)
	})
}

// update runs f on the event loop and waits for it, unless the loop stops
// first
func (a *App) update(f func()) {
	select {
	case <-a.stopped:
		return
	default:
	}

	a.loopMu.Lock()
	if !a.started {
		f()
		a.loopMu.Unlock()
		return
	}
	a.loopMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.app.QueueUpdateDraw(f)
		close(done)
	}()
	select {
	case <-done:
	case <-a.stopped:
	}
}

// Run starts the TUI application. It returns at once if Stop was already
// called.
func (a *App) Run() error {
	select {
	case <-a.stopped:
		return nil
	default:
	}

	a.loopMu.Lock()
	a.started = true
	a.loopMu.Unlock()
	defer a.markStopped()

	return a.app.Run()
}

// Stop stops the TUI application. Later updates are discarded.
func (a *App) Stop() {
	a.markStopped()
	a.app.Stop()
}

func (a *App) markStopped() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

// ClearResults clears the results table and counters
func (a *App) ClearResults() {
	a.mu.Lock()
	a.results = a.results[:0]
	a.current = Current{}
	a.mu.Unlock()
	a.update(func() {
		a.resultsView.Clear()
		a.initResultsView()
		a.progressBar.SetText(progressText(0))
	})
}
