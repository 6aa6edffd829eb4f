// Package menu implements the interactive operator console as a finite
// state machine. Each state prints its prompt, reads one line and names the
// next state; invalid input stays in the same state.
package menu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/discovery"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/executor"
	"github.com/krisarmstrong/nettest/pkg/report"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// State of the console
type State int

const (
	MainMenu State = iota
	ConfigureChannels
	SelectTests
	Executing
	ShowResults
	Exit
)

var stateNames = map[State]string{
	MainMenu:          "MainMenu",
	ConfigureChannels: "ConfigureChannels",
	SelectTests:       "SelectTests",
	Executing:         "Executing",
	ShowResults:       "ShowResults",
	Exit:              "Exit",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the states each state may move to
var transitions = map[State][]State{
	MainMenu:          {MainMenu, ConfigureChannels, SelectTests, Executing, Exit},
	ConfigureChannels: {ConfigureChannels, MainMenu},
	SelectTests:       {SelectTests, Executing, MainMenu},
	Executing:         {ShowResults},
	ShowResults:       {MainMenu, Exit},
}

// Allowed reports whether the machine may move from one state to another
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Executor runs the selected tests
type Executor interface {
	RunTests(ctx context.Context, s *session.Session, defs []catalog.Definition) error
	RunSuite(ctx context.Context, s *session.Session, defs []catalog.Definition) (string, error)
}

// Inspector lists and validates interfaces
type Inspector interface {
	ListInterfaces(ctx context.Context) ([]discovery.Interface, error)
	Exists(ctx context.Context, name string) bool
}

type handler func(c *Controller, ctx context.Context) State

var handlers = map[State]handler{
	MainMenu:          (*Controller).mainMenu,
	ConfigureChannels: (*Controller).configureChannels,
	SelectTests:       (*Controller).selectTests,
	Executing:         (*Controller).executing,
	ShowResults:       (*Controller).showResults,
}

// Controller drives the console. Channels persist across cycles; the
// session and test selection live for one run only.
type Controller struct {
	in      *bufio.Scanner
	out     io.Writer
	exec    Executor
	inspect Inspector
	logger  *slog.Logger

	channels []config.Channel
	suite    []catalog.Definition
	output   string
	format   config.ReportFormat

	// current cycle
	form    *channelForm
	pending []catalog.Definition
	full    bool
	sess    *session.Session
	dir     string
	runErr  error
}

// Option configures a Controller
type Option func(*Controller)

// WithChannels preloads channels, usually from the config file
func WithChannels(chs []config.Channel) Option {
	return func(c *Controller) { c.channels = append([]config.Channel(nil), chs...) }
}

// WithSuite sets the tests run by "full automated test suite"
func WithSuite(defs []catalog.Definition) Option {
	return func(c *Controller) { c.suite = defs }
}

// WithReport writes a report file after every run
func WithReport(path string, f config.ReportFormat) Option {
	return func(c *Controller) { c.output, c.format = path, f }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns a Controller reading operator input from in
func New(in io.Reader, out io.Writer, exec Executor, inspect Inspector, opts ...Option) *Controller {
	c := &Controller{
		in:      bufio.NewScanner(in),
		out:     out,
		exec:    exec,
		inspect: inspect,
		logger:  slog.Default(),
		suite:   catalog.List(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Channels returns the configured channels
func (c *Controller) Channels() []config.Channel {
	return append([]config.Channel(nil), c.channels...)
}

// Run loops until the operator exits or input ends
func (c *Controller) Run(ctx context.Context) error {
	state := MainMenu
	for state != Exit {
		h, ok := handlers[state]
		if !ok {
			return fmt.Errorf("menu: no handler for %s", state)
		}
		next := h(c, ctx)
		if !Allowed(state, next) {
			return fmt.Errorf("menu: illegal transition %s -> %s", state, next)
		}
		c.logger.Debug("menu transition", slog.String("from", state.String()), slog.String("to", next.String()))
		state = next
	}
	return nil
}

// readLine returns the next trimmed input line; ok is false at end of input
func (c *Controller) readLine(prompt string) (string, bool) {
	fmt.Fprint(c.out, prompt)
	if !c.in.Scan() {
		fmt.Fprintln(c.out)
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func (c *Controller) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Controller) mainMenu(ctx context.Context) State {
	c.printf("\n%s\n nettest - Ethernet validation console\n%s\n", strings.Repeat("=", 60), strings.Repeat("=", 60))
	if len(c.channels) == 0 {
		c.printf(" Channels: none configured\n")
	}
	for i, ch := range c.channels {
		c.printf(" Channel %d: %s (%s -> %s)\n", i+1, ch.Interface, ch.SourceIP, ch.Addr())
	}
	c.printf("\n 1) Configure channels\n 2) Select and run tests\n 3) Run full automated test suite (%d tests)\n 0) Exit\n", len(c.suite))

	line, ok := c.readLine("> ")
	if !ok {
		return Exit
	}
	switch strings.ToLower(line) {
	case "1":
		c.form = nil
		return ConfigureChannels
	case "2", "3":
		if len(c.channels) == 0 {
			c.printf("No channels configured; configure at least one first.\n")
			c.form = nil
			return ConfigureChannels
		}
		if line == "2" {
			return SelectTests
		}
		c.pending, c.full = c.suite, true
		return Executing
	case "0", "q", "quit", "exit":
		return Exit
	}
	c.printf("Invalid choice %q\n", line)
	return MainMenu
}

func (c *Controller) selectTests(ctx context.Context) State {
	c.printf("\n%3s  %-18s %-32s %s\n", "#", "ID", "Test", "Description")
	for _, d := range catalog.List() {
		c.printf("%3d  %-18s %-32s %s\n", d.Number, d.ID, d.Name, d.Description)
	}
	line, ok := c.readLine("Tests to run (numbers or ids, comma separated; all; 0 = back): ")
	if !ok || line == "0" {
		return MainMenu
	}

	var defs []catalog.Definition
	if strings.EqualFold(line, "all") {
		defs = catalog.List()
	} else {
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' })
		if len(fields) == 0 {
			c.printf("Enter at least one test.\n")
			return SelectTests
		}
		var err error
		if defs, err = catalog.Select(fields); err != nil {
			c.printf("Unknown test: %v\n", err)
			return SelectTests
		}
	}
	c.pending, c.full = defs, false
	return Executing
}

func (c *Controller) executing(ctx context.Context) State {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	c.sess = session.New(c.channels)
	c.dir, c.runErr = "", nil
	c.printf("\nRunning %d test(s) on %d channel(s). Ctrl-C cancels the run.\n", len(c.pending), len(c.channels))

	if c.full {
		c.dir, c.runErr = c.exec.RunSuite(runCtx, c.sess, c.pending)
	} else {
		c.runErr = c.exec.RunTests(runCtx, c.sess, c.pending)
	}
	return ShowResults
}

func (c *Controller) showResults(ctx context.Context) State {
	sum := report.Summarize(c.sess)
	c.printf("\n%s", report.Text(sum))

	switch {
	case errkind.Is(c.runErr, errkind.Cancelled):
		c.printf("Run cancelled; %d result(s) collected.\n", sum.Total)
	case c.runErr != nil:
		c.printf("Run stopped: %v\n", c.runErr)
	}
	if c.dir != "" {
		c.printf("Results saved to %s\n", c.dir)
	}
	for _, r := range sum.Results {
		if r.Verdict != result.Pass && r.Raw != "" {
			c.printf("\n--- %s on %s: raw output ---\n%s\n", r.TestID, r.Channel, strings.TrimSpace(r.Raw))
		}
	}
	if c.output != "" {
		if err := report.Write(sum, c.output, c.format); err != nil {
			c.printf("Write report: %v\n", err)
		} else {
			c.printf("Report written to %s\n", c.output)
		}
	}

	c.sess, c.pending = nil, nil
	if _, ok := c.readLine("\nPress Enter to return to the main menu "); !ok {
		return Exit
	}
	return MainMenu
}

// Progress returns an executor event handler that prints one line per test
// start and result
func Progress(out io.Writer) func(executor.Event) {
	return func(ev executor.Event) {
		switch ev.Type {
		case executor.EventTestStarted:
			fmt.Fprintf(out, "[%d/%d] %s\n", ev.Index, ev.Total, ev.Test.Name)
		case executor.EventResult:
			if ev.Result != nil {
				fmt.Fprintf(out, "      %-4s %s: %s\n", strings.ToUpper(string(ev.Result.Verdict)), ev.Channel, report.Headline(*ev.Result))
			}
		}
	}
}
