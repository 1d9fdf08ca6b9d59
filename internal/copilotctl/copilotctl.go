// Package copilotctl implements the btcopilot command line.
package copilotctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"btcopilot/config"
	"btcopilot/copilot"
	"btcopilot/internal/logger"
	"btcopilot/session"
)

// Version is injected by build scripts via -ldflags "-X btcopilot/internal/copilotctl.Version=..."
var Version = "dev"

// exitError carries an exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: 2, err: err} }

// Run executes the command line and returns the process exit code:
// 0 on success, 1 when an operation failed, 2 on usage errors.
func Run(args []string) int {
	return run(args, os.Stdin, os.Stdout, os.Stderr)
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{in: in, out: out, errOut: errOut}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(errOut, "Error: %v\n", err)
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "accepts ") {
		return 2
	}
	if kind := copilot.KindOf(err); kind != copilot.KindUnknown {
		fmt.Fprintf(errOut, "(%s)\n", kind)
	}
	return 1
}

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	project    string
	testMode   bool
	logMode    string
	resume     bool

	log *logger.Logger
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "btcopilot",
		Short: "Natural-language front-end for backtrader strategy code",
		Long: `btcopilot turns plain-language descriptions of data, trading rules and analyzers
into a backtrader backtest script, and explains, critiques and charts existing ones.

Examples:
  btcopilot init                                   # write resources/ and settings.yaml
  btcopilot autopilot                              # guided setup, then build
  btcopilot build --strategy "sma 7/13 cross"      # compose, generate, save
  btcopilot describe --code resources/example_backtest.py
  btcopilot feedback --basis description
  btcopilot backtest
  btcopilot serve --listen 127.0.0.1:19528`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErr(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "settings file (YAML), defaults to ./settings.yaml when present")
	pf.StringVarP(&a.project, "project", "p", "", "project name, overrides settings")
	pf.BoolVar(&a.testMode, "test-mode", false, "use the offline generator; no model calls are made")
	pf.StringVar(&a.logMode, "log-mode", "", "dev, prod or quiet; overrides settings")
	pf.BoolVar(&a.resume, "resume", true, "continue the project's saved session")

	root.AddCommand(
		a.autopilotCmd(),
		a.buildCmd(),
		a.describeCmd(),
		a.feedbackCmd(),
		a.visualizeCmd(),
		a.backtestCmd(),
		a.boilerplateCmd(),
		a.templatesCmd(),
		a.sessionCmd(),
		a.initCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.GetConfigWith(a.configPath, func(c *config.Config) {
		if a.project != "" {
			c.ProjectName = a.project
		}
		if a.testMode {
			c.TestMode = true
		}
		if a.logMode != "" {
			c.LogMode = a.logMode
		}
	})
}

// open builds the copilot for a command and, unless --resume=false, continues the
// saved session of the project.
func (a *app) open() (*copilot.Copilot, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	a.log = log

	cp, err := copilot.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if a.resume {
		if err := cp.Restore(); err != nil && !errors.Is(err, session.ErrNoSnapshot) {
			return nil, err
		}
	}
	return cp, nil
}

// save persists the session after a command changed it.
func (a *app) save(cp *copilot.Copilot) error {
	path, err := cp.Snapshot()
	if err != nil {
		return err
	}
	if a.log != nil {
		a.log.Debug("session saved", "path", path)
	}
	return nil
}

func (a *app) done() {
	if a.log != nil {
		a.log.Sync()
	}
}
