package copilotctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"btcopilot"
	"btcopilot/copilot"
	"btcopilot/internal/copilotd"
	"btcopilot/internal/terminalui"
	"btcopilot/session"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) buildCmd() *cobra.Command {
	var (
		data, strategy, strategyFile, analyzers, custom string
		promptOnly, runAfter                            bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compose the prompt, generate the backtest and save it",
		Long: `Set any fragments given on the command line, compose the full prompt and ask the
model for the backtest code. The code is saved to <output_dir>/<project>.py.
Fragments not given keep their value from the saved session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategyText, err := readInput(strategy, strategyFile, a.in)
			if err != nil {
				return usageErr(err)
			}

			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()

			for _, f := range []struct {
				name  session.Fragment
				value string
			}{
				{session.DataPipeline, data},
				{session.Strategy, strategyText},
				{session.Analyzers, analyzers},
				{session.Custom, custom},
			} {
				if f.value == "" {
					continue
				}
				if err := cp.SetFragment(f.name, f.value); err != nil {
					return err
				}
			}

			p, err := cp.Compose()
			if err != nil {
				return err
			}
			if promptOnly {
				fmt.Fprintln(a.out, p)
				return a.save(cp)
			}

			ctx, cancel := signalContext()
			defer cancel()
			if _, err := cp.GenerateCode(ctx); err != nil {
				return err
			}
			path, err := cp.SaveCode()
			if err != nil {
				return err
			}
			if err := a.save(cp); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Code saved to %s\n", path)

			if runAfter {
				return a.printBacktest(cp.RunBacktest(ctx))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&data, "data", "", "data sources to load")
	f.StringVar(&strategy, "strategy", "", "trading strategy rules")
	f.StringVar(&strategyFile, "strategy-file", "", "read the strategy rules from a file (- for stdin)")
	f.StringVar(&analyzers, "analyzers", "", "analyzers to include")
	f.StringVar(&custom, "custom", "", "extra instructions appended verbatim")
	f.BoolVar(&promptOnly, "prompt-only", false, "print the composed prompt without calling the model")
	f.BoolVar(&runAfter, "run", false, "run the backtest after saving")
	return cmd
}

// loadCodeFlag replaces the session code when --code is given, and falls back to the
// saved artifact when the session has none.
func loadCodeFlag(cp *copilot.Copilot, path string) error {
	if path != "" {
		return cp.LoadCode(path)
	}
	if cp.Session().Code != "" {
		return nil
	}
	cfg := cp.Config()
	if _, err := os.Stat(cfg.CodePath()); err == nil {
		return cp.LoadCode(cfg.CodePath())
	}
	return nil
}

func (a *app) describeCmd() *cobra.Command {
	var codePath, outPath string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Describe the strategy implemented by the code in plain language",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()
			if err := loadCodeFlag(cp, codePath); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			text, err := cp.DescribeStrategy(ctx)
			if err != nil {
				return err
			}
			if err := a.save(cp); err != nil {
				return err
			}
			return a.emit("Strategy description", text, outPath)
		},
	}
	cmd.Flags().StringVar(&codePath, "code", "", "backtest file to describe (default: the session code)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "also write the description to this file")
	return cmd
}

func (a *app) feedbackCmd() *cobra.Command {
	var basis, codePath, strategy, outPath string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Suggest improvements to the strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := copilot.ParseBasis(basis)
			if err != nil {
				return usageErr(err)
			}
			cp, err := a.prepare(codePath, strategy)
			if err != nil {
				return err
			}
			defer a.done()

			ctx, cancel := signalContext()
			defer cancel()
			text, err := cp.Feedback(ctx, b)
			if err != nil {
				return err
			}
			if err := a.save(cp); err != nil {
				return err
			}
			return a.emit("Strategy feedback ("+string(b)+")", text, outPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&basis, "basis", "code", "read the strategy from the code or from the strategy description")
	f.StringVar(&codePath, "code", "", "backtest file to review (default: the session code)")
	f.StringVar(&strategy, "strategy", "", "strategy rules, sets the strategy fragment first")
	f.StringVarP(&outPath, "out", "o", "", "also write the feedback to this file")
	return cmd
}

func (a *app) visualizeCmd() *cobra.Command {
	var basis, codePath, strategy string
	cmd := &cobra.Command{
		Use:   "visualize",
		Short: "Generate and run a flow-chart script for the strategy (needs graphviz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := copilot.ParseBasis(basis)
			if err != nil {
				return usageErr(err)
			}
			cp, err := a.prepare(codePath, strategy)
			if err != nil {
				return err
			}
			defer a.done()

			ctx, cancel := signalContext()
			defer cancel()
			res, err := cp.Visualize(ctx, b)
			if err != nil {
				return err
			}
			if err := a.save(cp); err != nil {
				return err
			}
			terminalui.Run(a.out, "plot script", runStatus(res.Script, res.Run))
			if !res.Run.OK() {
				fmt.Fprintln(a.out, "  Ensure graphviz is installed on your system.")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&basis, "basis", "code", "chart the code or the strategy description")
	f.StringVar(&codePath, "code", "", "backtest file to chart (default: the session code)")
	f.StringVar(&strategy, "strategy", "", "strategy rules, sets the strategy fragment first")
	return cmd
}

// prepare opens the copilot and applies the --code and --strategy inputs shared by
// feedback and visualize.
func (a *app) prepare(codePath, strategy string) (*copilot.Copilot, error) {
	cp, err := a.open()
	if err != nil {
		return nil, err
	}
	if err := loadCodeFlag(cp, codePath); err != nil {
		return nil, err
	}
	if strategy != "" {
		if err := cp.SetStrategy(strategy); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

func (a *app) backtestCmd() *cobra.Command {
	var codePath string
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run the saved backtest with the configured python interpreter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()

			if codePath != "" {
				if err := cp.LoadCode(codePath); err != nil {
					return err
				}
				if _, err := cp.SaveCode(); err != nil {
					return err
				}
				if err := a.save(cp); err != nil {
					return err
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			return a.printBacktest(cp.RunBacktest(ctx))
		},
	}
	cmd.Flags().StringVar(&codePath, "code", "", "copy this file to the project code path before running")
	return cmd
}

func (a *app) printBacktest(res *copilot.BacktestResult) error {
	terminalui.Run(a.out, "backtest", runStatus(res.Script, res.Run))
	if !res.Run.OK() {
		return &exitError{code: 1}
	}
	return nil
}

func runStatus(script string, r copilot.RunReport) terminalui.RunStatus {
	return terminalui.RunStatus{
		Script:   script,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
		Duration: r.Duration,
		Err:      r.Err,
	}
}

func (a *app) boilerplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boilerplate [kind]",
		Short: "Start the project code from resources/boilerplate_<kind>.py",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := "basic"
			if len(args) == 1 {
				kind = args[0]
			}
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()

			if err := cp.LoadBoilerplate(kind); err != nil {
				return err
			}
			path, err := cp.SaveCode()
			if err != nil {
				return err
			}
			if err := a.save(cp); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Boilerplate %q saved to %s\n", kind, path)
			return nil
		},
	}
}

func (a *app) templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the goal codes of the prompt library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()
			for _, k := range cp.Templates() {
				fmt.Fprintln(a.out, k)
			}
			return nil
		},
	}
}

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write the default resources and settings.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			written, err := btcopilot.Scaffold(dir, "resources", force)
			if err != nil {
				return err
			}
			for _, p := range written {
				fmt.Fprintf(a.out, "wrote %s\n", p)
			}
			if len(written) == 0 {
				fmt.Fprintf(a.out, "nothing to do in %s (use --force to overwrite)\n", filepath.Clean(dir))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "serve [--listen addr] [--resume] [--test-mode]",
		Short:              "Serve the session over HTTP",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := copilotd.Run(args); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// emit prints a titled reply and optionally writes it to a file.
func (a *app) emit(title, text, outPath string) error {
	terminalui.Section(a.out, title, text)
	if outPath == "" {
		return nil
	}
	if err := writeOutput(outPath, text); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Saved to %s\n", outPath)
	return nil
}
