package copilotctl

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"btcopilot/copilot"
	"btcopilot/internal/terminalui"
)

func (a *app) autopilotCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Guided setup: answer four questions, then build the backtest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()
			return a.autopilot(cp, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "build the code without asking")
	return cmd
}

func (a *app) autopilot(cp *copilot.Copilot, yes bool) error {
	terminalui.Logo(a.out)

	p := newPrompter(a.in, a.out)
	questions := []struct {
		text string
		dst  *string
	}{
		{"Please enter the name of your project: ", new(string)},
		{"Please describe the data sources you would like to load for your backtest: ", new(string)},
		{"Please describe your trading strategy rules: ", new(string)},
		{"Please describe which analyzers you would like to include: ", new(string)},
	}
	for _, q := range questions {
		ans, err := p.Ask(q.text)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(a.out)
				break
			}
			return err
		}
		*q.dst = ans
	}

	answers := copilot.Answers{
		ProjectName:  *questions[0].dst,
		DataPipeline: *questions[1].dst,
		Strategy:     *questions[2].dst,
		Analyzers:    *questions[3].dst,
	}
	if err := cp.Autopilot(answers); err != nil {
		return err
	}
	if err := a.save(cp); err != nil {
		return err
	}

	terminalui.Rule(a.out)
	fmt.Fprintln(a.out, "That's a wrap!")

	build := yes
	if !build {
		var err error
		build, err = p.Confirm("Would you like to build the code?")
		if err != nil {
			return err
		}
	}
	if !build {
		fmt.Fprintf(a.out, "Session saved. Run `btcopilot build -p %s` when you are ready.\n", cp.ProjectName())
		return nil
	}

	if _, err := cp.Compose(); err != nil {
		return err
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
	return nil
}
