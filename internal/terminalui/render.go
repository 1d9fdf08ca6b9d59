package terminalui

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const width = 74

const logo = `
 _     _                       _ _       _
| |__ | |_      ___ ___  _ __ (_) | ___ | |_
| '_ \| __|    / __/ _ \| '_ \| | |/ _ \| __|
| |_) | |_    | (_| (_) | |_) | | | (_) | |_
|_.__/ \__|    \___\___/| .__/|_|_|\___/ \__|
                        |_|
`

// Logo prints the banner shown when the autopilot starts.
func Logo(w io.Writer) {
	fmt.Fprint(w, logo)
	fmt.Fprintln(w, "Welcome to backtrader autopilot - AI enabled algotrading outputs")
	fmt.Fprintln(w, "I will guide you through the steps of setting up your backtest in python backtrader.")
	Rule(w)
}

func Rule(w io.Writer) {
	fmt.Fprintln(w, "---")
}

// Header prints a boxed title line with a timestamp.
func Header(w io.Writer, title string, now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	stamp := now.Format("2006-01-02 15:04:05")
	inner := width - 2
	text := " " + truncate(title, inner-len(stamp)-4) + " "
	pad := inner - runeLen(text) - len(stamp) - 1
	if pad < 1 {
		pad = 1
	}
	fmt.Fprintln(w, "╔"+strings.Repeat("═", inner)+"╗")
	fmt.Fprintf(w, "║%s%s%s ║\n", text, strings.Repeat(" ", pad), stamp)
	fmt.Fprintln(w, "╚"+strings.Repeat("═", inner)+"╝")
}

// Section prints a titled block, wrapping long lines. Blank lines inside body are kept
// so generated code stays readable.
func Section(w io.Writer, title, body string) {
	fmt.Fprintf(w, "\n  \033[33m[%s]\033[0m\n", title)
	fmt.Fprintln(w, "  "+strings.Repeat("-", width-4))
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		line = strings.TrimRight(line, " \t\r")
		runes := []rune(line)
		for len(runes) > width-4 {
			fmt.Fprintf(w, "  %s\n", string(runes[:width-4]))
			runes = runes[width-4:]
		}
		fmt.Fprintf(w, "  %s\n", string(runes))
	}
	fmt.Fprintln(w)
}

// RunStatus is what Run needs to know about a finished script.
type RunStatus struct {
	Script   string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Run prints the outcome of a script run, green on success and red on failure.
func Run(w io.Writer, title string, s RunStatus) {
	status := "\033[32mok\033[0m"
	if s.Err != nil {
		status = fmt.Sprintf("\033[31mfailed (exit %d)\033[0m", s.ExitCode)
	}
	fmt.Fprintf(w, "  %s: %s  %s  %s\n", title, s.Script, status, s.Duration.Round(time.Millisecond))
	if out := strings.TrimSpace(s.Stdout); out != "" {
		Section(w, "stdout", out)
	}
	if s.Err != nil {
		if errOut := strings.TrimSpace(s.Stderr); errOut != "" {
			Section(w, "stderr", errOut)
		}
		fmt.Fprintf(w, "  error: %v\n", s.Err)
	}
}

// Summary returns the first meaningful line of a model reply, cut to maxLen runes.
func Summary(text string, maxLen int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "**")
		line = strings.TrimSuffix(line, "**")
		line = strings.TrimPrefix(line, "- ")
		return truncate(line, maxLen)
	}
	return "(empty)"
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if maxLen > 3 && len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

func runeLen(s string) int { return len([]rune(s)) }
